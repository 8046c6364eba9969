package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/soldier/backend/internal/axis"
	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/internal/snapshot"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

func testSafetyConfig() config.SafetyConfig {
	return config.SafetyConfig{
		MMUtilRejectOpens: 0.70,
		MMUtilReduceOnly:  0.85,
		MMUtilKill:        0.95,
		MMUtilMaxAge:      30 * time.Second,
		DiskUsedMaxAge:    30 * time.Second,
		BookFeedMaxAge:    5 * time.Second,
		TradeFeedMaxAge:   5 * time.Second,
		SnapshotMaxSkew:   time.Second,
		DiskDegradedPct:   0.85,
		DiskKillPct:       0.92,
		WSZombieSilence:   15 * time.Second,
		WatchdogKill:      10 * time.Second,

		LedgerQueueCapacity:    64,
		LedgerErrorTripCount:   3,
		LedgerErrorTripWindow:  300 * time.Second,
		TradeRegistryRetention: 48 * time.Hour,
	}
}

type fixture struct {
	gate     *Gate
	provider *snapshot.Provider
	latch    *latch.Latch
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testSafetyConfig()

	provider := snapshot.New(cfg.SnapshotMaxSkew)
	healthy(provider)

	lt := latch.New(logger.Nop())
	led := ledger.New(ledger.NewMemoryStore(), nil, logger.Nop(), cfg)
	g := New(axis.New(cfg), provider, lt, led, logger.Nop(), cfg)

	return &fixture{gate: g, provider: provider, latch: lt, ledger: led}
}

// healthy drives every snapshot signal into the quiet zone.
func healthy(p *snapshot.Provider) {
	p.SetMMUtil(0.20)
	p.SetEquity(1_000_000)
	p.SetDiskUsedPct(0.40)
	p.SetLedgerHealth(0, 0, 64)
	p.SetGroupLockTimeout(false)
	p.SetSessionUp(true)
	p.SetRestReachable(true)
	p.SetMarketStress(false)
	p.SetNetExposure(0, true)
	p.MarkHeartbeat()
	p.MarkBookUpdate()
	p.MarkTradeUpdate()
}

func openIntent() contracts.Intent {
	return contracts.Intent{
		GroupID:    "3f2504e0-4f89-41d3-9a0c-0305e82c3301",
		LegIdx:     0,
		Instrument: "BTC-PERPETUAL",
		Side:       contracts.SideBuy,
		QtySteps:   100,
		PriceTicks: 65000,
		Class:      contracts.ClassOpen,
	}
}

func closeIntent() contracts.Intent {
	in := openIntent()
	in.Class = contracts.ClassClose
	in.Side = contracts.SideSell
	in.ReduceOnly = true
	return in
}

func TestAuthorize_OpenAllowedWhenAllThreeProofsHold(t *testing.T) {
	f := newFixture(t)
	f.latch.Clear()

	in := openIntent()
	require.NoError(t, f.ledger.Record(in))

	d := f.gate.Authorize(in)
	assert.True(t, d.Allowed)
	assert.Equal(t, contracts.ModeActive, d.Mode)
}

func TestAuthorize_OpenDeniedWithoutLedgerRecord(t *testing.T) {
	f := newFixture(t)
	f.latch.Clear()

	d := f.gate.Authorize(openIntent())
	assert.False(t, d.Allowed, "recorded-before-dispatch: no record, no network call")
	assert.Equal(t, "intent not recorded", d.Detail)
}

func TestAuthorize_OpenDeniedWhileLatchBlocked(t *testing.T) {
	f := newFixture(t)
	// cold start — latch never cleared

	in := openIntent()
	require.NoError(t, f.ledger.Record(in))

	d := f.gate.Authorize(in)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, contracts.ReasonColdStart)
}

func TestAuthorize_OpenDeniedInReduceOnlyMode(t *testing.T) {
	f := newFixture(t)
	f.latch.Clear()
	f.provider.SetMMUtil(0.90)

	in := openIntent()
	require.NoError(t, f.ledger.Record(in))

	d := f.gate.Authorize(in)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ModeReduceOnly, d.Mode)
	assert.Contains(t, d.Reasons, contracts.ReasonMarginPressure)
}

func TestAuthorize_OpenDeniedInMarginRejectOpensBand(t *testing.T) {
	f := newFixture(t)
	f.latch.Clear()
	f.provider.SetMMUtil(0.75) // reject-opens 밴드, reduce-only 문턱 아래

	in := openIntent()
	require.NoError(t, f.ledger.Record(in))

	d := f.gate.Authorize(in)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.ModeActive, d.Mode, "밴드는 모드를 바꾸지 않는다")
	assert.Contains(t, d.Reasons, contracts.ReasonMarginRejectOpens)

	// 리스크 감소 경로는 여전히 열려 있어야 한다
	assert.True(t, f.gate.Authorize(closeIntent()).Allowed)
}

func TestAuthorize_CloseWithoutReduceOnlyFlagTreatedAsOpen(t *testing.T) {
	f := newFixture(t)
	f.latch.Clear()
	f.provider.SetMMUtil(0.90)

	in := openIntent()
	in.Class = contracts.ClassClose // reduce-only 증명 없음 → open 취급
	require.NoError(t, f.ledger.Record(in))

	d := f.gate.Authorize(in)
	assert.False(t, d.Allowed)
}

func TestAuthorize_CapitalSupremacy(t *testing.T) {
	// 모든 모드 × 래치 상태에서 리스크 감소 경로는 항상 열려 있어야 한다
	scenarios := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"active", func(f *fixture) {}},
		{"reduce_only_margin", func(f *fixture) { f.provider.SetMMUtil(0.90) }},
		{"kill_margin", func(f *fixture) { f.provider.SetMMUtil(0.97) }},
		{"kill_corroborated_heartbeat", func(f *fixture) {
			f.provider.SetRestReachable(false)
			// heartbeat를 과거로: 마지막 하트비트 이후 침묵 흉내는 불가하므로
			// rest down + session down 조합으로 근사
			f.provider.SetSessionUp(false)
		}},
		{"snapshot_degraded", func(f *fixture) { f.provider.SetMMUtil(0.20); f.provider.SetMarketStress(true) }},
	}

	for _, sc := range scenarios {
		for _, blocked := range []bool{true, false} {
			name := sc.name
			if blocked {
				name += "_latched"
			}
			t.Run(name, func(t *testing.T) {
				f := newFixture(t)
				if !blocked {
					f.latch.Clear()
				}
				sc.setup(f)

				d := f.gate.Authorize(closeIntent())
				assert.True(t, d.Allowed, "risk-reducing path must stay authorized (%s)", name)

				cancel := openIntent()
				cancel.Class = contracts.ClassCancel
				dc := f.gate.Authorize(cancel)
				assert.True(t, dc.Allowed, "cancel of an open order must stay authorized (%s)", name)
			})
		}
	}
}

func TestAuthorize_CancelOfProtectiveOrderDeniedWhileRestricted(t *testing.T) {
	f := newFixture(t)
	f.latch.Clear()

	// 보호(reduce-only) 주문이 레저에 존재
	protective := closeIntent()
	require.NoError(t, f.ledger.Record(protective))

	cancel := protective
	cancel.Class = contracts.ClassCancel

	// Active에서는 허용
	d := f.gate.Authorize(cancel)
	assert.True(t, d.Allowed)

	// 제한 모드에서는 보호 제거 = 리스크 증가 → 거절
	f.provider.SetMMUtil(0.90)
	d = f.gate.Authorize(cancel)
	assert.False(t, d.Allowed)
	assert.Equal(t, "cancel of protective order while restricted", d.Detail)
}

func TestAuthorize_ReResolvesEveryCall(t *testing.T) {
	f := newFixture(t)
	f.latch.Clear()

	in := openIntent()
	require.NoError(t, f.ledger.Record(in))

	require.True(t, f.gate.Authorize(in).Allowed)

	// 조건 악화가 다음 인가에 바로 반영돼야 함 — 이전 틱 결정 불신
	f.provider.SetMMUtil(0.97)
	assert.False(t, f.gate.Authorize(in).Allowed)
}
