package axis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/pkg/config"
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
		DiskDegradedPct:   0.85,
		DiskKillPct:       0.92,
		WSZombieSilence:   15 * time.Second,
		WatchdogKill:      10 * time.Second,

		LedgerErrorTripCount:  3,
		LedgerErrorTripWindow: 300 * time.Second,
	}
}

// healthySnapshot builds a snapshot where every predicate is quiet.
func healthySnapshot(now time.Time) *contracts.InputSnapshot {
	fresh := func(v float64) contracts.Signal {
		return contracts.Signal{Value: v, LastUpdate: now, Present: true}
	}
	freshBool := func(v bool) contracts.BoolSignal {
		return contracts.BoolSignal{Value: v, LastUpdate: now, Present: true}
	}
	return &contracts.InputSnapshot{
		Version:             1,
		AcquiredAt:          now,
		MMUtil:              fresh(0.20),
		Equity:              fresh(1_000_000),
		DiskUsedPct:         fresh(0.40),
		LedgerWriteErrors:   fresh(0),
		LedgerQueueDepth:    fresh(10),
		LedgerQueueCap:      fresh(1024),
		GroupLockTimeout:    freshBool(false),
		PrivateHeartbeatAge: fresh(1),
		SessionUp:           freshBool(true),
		RestReachable:       freshBool(true),
		BookFeedAge:         fresh(0.5),
		TradeFeedAge:        fresh(0.5),
		MarketStress:        freshBool(false),
		NetExposureUSD:      fresh(0),
	}
}

func TestResolve_HealthyIsActiveWithNoReasons(t *testing.T) {
	r := New(testSafetyConfig())
	res := r.Resolve(healthySnapshot(time.Now()))

	assert.Equal(t, contracts.ModeActive, res.Mode)
	assert.Empty(t, res.Reasons, "Active implies an empty reason set")
	assert.Equal(t, contracts.CapitalSafe, res.Axes.Capital)
	assert.Equal(t, contracts.MarketStable, res.Axes.Market)
	assert.Equal(t, contracts.SystemHealthy, res.Axes.System)
}

func TestResolve_DeterministicForIdenticalSnapshot(t *testing.T) {
	r := New(testSafetyConfig())
	now := time.Now()
	snap := healthySnapshot(now)
	snap.MMUtil.Value = 0.90

	first := r.Resolve(snap)
	for i := 0; i < 50; i++ {
		again := r.Resolve(snap)
		require.Equal(t, first, again, "identical snapshot must always yield identical output")
	}
}

func TestModeOf_All27Combinations(t *testing.T) {
	capitals := []contracts.CapitalRiskAxis{contracts.CapitalSafe, contracts.CapitalWarning, contracts.CapitalCritical}
	markets := []contracts.MarketIntegrityAxis{contracts.MarketStable, contracts.MarketStressed, contracts.MarketBroken}
	systems := []contracts.SystemIntegrityAxis{contracts.SystemHealthy, contracts.SystemDegraded, contracts.SystemFailing}

	seen := 0
	for _, c := range capitals {
		for _, m := range markets {
			for _, s := range systems {
				axes := contracts.Axes{Capital: c, Market: m, System: s}
				mode := modeOf(axes)
				seen++

				// 규칙 그대로 재검증
				switch {
				case s == contracts.SystemFailing || c == contracts.CapitalCritical:
					assert.Equal(t, contracts.ModeKill, mode, "axes %+v", axes)
				case s == contracts.SystemDegraded || m != contracts.MarketStable || c == contracts.CapitalWarning:
					assert.Equal(t, contracts.ModeReduceOnly, mode, "axes %+v", axes)
				default:
					assert.Equal(t, contracts.ModeActive, mode, "axes %+v", axes)
				}

				// 반복 호출도 동일
				assert.Equal(t, mode, modeOf(axes))
			}
		}
	}
	assert.Equal(t, 27, seen)
}

func TestModeOf_Monotonicity(t *testing.T) {
	// B가 모든 축에서 A 이상으로 나쁘고 최소 한 축에서 엄격히 나쁘면,
	// resolve(B)는 resolve(A)보다 덜 제한적일 수 없다.
	type triple struct{ c, m, s int }
	var all []triple
	for c := 0; c < 3; c++ {
		for m := 0; m < 3; m++ {
			for s := 0; s < 3; s++ {
				all = append(all, triple{c, m, s})
			}
		}
	}

	toAxes := func(t triple) contracts.Axes {
		return contracts.Axes{
			Capital: contracts.CapitalRiskAxis(t.c),
			Market:  contracts.MarketIntegrityAxis(t.m),
			System:  contracts.SystemIntegrityAxis(t.s),
		}
	}

	for _, a := range all {
		for _, b := range all {
			worseOrEqual := b.c >= a.c && b.m >= a.m && b.s >= a.s
			strictlyWorse := b.c > a.c || b.m > a.m || b.s > a.s
			if !(worseOrEqual && strictlyWorse) {
				continue
			}
			modeA := modeOf(toAxes(a))
			modeB := modeOf(toAxes(b))
			if modeA.MoreRestrictiveThan(modeB) {
				t.Errorf("monotonicity violated: %+v → %s but worse %+v → %s", a, modeA, b, modeB)
			}
		}
	}
}

func TestResolve_MarginPressureScenario(t *testing.T) {
	// mm_util = 0.90, reduceonly 0.85, kill 0.95 → ReduceOnly, 사유는 margin 하나
	r := New(testSafetyConfig())
	snap := healthySnapshot(time.Now())
	snap.MMUtil.Value = 0.90

	res := r.Resolve(snap)
	assert.Equal(t, contracts.ModeReduceOnly, res.Mode)
	require.Len(t, res.Reasons, 1)
	assert.Equal(t, contracts.ReasonMarginPressure, res.Reasons[0])
}

func TestResolve_MarginKillNeedsNoCorroboration(t *testing.T) {
	r := New(testSafetyConfig())
	snap := healthySnapshot(time.Now())
	snap.MMUtil.Value = 0.96

	res := r.Resolve(snap)
	assert.Equal(t, contracts.ModeKill, res.Mode)
	assert.Equal(t, []contracts.ReasonCode{contracts.ReasonMarginKill}, res.Reasons)
}

func TestResolve_UnconfirmedKillScenario(t *testing.T) {
	// heartbeat-loss는 참이지만 REST 프로브는 건강 → Kill 금지, unconfirmed 사유
	r := New(testSafetyConfig())
	snap := healthySnapshot(time.Now())
	snap.PrivateHeartbeatAge.Value = 12 // > watchdog 10s

	res := r.Resolve(snap)
	assert.Equal(t, contracts.ModeReduceOnly, res.Mode)
	assert.Contains(t, res.Reasons, contracts.ReasonHeartbeatUnconfirmed)
	assert.NotContains(t, res.Reasons, contracts.ReasonHeartbeatLost)
}

func TestResolve_CorroboratedHeartbeatLossKills(t *testing.T) {
	r := New(testSafetyConfig())
	snap := healthySnapshot(time.Now())
	snap.PrivateHeartbeatAge.Value = 12
	snap.RestReachable.Value = false

	res := r.Resolve(snap)
	assert.Equal(t, contracts.ModeKill, res.Mode)
	assert.Equal(t, []contracts.ReasonCode{contracts.ReasonHeartbeatLost}, res.Reasons)
}

func TestResolve_TierPurity(t *testing.T) {
	// Kill이 승리하면 ReduceOnly 티어 사유는 절대 섞이지 않음
	r := New(testSafetyConfig())
	snap := healthySnapshot(time.Now())
	snap.MMUtil.Value = 0.96   // kill tier
	snap.DiskUsedPct.Value = 0.87 // reduce tier (disk_degraded)

	res := r.Resolve(snap)
	require.Equal(t, contracts.ModeKill, res.Mode)
	for _, reason := range res.Reasons {
		assert.NotEqual(t, contracts.ReasonDiskDegraded, reason, "non-winning tier reason leaked")
	}
}

func TestResolve_MissingCriticalInputFailsClosed(t *testing.T) {
	r := New(testSafetyConfig())
	snap := healthySnapshot(time.Now())
	snap.MMUtil.Present = false

	res := r.Resolve(snap)
	assert.Equal(t, contracts.ModeReduceOnly, res.Mode)
	assert.Contains(t, res.Reasons, contracts.ReasonInputMissing)
}

func TestResolve_StaleCriticalInputFailsClosed(t *testing.T) {
	r := New(testSafetyConfig())
	now := time.Now()
	snap := healthySnapshot(now)
	snap.MMUtil.LastUpdate = now.Add(-60 * time.Second) // > 30s bound

	res := r.Resolve(snap)
	assert.Equal(t, contracts.ModeReduceOnly, res.Mode)
	assert.Contains(t, res.Reasons, contracts.ReasonInputStale)
}

func TestResolve_NilSnapshotFailsClosed(t *testing.T) {
	r := New(testSafetyConfig())
	res := r.Resolve(nil)

	assert.Equal(t, contracts.ModeReduceOnly, res.Mode)
	assert.Equal(t, []contracts.ReasonCode{contracts.ReasonSnapshotUnavailable}, res.Reasons)
}

func TestResolve_LedgerErrorsCrossAxisAllowList(t *testing.T) {
	// ledger write failure: primary system DEGRADED, secondary capital WARNING
	r := New(testSafetyConfig())
	snap := healthySnapshot(time.Now())
	snap.LedgerWriteErrors.Value = 3

	res := r.Resolve(snap)
	assert.Equal(t, contracts.ModeReduceOnly, res.Mode)
	assert.Equal(t, contracts.SystemDegraded, res.Axes.System)
	assert.Equal(t, contracts.CapitalWarning, res.Axes.Capital)
	assert.Contains(t, res.Reasons, contracts.ReasonLedgerWriteErrors)
}

func TestResolve_QueueBackpressureForcesRestriction(t *testing.T) {
	r := New(testSafetyConfig())
	snap := healthySnapshot(time.Now())
	snap.LedgerQueueDepth.Value = 1024
	snap.LedgerQueueCap.Value = 1024

	res := r.Resolve(snap)
	assert.Equal(t, contracts.ModeReduceOnly, res.Mode)
	assert.Contains(t, res.Reasons, contracts.ReasonQueueBackpressure)
}

func TestResolve_StaleFeedsStressMarketAxis(t *testing.T) {
	r := New(testSafetyConfig())
	snap := healthySnapshot(time.Now())
	snap.BookFeedAge.Value = 8 // > 5s bound

	res := r.Resolve(snap)
	assert.Equal(t, contracts.ModeReduceOnly, res.Mode)
	assert.Equal(t, contracts.MarketStressed, res.Axes.Market)
	assert.Contains(t, res.Reasons, contracts.ReasonMarketStressed)
}
