package snapshot

import (
	"errors"
	"sync"
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
)

// =============================================================================
// InputSnapshotProvider — 프로듀서들이 쓰고, 틱 루프가 한 번에 읽는 버전드 스냅샷
// ⭐ SSOT: 의사결정 입력은 Acquire()가 돌려준 불변 사본으로만
// =============================================================================

// ErrCoherenceWindow is returned when assembling one snapshot took longer
// than the configured skew bound. The caller treats it exactly like a
// missing snapshot: fail closed, never retry inside the tick.
var ErrCoherenceWindow = errors.New("snapshot: coherence window exceeded")

// Provider assembles input signals into versioned snapshots.
//
// 프로듀서(피드 핸들러, 모니터)는 setter로 쓰고, 소비자는 Acquire()로만
// 읽는다. 공유 필드를 직접 읽는 경로는 없다 — 전부 뮤텍스 아래 전체 구조체
// 복사. 신선한 타임스탬프에 낡은 값이 붙는 일이 없도록 setter가 값과
// 관측 시각을 항상 같이 기록한다.
type Provider struct {
	mu      sync.Mutex
	version uint64
	maxSkew time.Duration
	now     func() time.Time

	mmUtil          contracts.Signal
	equity          contracts.Signal
	diskUsedPct     contracts.Signal
	ledgerErrors    contracts.Signal
	queueDepth      contracts.Signal
	queueCap        contracts.Signal
	lockTimeout     contracts.BoolSignal
	sessionUp       contracts.BoolSignal
	restUp          contracts.BoolSignal
	marketStress    contracts.BoolSignal
	netExposure     contracts.Signal
	exposureUnknown bool

	lastHeartbeat time.Time
	lastBook      time.Time
	lastTrade     time.Time

	latchBlocked bool
	latchReasons []contracts.ReasonCode
}

// New creates a provider. maxSkew bounds how long one acquisition may take.
func New(maxSkew time.Duration) *Provider {
	return &Provider{
		maxSkew:         maxSkew,
		now:             time.Now,
		exposureUnknown: true, // 증명되기 전까지는 미지로 취급
	}
}

func (p *Provider) stamp(v float64) contracts.Signal {
	return contracts.Signal{Value: v, LastUpdate: p.now(), Present: true}
}

func (p *Provider) stampBool(v bool) contracts.BoolSignal {
	return contracts.BoolSignal{Value: v, LastUpdate: p.now(), Present: true}
}

// SetMMUtil records maintenance-margin utilization (0..1+).
func (p *Provider) SetMMUtil(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mmUtil = p.stamp(v)
}

// SetEquity records account equity in USD.
func (p *Provider) SetEquity(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.equity = p.stamp(v)
}

// SetDiskUsedPct records the ledger volume usage fraction.
func (p *Provider) SetDiskUsedPct(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.diskUsedPct = p.stamp(v)
}

// SetLedgerHealth records writer-queue stats and the windowed error count.
func (p *Provider) SetLedgerHealth(writeErrors, depth, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ledgerErrors = p.stamp(float64(writeErrors))
	p.queueDepth = p.stamp(float64(depth))
	p.queueCap = p.stamp(float64(capacity))
}

// SetGroupLockTimeout flags that a bounded group-lock wait expired this tick.
func (p *Provider) SetGroupLockTimeout(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockTimeout = p.stampBool(v)
}

// SetSessionUp records private-session liveness.
func (p *Provider) SetSessionUp(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionUp = p.stampBool(v)
}

// SetRestReachable records the independent REST probe result.
func (p *Provider) SetRestReachable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restUp = p.stampBool(v)
}

// SetMarketStress records an external market-integrity monitor verdict.
func (p *Provider) SetMarketStress(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketStress = p.stampBool(v)
}

// SetNetExposure records signed net exposure in USD. known=false는
// 레저/조정이 노출을 증명하지 못한 상태 — 0이 아니라 "미지"다.
func (p *Provider) SetNetExposure(v float64, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.netExposure = p.stamp(v)
	p.exposureUnknown = !known
}

// MarkHeartbeat records one private-channel heartbeat observation.
func (p *Provider) MarkHeartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeartbeat = p.now()
}

// MarkBookUpdate records one order-book message arrival.
func (p *Provider) MarkBookUpdate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastBook = p.now()
}

// MarkTradeUpdate records one public-trade message arrival.
func (p *Provider) MarkTradeUpdate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTrade = p.now()
}

// SetLatchState mirrors the open-permission latch into the snapshot.
func (p *Provider) SetLatchState(blocked bool, reasons []contracts.ReasonCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latchBlocked = blocked
	p.latchReasons = append([]contracts.ReasonCode(nil), reasons...)
}

// Acquire assembles one immutable snapshot with a fresh version.
// 한 틱에 한 번 — 결과는 그 틱 안에서만 쓰고 보관하지 않는다.
func (p *Provider) Acquire() (*contracts.InputSnapshot, error) {
	t0 := p.now()

	p.mu.Lock()
	p.version++
	now := p.now()
	snap := &contracts.InputSnapshot{
		Version:           p.version,
		AcquiredAt:        now,
		MMUtil:            p.mmUtil,
		Equity:            p.equity,
		DiskUsedPct:       p.diskUsedPct,
		LedgerWriteErrors: p.ledgerErrors,
		LedgerQueueDepth:  p.queueDepth,
		LedgerQueueCap:    p.queueCap,
		GroupLockTimeout:  p.lockTimeout,
		SessionUp:         p.sessionUp,
		RestReachable:     p.restUp,
		MarketStress:      p.marketStress,
		NetExposureUSD:    p.netExposure,
		ExposureUnknown:   p.exposureUnknown,
		LatchBlocked:      p.latchBlocked,
		LatchReasons:      append([]contracts.ReasonCode(nil), p.latchReasons...),
	}
	snap.PrivateHeartbeatAge = ageSignal(now, p.lastHeartbeat)
	snap.BookFeedAge = ageSignal(now, p.lastBook)
	snap.TradeFeedAge = ageSignal(now, p.lastTrade)
	p.mu.Unlock()

	if elapsed := p.now().Sub(t0); elapsed > p.maxSkew {
		return nil, ErrCoherenceWindow
	}
	return snap, nil
}

// ageSignal derives an age-in-seconds signal from a last-event time.
// 이벤트를 한 번도 못 봤으면 Present=false — 0초로 위장하지 않는다.
func ageSignal(now, last time.Time) contracts.Signal {
	if last.IsZero() {
		return contracts.Signal{Present: false}
	}
	return contracts.Signal{
		Value:      now.Sub(last).Seconds(),
		LastUpdate: now,
		Present:    true,
	}
}
