package axis

import (
	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/pkg/config"
)

// =============================================================================
// AxisResolver — 스냅샷 → (축, 모드, 사유코드) 순수 함수
// ⭐ SSOT: 모드 결정은 여기서만. 동일 스냅샷 → 항상 동일 출력
// =============================================================================

// Result is one resolution outcome. Mode is never cached anywhere —
// callers re-resolve from a fresh snapshot at every decision point.
type Result struct {
	Axes    contracts.Axes
	Mode    contracts.EnforcementMode
	Reasons []contracts.ReasonCode // winning tier only, deterministic order; empty iff Active
}

// Resolver derives the enforcement mode from an input snapshot.
// Thresholds are fixed at construction; Resolve holds no other state.
type Resolver struct {
	cfg config.SafetyConfig
}

// New creates a resolver with the given safety thresholds.
func New(cfg config.SafetyConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// predicate evaluation scratchpad for one tick.
type firing struct {
	kill   map[contracts.ReasonCode]bool
	reduce map[contracts.ReasonCode]bool
}

// killTierOrder / reduceTierOrder fix the emission order of reason codes.
// 사유코드 순서는 고정 — 같은 스냅샷이면 같은 순서로 나온다
var killTierOrder = []contracts.ReasonCode{
	contracts.ReasonMarginKill,
	contracts.ReasonDiskKill,
	contracts.ReasonHeartbeatLost,
	contracts.ReasonSessionTerminated,
}

var reduceTierOrder = []contracts.ReasonCode{
	contracts.ReasonMarginPressure,
	contracts.ReasonDiskDegraded,
	contracts.ReasonLedgerWriteErrors,
	contracts.ReasonMarketStressed,
	contracts.ReasonMarketBroken,
	contracts.ReasonInputMissing,
	contracts.ReasonInputStale,
	contracts.ReasonSnapshotUnavailable,
	contracts.ReasonHeartbeatUnconfirmed,
	contracts.ReasonDiskKillUnconfirmed,
	contracts.ReasonSessionUnconfirmed,
	contracts.ReasonGroupLockTimeout,
	contracts.ReasonQueueBackpressure,
}

// Resolve derives axes, mode and reason codes from one snapshot.
//
// Resolution rule (total order, no other logic):
//  1. System FAILING 또는 Capital CRITICAL → Kill
//  2. System DEGRADED, Market != STABLE, Capital WARNING 중 하나라도 → ReduceOnly
//  3. 그 외 → Active
//
// A nil snapshot (coherent acquisition failed this tick) fails closed to
// ReduceOnly with a dedicated reason — never retried, never blocked on.
func (r *Resolver) Resolve(snap *contracts.InputSnapshot) Result {
	if snap == nil {
		return Result{
			Axes: contracts.Axes{
				Capital: contracts.CapitalSafe,
				Market:  contracts.MarketStable,
				System:  contracts.SystemDegraded,
			},
			Mode:    contracts.ModeReduceOnly,
			Reasons: []contracts.ReasonCode{contracts.ReasonSnapshotUnavailable},
		}
	}

	f := firing{
		kill:   make(map[contracts.ReasonCode]bool),
		reduce: make(map[contracts.ReasonCode]bool),
	}

	capital := r.resolveCapital(snap, &f)
	system := r.resolveSystem(snap, &f)
	market := r.resolveMarket(snap, &f)

	axes := contracts.Axes{Capital: capital, Market: market, System: system}
	mode := modeOf(axes)

	return Result{Axes: axes, Mode: mode, Reasons: reasonsFor(mode, &f)}
}

// modeOf is the total order over the three ternary axes.
func modeOf(a contracts.Axes) contracts.EnforcementMode {
	if a.System == contracts.SystemFailing || a.Capital == contracts.CapitalCritical {
		return contracts.ModeKill
	}
	if a.System == contracts.SystemDegraded || a.Market != contracts.MarketStable || a.Capital == contracts.CapitalWarning {
		return contracts.ModeReduceOnly
	}
	return contracts.ModeActive
}

// reasonsFor emits all firing predicates of the winning tier, in fixed
// order. Tier purity: 비승리 티어의 사유는 절대 섞지 않는다.
func reasonsFor(mode contracts.EnforcementMode, f *firing) []contracts.ReasonCode {
	switch mode {
	case contracts.ModeKill:
		return ordered(killTierOrder, f.kill)
	case contracts.ModeReduceOnly:
		return ordered(reduceTierOrder, f.reduce)
	default:
		return nil
	}
}

func ordered(order []contracts.ReasonCode, fired map[contracts.ReasonCode]bool) []contracts.ReasonCode {
	out := make([]contracts.ReasonCode, 0, len(fired))
	for _, code := range order {
		if fired[code] {
			out = append(out, code)
		}
	}
	return out
}

// --- Capital risk axis ---------------------------------------------------

// resolveCapital derives the capital axis from margin utilization.
// mm_util은 자본 기준 트리거라 corroboration 없이 Kill까지 갈 수 있음
func (r *Resolver) resolveCapital(snap *contracts.InputSnapshot, f *firing) contracts.CapitalRiskAxis {
	axis := contracts.CapitalSafe

	if !snap.MMUtil.FreshWithin(snap.AcquiredAt, r.cfg.MMUtilMaxAge) {
		// missing/stale critical input — 절대 조용히 SAFE로 기본값 처리하지 않음
		if snap.MMUtil.Present {
			f.reduce[contracts.ReasonInputStale] = true
		} else {
			f.reduce[contracts.ReasonInputMissing] = true
		}
		axis = contracts.CapitalWarning
	} else {
		switch {
		case snap.MMUtil.Value >= r.cfg.MMUtilKill:
			f.kill[contracts.ReasonMarginKill] = true
			axis = contracts.CapitalCritical
		case snap.MMUtil.Value >= r.cfg.MMUtilReduceOnly:
			f.reduce[contracts.ReasonMarginPressure] = true
			axis = contracts.CapitalWarning
		}
	}

	// Cross-axis allow-list: ledger write failure primarily signals system
	// integrity, secondarily capital risk (restart/idempotency correctness
	// is now uncertain). No other secondary influence is permitted.
	if snap.LedgerWriteErrors.Present && snap.LedgerWriteErrors.Value >= float64(r.cfg.LedgerErrorTripCount) {
		if axis == contracts.CapitalSafe {
			axis = contracts.CapitalWarning
		}
	}

	return axis
}

// --- System integrity axis ----------------------------------------------

// resolveSystem derives the system axis. Non-capital kill triggers need a
// second, independent signal before escalating to FAILING; uncorroborated
// triggers degrade to DEGRADED with a distinct "unconfirmed" reason.
func (r *Resolver) resolveSystem(snap *contracts.InputSnapshot, f *firing) contracts.SystemIntegrityAxis {
	axis := contracts.SystemHealthy
	degrade := func(code contracts.ReasonCode) {
		f.reduce[code] = true
		if axis == contracts.SystemHealthy {
			axis = contracts.SystemDegraded
		}
	}
	fail := func(code contracts.ReasonCode) {
		f.kill[code] = true
		axis = contracts.SystemFailing
	}

	// Heartbeat loss: corroborated by the REST probe also failing.
	heartbeatFresh := snap.PrivateHeartbeatAge.FreshWithin(snap.AcquiredAt, r.cfg.MMUtilMaxAge)
	if heartbeatFresh && snap.PrivateHeartbeatAge.Value >= r.cfg.WatchdogKill.Seconds() {
		if restDown(snap, r.cfg) {
			fail(contracts.ReasonHeartbeatLost)
		} else {
			degrade(contracts.ReasonHeartbeatUnconfirmed)
		}
	}

	// Session termination: corroborated by heartbeat silence.
	if snap.SessionUp.Present && !snap.SessionUp.Value {
		if heartbeatFresh && snap.PrivateHeartbeatAge.Value >= r.cfg.WSZombieSilence.Seconds() {
			fail(contracts.ReasonSessionTerminated)
		} else {
			degrade(contracts.ReasonSessionUnconfirmed)
		}
	}

	// Disk watermarks: kill watermark corroborated by observed write errors.
	if !snap.DiskUsedPct.FreshWithin(snap.AcquiredAt, r.cfg.DiskUsedMaxAge) {
		if snap.DiskUsedPct.Present {
			degrade(contracts.ReasonInputStale)
		} else {
			degrade(contracts.ReasonInputMissing)
		}
	} else {
		switch {
		case snap.DiskUsedPct.Value >= r.cfg.DiskKillPct:
			if snap.LedgerWriteErrors.Present && snap.LedgerWriteErrors.Value > 0 {
				fail(contracts.ReasonDiskKill)
			} else {
				degrade(contracts.ReasonDiskKillUnconfirmed)
			}
		case snap.DiskUsedPct.Value >= r.cfg.DiskDegradedPct:
			degrade(contracts.ReasonDiskDegraded)
		}
	}

	// Ledger writer isolation: windowed error threshold degrades health,
	// never blocks a risk-reducing path.
	if snap.LedgerWriteErrors.Present && snap.LedgerWriteErrors.Value >= float64(r.cfg.LedgerErrorTripCount) {
		degrade(contracts.ReasonLedgerWriteErrors)
	}

	// Bounded queues at the boundary: backpressure forces restriction.
	if snap.LedgerQueueDepth.Present && snap.LedgerQueueCap.Present &&
		snap.LedgerQueueCap.Value > 0 && snap.LedgerQueueDepth.Value >= snap.LedgerQueueCap.Value {
		degrade(contracts.ReasonQueueBackpressure)
	}

	// Group-lock bounded wait exceeded — fail closed rather than risk a
	// lost update.
	if snap.GroupLockTimeout.Present && snap.GroupLockTimeout.Value {
		degrade(contracts.ReasonGroupLockTimeout)
	}

	return axis
}

// restDown reports whether the REST-probe corroboration signal confirms a
// private-channel failure (probe absent, stale, or failing).
func restDown(snap *contracts.InputSnapshot, cfg config.SafetyConfig) bool {
	if !snap.RestReachable.FreshWithin(snap.AcquiredAt, cfg.MMUtilMaxAge) {
		return true
	}
	return !snap.RestReachable.Value
}

// --- Market integrity axis ----------------------------------------------

// resolveMarket derives the market axis from feed freshness.
//
// MarketBroken은 예약값: 현재 어떤 모니터도 생산하지 않는다. 모니터가
// BROKEN을 올리면 resolver는 처리하지만, 여기서 임의로 트리거하지 않는다.
func (r *Resolver) resolveMarket(snap *contracts.InputSnapshot, f *firing) contracts.MarketIntegrityAxis {
	axis := contracts.MarketStable

	bookStale := !snap.BookFeedAge.FreshWithin(snap.AcquiredAt, r.cfg.MMUtilMaxAge) ||
		snap.BookFeedAge.Value > r.cfg.BookFeedMaxAge.Seconds()
	tradeStale := !snap.TradeFeedAge.FreshWithin(snap.AcquiredAt, r.cfg.MMUtilMaxAge) ||
		snap.TradeFeedAge.Value > r.cfg.TradeFeedMaxAge.Seconds()

	if bookStale || tradeStale {
		f.reduce[contracts.ReasonMarketStressed] = true
		axis = contracts.MarketStressed
	}

	if snap.MarketStress.Present && snap.MarketStress.Value {
		f.reduce[contracts.ReasonMarketStressed] = true
		axis = contracts.MarketStressed
	}

	return axis
}
