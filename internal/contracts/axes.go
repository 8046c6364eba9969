package contracts

// =============================================================================
// Health axes & enforcement mode
// ⭐ SSOT: 축 값과 모드의 정의는 여기서만 — 모드는 절대 상태로 저장하지 않는다
// =============================================================================

// CapitalRiskAxis 자본 리스크 축
type CapitalRiskAxis int

const (
	CapitalSafe CapitalRiskAxis = iota
	CapitalWarning
	CapitalCritical
)

func (a CapitalRiskAxis) String() string {
	switch a {
	case CapitalSafe:
		return "SAFE"
	case CapitalWarning:
		return "WARNING"
	case CapitalCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarketIntegrityAxis 시장 건전성 축
//
// MarketBroken is reserved: no current monitor produces it, but the
// resolver handles it so a future monitor plugs in without a mode-table
// change.
type MarketIntegrityAxis int

const (
	MarketStable MarketIntegrityAxis = iota
	MarketStressed
	MarketBroken
)

func (a MarketIntegrityAxis) String() string {
	switch a {
	case MarketStable:
		return "STABLE"
	case MarketStressed:
		return "STRESSED"
	case MarketBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// SystemIntegrityAxis 시스템 건전성 축
type SystemIntegrityAxis int

const (
	SystemHealthy SystemIntegrityAxis = iota
	SystemDegraded
	SystemFailing
)

func (a SystemIntegrityAxis) String() string {
	switch a {
	case SystemHealthy:
		return "HEALTHY"
	case SystemDegraded:
		return "DEGRADED"
	case SystemFailing:
		return "FAILING"
	default:
		return "UNKNOWN"
	}
}

// Axes is one resolved axis triple. Pure derived values — never persisted,
// recomputed from a fresh snapshot every tick.
type Axes struct {
	Capital CapitalRiskAxis
	Market  MarketIntegrityAxis
	System  SystemIntegrityAxis
}

// EnforcementMode governs which intent classes may dispatch.
type EnforcementMode int

const (
	ModeActive EnforcementMode = iota
	ModeReduceOnly
	ModeKill
)

func (m EnforcementMode) String() string {
	switch m {
	case ModeActive:
		return "ACTIVE"
	case ModeReduceOnly:
		return "REDUCE_ONLY"
	case ModeKill:
		return "KILL"
	default:
		return "UNKNOWN"
	}
}

// MoreRestrictiveThan reports whether m forbids strictly more than other.
func (m EnforcementMode) MoreRestrictiveThan(other EnforcementMode) bool {
	return m > other
}

// ReasonCode identifies a firing safety predicate. Codes are emitted in
// a fixed deterministic order (see internal/axis).
type ReasonCode string

const (
	// Kill tier
	ReasonMarginKill            ReasonCode = "margin_kill"
	ReasonDiskKill              ReasonCode = "disk_kill"
	ReasonHeartbeatLost         ReasonCode = "heartbeat_lost"
	ReasonSessionTerminated     ReasonCode = "session_terminated"

	// ReduceOnly tier
	ReasonMarginPressure        ReasonCode = "margin_pressure"
	ReasonDiskDegraded          ReasonCode = "disk_degraded"
	ReasonLedgerWriteErrors     ReasonCode = "ledger_write_errors"
	ReasonMarketStressed        ReasonCode = "market_stressed"
	ReasonMarketBroken          ReasonCode = "market_broken"
	ReasonInputMissing          ReasonCode = "input_missing"
	ReasonInputStale            ReasonCode = "input_stale"
	ReasonSnapshotUnavailable   ReasonCode = "snapshot_unavailable"
	ReasonHeartbeatUnconfirmed  ReasonCode = "heartbeat_lost_unconfirmed"
	ReasonDiskKillUnconfirmed   ReasonCode = "disk_kill_unconfirmed"
	ReasonSessionUnconfirmed    ReasonCode = "session_terminated_unconfirmed"
	ReasonGroupLockTimeout      ReasonCode = "group_lock_timeout"
	ReasonQueueBackpressure     ReasonCode = "queue_backpressure"

	// Gate-only: open 인가에만 작용한다. 모드는 그대로 Active
	ReasonMarginRejectOpens     ReasonCode = "margin_reject_opens"

	// Reconcile-class (latch) reasons
	ReasonColdStart             ReasonCode = "cold_start"
	ReasonBookSequenceGap       ReasonCode = "book_sequence_gap"
	ReasonTradeSequenceGap      ReasonCode = "trade_sequence_gap"
	ReasonFeedSilence           ReasonCode = "feed_silence"
	ReasonSessionLoss           ReasonCode = "session_loss"
	ReasonPositionMismatch      ReasonCode = "position_mismatch"
	ReasonOrphanFill            ReasonCode = "orphan_fill"
	ReasonAmbiguousIdentity     ReasonCode = "ambiguous_identity_match"
)
