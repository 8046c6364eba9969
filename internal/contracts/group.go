package contracts

import "time"

// GroupState 원자 그룹 상태
type GroupState string

const (
	GroupNew         GroupState = "NEW"
	GroupDispatched  GroupState = "DISPATCHED"
	GroupComplete    GroupState = "COMPLETE"
	GroupMixedFailed GroupState = "MIXED_FAILED" // sticky — 이후 성공 이벤트로 덮어쓰지 않음
	GroupFlattening  GroupState = "FLATTENING"
	GroupFlattened   GroupState = "FLATTENED"
)

// IsTerminal reports whether the group reached a final state.
func (s GroupState) IsTerminal() bool {
	return s == GroupComplete || s == GroupFlattened
}

// AtomicGroup is a set of intents dispatched as one logical unit.
// Owned exclusively by the group executor; all mutation goes through
// its single-writer transition function.
type AtomicGroup struct {
	GroupID   string     `json:"group_id"`
	Legs      []Intent   `json:"legs"` // ordered
	State     GroupState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`

	// FirstFailure records the first observed atomicity break.
	// Once set it is never overwritten by later events.
	FirstFailure string    `json:"first_failure,omitempty"`
	FailedAt     time.Time `json:"failed_at,omitempty"`
}

// LegResult is a read-only per-leg outcome snapshot passed into
// group-state evaluation. Derived continuously from lifecycle events.
type LegResult struct {
	LegIdx       uint32     `json:"leg_idx"`
	IntentHash   string     `json:"intent_hash"`
	State        OrderState `json:"state"`
	RequestedQty float64    `json:"requested_qty"`
	FilledQty    float64    `json:"filled_qty"`
	Rejected     bool       `json:"rejected"`
}

// FillFraction returns filled/requested, 0 when nothing was requested.
func (r LegResult) FillFraction() float64 {
	if r.RequestedQty <= 0 {
		return 0
	}
	return r.FilledQty / r.RequestedQty
}

// Unfilled reports whether the leg ended without any fill.
func (r LegResult) Unfilled() bool {
	return r.FilledQty <= 0
}
