package ledger

import (
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
)

// EventKind classifies one append-only ledger entry.
type EventKind string

const (
	EventRecorded   EventKind = "RECORDED"   // intent durably known before any dispatch
	EventSent       EventKind = "SENT"       // network send began
	EventTransition EventKind = "TRANSITION" // lifecycle state change
)

// Event is one immutable ledger entry. Entries are only appended, never
// rewritten — 늦게 도착한 사실도 도착 순서대로 그대로 쌓인다.
type Event struct {
	Seq            int64
	IntentHash     string // 16-hex identity
	Kind           EventKind
	GroupID        string
	LegIdx         uint32
	Lifecycle      contracts.LifecycleEvent
	FromState      contracts.OrderState
	ToState        contracts.OrderState
	TransitionKind contracts.TransitionKind
	Anomaly        string
	Intent         *contracts.Intent // populated for RECORDED only
	At             time.Time
}

// IntentRecord is the folded latest view of one intent.
type IntentRecord struct {
	Intent      contracts.Intent
	Hash        uint64
	HashHex     string
	State       contracts.OrderState
	RecordedAt  time.Time
	SentAt      time.Time // zero until MarkSent
	Transitions []contracts.Transition
}

// Terminal reports whether the intent can no longer change state.
func (r *IntentRecord) Terminal() bool {
	return r.State.IsTerminal()
}

// WasSent reports whether a network send was started for this intent.
// ledger에 sent가 없으면 — 그리고 오직 그때만 — 재전송이 허용된다.
func (r *IntentRecord) WasSent() bool {
	return !r.SentAt.IsZero()
}

// TradeRecord is one processed venue execution.
type TradeRecord struct {
	TradeID    string
	OrderID    string
	IntentHash string
	Instrument string
	Side       contracts.Side
	Qty        float64
	Price      float64
	ExecutedAt time.Time
}
