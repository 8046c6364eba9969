package contracts

// =============================================================================
// Order lifecycle state machine (per leg)
// Created → Sent → Acked → PartiallyFilled → Filled | Canceled | Failed
// ⭐ SSOT: 주문 생애주기 전이는 여기서만 정의
// =============================================================================

// OrderState per-leg lifecycle state
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateSent            OrderState = "SENT"
	StateAcked           OrderState = "ACKED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCanceled        OrderState = "CANCELED"
	StateFailed          OrderState = "FAILED"
)

// IsTerminal reports whether no further transitions are expected.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateFailed:
		return true
	default:
		return false
	}
}

// LifecycleEvent drives order state transitions
type LifecycleEvent string

const (
	EventSent        LifecycleEvent = "SENT"
	EventAcked       LifecycleEvent = "ACKED"
	EventPartialFill LifecycleEvent = "PARTIAL_FILL"
	EventFilled      LifecycleEvent = "FILLED"
	EventCanceled    LifecycleEvent = "CANCELED"
	EventRejected    LifecycleEvent = "REJECTED"
	EventFailed      LifecycleEvent = "FAILED"
)

// TransitionKind classifies how an event was absorbed
type TransitionKind string

const (
	TransitionNormal     TransitionKind = "NORMAL"
	TransitionOutOfOrder TransitionKind = "OUT_OF_ORDER" // 순서 이상이지만 수용됨
	TransitionIgnored    TransitionKind = "IGNORED"      // 터미널 이후 등 무시됨
)

// Transition is the observed result of applying a lifecycle event.
// Anomaly is set for out-of-order deliveries (e.g. fill-before-ack).
type Transition struct {
	From    OrderState
	To      OrderState
	Event   LifecycleEvent
	Kind    TransitionKind
	Anomaly string
}

// ApplyLifecycle absorbs an event against the current state.
//
// 절대 규칙: 어떤 순서로 와도 panic 금지. fill-before-ack는 현실이다 —
// 수용하고 anomaly로 기록한 뒤 reconcile에 맡긴다.
func ApplyLifecycle(from OrderState, event LifecycleEvent) Transition {
	if from.IsTerminal() {
		return ignored(from, event, "already in terminal state")
	}

	switch {
	case from == StateCreated && event == EventSent:
		return normal(from, StateSent, event)
	case from == StateSent && event == EventAcked:
		return normal(from, StateAcked, event)
	case from == StateAcked && event == EventPartialFill:
		return normal(from, StatePartiallyFilled, event)
	case from == StateAcked && event == EventFilled:
		return normal(from, StateFilled, event)
	case from == StatePartiallyFilled && event == EventPartialFill:
		return normal(from, StatePartiallyFilled, event)
	case from == StatePartiallyFilled && event == EventFilled:
		return normal(from, StateFilled, event)

	case event == EventCanceled:
		return normal(from, StateCanceled, event)
	case (from == StateCreated || from == StateSent) && event == EventRejected:
		return normal(from, StateFailed, event)
	case event == EventFailed:
		return normal(from, StateFailed, event)

	// Out-of-order deliveries, absorbed with an anomaly note.
	case from == StateSent && event == EventFilled:
		return outOfOrder(from, StateFilled, event, "fill-before-ack")
	case from == StateSent && event == EventPartialFill:
		return outOfOrder(from, StatePartiallyFilled, event, "partial-fill-before-ack")
	case from == StateCreated && event == EventFilled:
		return outOfOrder(from, StateFilled, event, "fill-before-send (orphan fill)")
	case from == StateCreated && event == EventPartialFill:
		return outOfOrder(from, StatePartiallyFilled, event, "partial-fill-before-send")
	case from == StateCreated && event == EventAcked:
		return outOfOrder(from, StateAcked, event, "ack-before-send")

	case from == StatePartiallyFilled && event == EventAcked:
		return ignored(from, event, "ack after partial fill — already past Acked")
	default:
		return ignored(from, event, "no valid transition")
	}
}

func normal(from, to OrderState, ev LifecycleEvent) Transition {
	return Transition{From: from, To: to, Event: ev, Kind: TransitionNormal}
}

func outOfOrder(from, to OrderState, ev LifecycleEvent, anomaly string) Transition {
	return Transition{From: from, To: to, Event: ev, Kind: TransitionOutOfOrder, Anomaly: anomaly}
}

func ignored(from OrderState, ev LifecycleEvent, reason string) Transition {
	return Transition{From: from, To: from, Event: ev, Kind: TransitionIgnored, Anomaly: reason}
}
