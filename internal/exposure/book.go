package exposure

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// =============================================================================
// Pending-exposure reservation book — reserve-before-dispatch
// ⭐ SSOT: 미체결 주문이 만들 수 있는 노출 상한은 여기서만 관리
// =============================================================================

var (
	// ErrInvalidDelta rejects NaN/zero-budget misuse. fail-closed.
	ErrInvalidDelta = errors.New("exposure: invalid reservation delta")

	// ErrOverBudget means the reservation would exceed the configured cap.
	ErrOverBudget = errors.New("exposure: reservation exceeds budget")

	// ErrUnknownReservation means the ID was never issued or already released.
	ErrUnknownReservation = errors.New("exposure: unknown reservation")
)

// Outcome describes how a reservation resolves.
type Outcome string

const (
	OutcomeFilled   Outcome = "FILLED"   // exposure became a real position
	OutcomeCanceled Outcome = "CANCELED" // no exposure materialized
	OutcomeFailed   Outcome = "FAILED"   // rejected/errored; nothing resting
)

// Book tracks exposure reserved for in-flight orders against a budget.
//
// dispatch 전에 Reserve, 터미널 결과에서 Release — 주문이 네트워크에 떠
// 있는 동안에도 총 잠재 노출이 예산을 넘지 못한다. 동시 Reserve는 단일
// 뮤텍스 아래에서 직렬화된다.
type Book struct {
	mu       sync.Mutex
	budget   float64 // absolute USD cap; 0 = unlimited
	reserved float64
	open     map[string]float64
}

// NewBook creates a reservation book. budget<=0 disables the cap but the
// book still tracks pending totals for status reporting.
func NewBook(budget float64) *Book {
	return &Book{
		budget: budget,
		open:   make(map[string]float64),
	}
}

// Reserve claims |delta| USD of pending exposure before a dispatch.
func (b *Book) Reserve(delta float64) (string, error) {
	if delta != delta || delta < 0 { // NaN or negative
		return "", ErrInvalidDelta
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.budget > 0 && b.reserved+delta > b.budget {
		return "", ErrOverBudget
	}

	id := uuid.NewString()
	b.open[id] = delta
	b.reserved += delta
	return id, nil
}

// Release resolves a reservation. Idempotent violations are errors —
// 이중 해제는 버그이지 무시할 일이 아니다.
func (b *Book) Release(id string, _ Outcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delta, ok := b.open[id]
	if !ok {
		return ErrUnknownReservation
	}
	delete(b.open, id)
	b.reserved -= delta
	return nil
}

// Reserved returns the current pending-exposure total.
func (b *Book) Reserved() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved
}

// OpenCount returns the number of live reservations.
func (b *Book) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}
