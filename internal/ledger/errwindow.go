package ledger

import (
	"sync"
	"time"
)

// ErrWindow counts events inside a sliding time window.
// 레저 쓰기 실패를 "최근 N초에 몇 번"으로 보는 용도 — 합계는 단조 증가 별도 관리.
type ErrWindow struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
	total  uint64
}

// NewErrWindow creates a counter over the given window.
func NewErrWindow(window time.Duration) *ErrWindow {
	return &ErrWindow{window: window}
}

// Record notes one event at t.
func (w *ErrWindow) Record(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total++
	w.times = append(w.times, t)
	w.prune(t)
}

// Count returns the number of events within the window ending at t.
func (w *ErrWindow) Count(t time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(t)
	return len(w.times)
}

// Total returns the monotonic all-time count.
func (w *ErrWindow) Total() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

func (w *ErrWindow) prune(t time.Time) {
	cutoff := t.Add(-w.window)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}
