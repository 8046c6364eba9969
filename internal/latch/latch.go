package latch

import (
	"sync"
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// =============================================================================
// OpenPermissionLatch — 연속성 상실 후 신규 리스크를 막는 스티키 게이트
// ⭐ SSOT: 래치 해제는 ReconciliationEngine의 성공 보고로만
// =============================================================================

// State is a read-only latch snapshot.
// Invariant: Reasons is empty iff Blocked is false.
type State struct {
	Blocked   bool                   `json:"blocked"`
	Reasons   []contracts.ReasonCode `json:"reasons"`
	TrippedAt time.Time              `json:"tripped_at,omitempty"`
	ClearedAt time.Time              `json:"cleared_at,omitempty"`
}

// Latch blocks new risk-increasing actions after any loss of state
// continuity until reconciliation proves consistency.
//
// 프로세스 기동 시 항상 blocked로 시작 — 래치 상태는 영속화하지 않는다.
// 콜드 스타트의 올바른 기본값은 "reconcile 필요"다.
type Latch struct {
	mu        sync.RWMutex
	blocked   bool
	reasons   []contracts.ReasonCode
	trippedAt time.Time
	clearedAt time.Time
	log       *logger.Logger
}

// New creates a latch in the blocked state with the cold-start reason.
func New(log *logger.Logger) *Latch {
	return &Latch{
		blocked:   true,
		reasons:   []contracts.ReasonCode{contracts.ReasonColdStart},
		trippedAt: time.Now(),
		log:       log,
	}
}

// Trip engages the latch with the given reason. Idempotent per reason;
// reason order of first observation is preserved. Any discontinuity
// detector may call this.
func (l *Latch) Trip(reason contracts.ReasonCode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.reasons {
		if r == reason {
			return
		}
	}

	if !l.blocked {
		l.trippedAt = time.Now()
	}
	l.blocked = true
	l.reasons = append(l.reasons, reason)

	l.log.WithFields(map[string]interface{}{
		"reason":  string(reason),
		"reasons": l.reasonStrings(),
	}).Warn("Open-permission latch tripped")
}

// Clear unblocks the latch. Only the reconciliation engine calls this,
// and only after full success. Blocked=false and an empty reason set are
// established atomically.
func (l *Latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.blocked {
		return
	}

	l.blocked = false
	l.reasons = nil
	l.clearedAt = time.Now()

	l.log.Info("Open-permission latch cleared — consistency proven")
}

// Blocked reports whether new risk is currently blocked.
func (l *Latch) Blocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocked
}

// Snapshot returns a consistent copy of the latch state.
func (l *Latch) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	reasons := make([]contracts.ReasonCode, len(l.reasons))
	copy(reasons, l.reasons)
	return State{
		Blocked:   l.blocked,
		Reasons:   reasons,
		TrippedAt: l.trippedAt,
		ClearedAt: l.clearedAt,
	}
}

// Reasons returns the ordered reason set.
func (l *Latch) Reasons() []contracts.ReasonCode {
	return l.Snapshot().Reasons
}

func (l *Latch) reasonStrings() []string {
	out := make([]string, len(l.reasons))
	for i, r := range l.reasons {
		out[i] = string(r)
	}
	return out
}
