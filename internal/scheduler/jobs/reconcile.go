package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/soldier/backend/internal/reconcile"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// ReconcileJob drives the periodic truth-sync against the venue.
// 성공해야만 래치가 풀린다 — 실패는 다음 주기에 다시 시도.
type ReconcileJob struct {
	rec      *reconcile.Reconciler
	interval time.Duration
	logger   *logger.Logger

	mu sync.Mutex // 주기가 겹쳐도 동시 reconcile은 하나만
}

// NewReconcileJob creates a new reconcile job.
func NewReconcileJob(rec *reconcile.Reconciler, interval time.Duration, log *logger.Logger) *ReconcileJob {
	return &ReconcileJob{
		rec:      rec,
		interval: interval,
		logger:   log,
	}
}

// Name returns the job name.
func (j *ReconcileJob) Name() string {
	return "reconcile"
}

// Schedule returns the cron schedule built from the configured cadence.
func (j *ReconcileJob) Schedule() string {
	secs := int(j.interval.Seconds())
	if secs < 1 {
		secs = 1
	}
	if secs >= 60 {
		return fmt.Sprintf("0 */%d * * * *", secs/60)
	}
	return fmt.Sprintf("*/%d * * * * *", secs)
}

// Run executes one reconciliation pass.
func (j *ReconcileJob) Run(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	report, err := j.rec.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	fields := map[string]interface{}{
		"matched":       report.Matched,
		"advanced":      report.Advanced,
		"terminal_fail": report.TerminalFailed,
		"never_sent":    report.NeverSent,
		"pending":       report.Pending,
		"orphans":       report.Orphans,
		"ambiguous":     report.Ambiguous,
		"mismatches":    len(report.Mismatches),
		"success":       report.Success,
	}
	if report.Success {
		j.logger.WithFields(fields).Debug("Reconcile pass clean")
	} else {
		j.logger.WithFields(fields).Warn("Reconcile pass left latch blocked")
	}
	return nil
}
