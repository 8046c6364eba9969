package jobs

import (
	"context"

	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// LedgerPruneJob expires trade-id registry entries past retention.
type LedgerPruneJob struct {
	led    *ledger.Ledger
	logger *logger.Logger
}

// NewLedgerPruneJob creates a new ledger prune job.
func NewLedgerPruneJob(led *ledger.Ledger, log *logger.Logger) *LedgerPruneJob {
	return &LedgerPruneJob{
		led:    led,
		logger: log,
	}
}

// Name returns the job name.
func (j *LedgerPruneJob) Name() string {
	return "ledger_prune"
}

// Schedule returns the cron schedule (hourly).
func (j *LedgerPruneJob) Schedule() string {
	return "0 0 * * * *"
}

// Run executes the prune.
func (j *LedgerPruneJob) Run(ctx context.Context) error {
	removed, err := j.led.PruneTrades(ctx)
	if err != nil {
		return err
	}

	if removed > 0 {
		j.logger.WithField("removed", removed).Info("Trade registry pruned")
	}
	return nil
}
