package commands

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wonny/soldier/backend/internal/snapshot"
	"github.com/wonny/soldier/backend/internal/venue/deribit"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// pollAccount refreshes equity and mm_util from the venue account summary.
// 폴링 주기는 신선도 상한의 1/3 — 한 번 실패해도 stale 강등 전에 재시도 기회가 있다.
func pollAccount(ctx context.Context, client *deribit.Client, provider *snapshot.Provider,
	log *logger.Logger, maxAge time.Duration) {

	ticker := time.NewTicker(pollInterval(maxAge))
	defer ticker.Stop()

	for {
		summary, err := client.AccountSummary(ctx)
		switch {
		case err != nil:
			// 갱신하지 않으면 값이 낡아가고 resolver가 input_stale로 강등한다
			log.WithError(err).Warn("Account summary poll failed")
		case summary.Equity > 0:
			provider.SetEquity(summary.Equity)
			provider.SetMMUtil(summary.MaintenanceMargin / summary.Equity)
		default:
			// 자본 0 이하 — 최악으로 간주
			provider.SetEquity(0)
			provider.SetMMUtil(1)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollDisk refreshes the ledger-volume usage fraction.
func pollDisk(ctx context.Context, provider *snapshot.Provider, log *logger.Logger, maxAge time.Duration) {
	ticker := time.NewTicker(pollInterval(maxAge))
	defer ticker.Stop()

	for {
		if pct, err := diskUsedPct("."); err != nil {
			log.WithError(err).Warn("Disk usage poll failed")
		} else {
			provider.SetDiskUsedPct(pct)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pollInterval(maxAge time.Duration) time.Duration {
	interval := maxAge / 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// diskUsedPct returns the used fraction of the filesystem holding path.
func diskUsedPct(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	if st.Blocks == 0 {
		return 0, fmt.Errorf("statfs %s: zero block count", path)
	}
	return float64(st.Blocks-uint64(st.Bavail)) / float64(st.Blocks), nil
}
