package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/internal/reconcile"
	"github.com/wonny/soldier/backend/internal/venue/deribit"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/database"
	"github.com/wonny/soldier/backend/pkg/httputil"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "원장-거래소 일회성 대사",
	Long: `의도 원장과 거래소 상태를 일회성으로 대조합니다.

이 명령어는:
- 원장 이벤트 리플레이 (in-flight 복원)
- 거래소 체결/잔여주문/포지션 조회
- 3-way 대조 후 리포트 출력

실행 중인 커널과 별개의 프로세스로 돌며, 래치는 이 프로세스 안에서만 의미가 있다.

Example:
  go run ./cmd/soldier reconcile
  go run ./cmd/soldier reconcile --env production`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Soldier One-Shot Reconciliation ===")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg)

	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	led := ledger.New(ledger.NewRepository(db.Pool), nil, log, cfg.Safety)
	go led.Run(ctx)

	inFlight, err := led.Replay(ctx)
	if err != nil {
		return fmt.Errorf("ledger replay: %w", err)
	}
	fmt.Printf("In-flight intents after replay: %d\n", len(inFlight))

	httpClient := httputil.New(cfg, log).
		WithRateLimit(cfg.Deribit.RateLimit, cfg.Deribit.RateBurst)
	venueClient := deribit.NewClient(cfg.Deribit, httpClient, log)

	lt := latch.New(log)
	rec := reconcile.New(venueClient, led, lt, nil, log, cfg.Safety)

	rep, err := rec.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	fmt.Println("\nReconciliation report:")
	fmt.Printf("  Matched:         %d\n", rep.Matched)
	fmt.Printf("  Advanced:        %d\n", rep.Advanced)
	fmt.Printf("  Terminal failed: %d\n", rep.TerminalFailed)
	fmt.Printf("  Never sent:      %d\n", rep.NeverSent)
	fmt.Printf("  Pending:         %d\n", rep.Pending)
	fmt.Printf("  Orphans:         %d\n", rep.Orphans)
	fmt.Printf("  Ambiguous:       %d\n", rep.Ambiguous)
	fmt.Printf("  Mismatches:      %d\n", len(rep.Mismatches))
	fmt.Printf("  Duration:        %v\n", rep.FinishedAt.Sub(rep.StartedAt))

	for _, mm := range rep.Mismatches {
		fmt.Printf("  ⚠ %s: local %.4f vs venue %.4f\n", mm.Instrument, mm.Local, mm.Venue)
	}

	if rep.Success {
		fmt.Println("\n✅ Consistency proven")
	} else {
		fmt.Println("\n❌ Consistency NOT proven — latch would stay blocked")
	}
	return nil
}
