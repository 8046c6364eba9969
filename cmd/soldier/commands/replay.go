package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/database"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "의도 원장 리플레이 후 in-flight 출력",
	Long: `append-only 이벤트 로그를 접어(in-flight view) 비터미널 의도를 출력합니다.

크래시 후 상태 점검용 — 아무것도 변경하지 않습니다.

Example:
  go run ./cmd/soldier replay`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Soldier Ledger Replay ===")

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	led := ledger.New(ledger.NewRepository(db.Pool), nil, log, cfg.Safety)

	inFlight, err := led.Replay(ctx)
	if err != nil {
		return fmt.Errorf("ledger replay: %w", err)
	}

	if len(inFlight) == 0 {
		fmt.Println("\n✅ No in-flight intents — ledger is clean")
		return nil
	}

	fmt.Printf("\nIn-flight intents: %d\n", len(inFlight))
	for _, rec := range inFlight {
		sent := "never sent"
		if rec.WasSent() {
			sent = "sent " + rec.SentAt.Format(time.RFC3339)
		}
		fmt.Printf("  %s  %-24s %-4s state=%-15s recorded=%s  %s\n",
			rec.HashHex,
			rec.Intent.Label(),
			string(rec.Intent.Side),
			string(rec.State),
			rec.RecordedAt.Format(time.RFC3339),
			sent,
		)
	}
	fmt.Println("\n⚠ Run reconcile before allowing new opens")
	return nil
}
