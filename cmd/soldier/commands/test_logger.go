package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// testLoggerCmd represents the test-logger command
var testLoggerCmd = &cobra.Command{
	Use:   "test-logger",
	Short: "Logger 기능 테스트",
	Long: `구조화된 로깅 기능을 테스트합니다.

이 명령어는:
- JSON/Console 포맷 테스트
- 구조화된 필드 로깅
- 에러 컨텍스트 로깅

Example:
  go run ./cmd/soldier test-logger
  go run ./cmd/soldier test-logger --env production`,
	RunE: runTestLogger,
}

func init() {
	rootCmd.AddCommand(testLoggerCmd)
}

func runTestLogger(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Soldier Logger Test ===")

	fmt.Println("1. JSON Format (Production)")
	fmt.Println("--------------------------------")
	jsonLog := logger.New(&config.Config{
		Env:       "production",
		LogLevel:  "info",
		LogFormat: "json",
	})
	jsonLog.Info("Safety kernel started")
	jsonLog.Warn("Margin utilization rising")
	jsonLog.Error("Venue request failed")
	fmt.Println()

	fmt.Println("2. Console Format (Development)")
	fmt.Println("--------------------------------")
	consoleLog := logger.New(&config.Config{
		Env:       "development",
		LogLevel:  "debug",
		LogFormat: "console",
	})
	consoleLog.Debug("Tick resolved")
	consoleLog.Info("Snapshot acquired")
	consoleLog.Warn("Book feed silent")
	fmt.Println()

	fmt.Println("3. Structured Logging with Fields")
	fmt.Println("--------------------------------")
	jsonLog.WithField("intent_hash", "a1b2c3d4e5f60718").Info("Intent recorded")
	jsonLog.WithFields(map[string]interface{}{
		"instrument": "BTC-PERPETUAL",
		"side":       "buy",
		"qty_steps":  100,
		"mode":       "ACTIVE",
	}).Info("Dispatch authorized")
	jsonLog.WithField("module", "reconcile").
		WithField("latch", "blocked").
		Info("Reconciliation started")
	fmt.Println()

	fmt.Println("4. Error Logging")
	fmt.Println("--------------------------------")
	err := errors.New("ledger queue full")
	jsonLog.WithError(err).Error("Intent record rejected")
	jsonLog.WithError(err).
		WithFields(map[string]interface{}{
			"queue_depth":    1024,
			"queue_capacity": 1024,
			"write_errors":   3,
		}).
		Error("Writer isolation degraded")
	fmt.Println()

	fmt.Println("✅ All logger tests completed!")
	return nil
}
