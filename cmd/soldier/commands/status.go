package commands

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/soldier/backend/pkg/config"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [latch|ledger]",
	Short: "실행 중인 커널 상태 조회",
	Long: `로컬에서 실행 중인 커널의 읽기 전용 상태 엔드포인트를 조회합니다.

Example:
  go run ./cmd/soldier status
  go run ./cmd/soldier status latch
  go run ./cmd/soldier status ledger`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatusQuery,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatusQuery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := "/status"
	if len(args) == 1 {
		switch args[0] {
		case "latch", "ledger":
			path = "/status/" + args[0]
		default:
			return fmt.Errorf("unknown status view %q (want latch or ledger)", args[0])
		}
	}

	url := fmt.Sprintf("http://localhost:%s%s", cfg.StatusPort, path)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("kernel not reachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status query failed with %d: %s", resp.StatusCode, string(body))
	}

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return fmt.Errorf("read status body: %w", err)
	}
	fmt.Println()
	return nil
}
