package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	env        string
	verbose    bool
)

// Build info, overridden at release time via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "soldier",
	Short: "Soldier - 파생상품 트레이딩 안전 커널",
	Long: `Soldier Safety Kernel CLI

파생상품 자동매매 시스템의 안전 커널.
세 축(자본/시장/시스템) 모드 해석, 의도 원장, 대사 엔진, 원자 그룹 집행.

Usage:
  go run ./cmd/soldier [command]

Examples:
  go run ./cmd/soldier start
  go run ./cmd/soldier reconcile
  go run ./cmd/soldier status
  go run ./cmd/soldier test-db`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().StringVar(&env, "env", "development", "environment (development|staging|production)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
