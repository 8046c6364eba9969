package main

import (
	"os"

	"github.com/wonny/soldier/backend/cmd/soldier/commands"
)

// main is the entry point for the Soldier CLI
// ⭐ 통합 CLI 진입점: go run ./cmd/soldier [command]
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
