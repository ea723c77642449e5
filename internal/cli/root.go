// Package cli implements the exam-station agent's commands.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/logger"
)

var (
	// Version is set at build time
	Version = "dev"

	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "exstem-agent",
	Short: "Exam-station agent for ExStem Guard",
	Long: `The agent runs next to the exam browser on each station. It watches the
candidate's environment for violations, keeps a crash-safe copy of the
attempt and syncs it with the central server.`,
	SilenceUsage: true,
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Version = Version
}

func initConfig() {
	cfg = config.Load()
	log = logger.SetupWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}
