package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"contestbot/internal/config"
	"contestbot/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "contestbot",
	Short: "contestbot - contest registration and contribution intake bot",
	Long: `contestbot registers students for contests through a guided chat
conversation, stores every confirmed registration in SQLite and mirrors it to
a Google Sheets ledger.

The same binary runs the contribution intake bot, a local console client and
a few maintenance commands for the registration store and cohort matrix.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		cfg = loaded

		logger, err = logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "contestbot.yaml", "Config file (missing file uses defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(intakeCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(myCmd)
	rootCmd.AddCommand(registrationsCmd)
	rootCmd.AddCommand(matrixCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
