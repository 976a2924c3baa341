package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"contestbot/internal/conversation"
	"contestbot/internal/transport/console"
)

var consoleUserID int64

// consoleCmd walks through a registration in the terminal
var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Register interactively from the terminal",
	Long: `Runs one registration conversation in the terminal against the
configured store, matrix and ledger. Useful for checking a new cohort file
before it goes live.`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().Int64Var(&consoleUserID, "user-id", 1, "Identity to register as")
}

func runConsole(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mirrorFailed := func(id conversation.Identity, recordID int64, err error) {
		logger.Warn("Registration not mirrored", zap.Int64("record", recordID), zap.Error(err))
	}
	reg, err := newRegistration(ctx, mirrorFailed)
	if err != nil {
		return err
	}
	defer reg.Close(cfg.GetShutdownTimeout())

	id := conversation.Identity{UserID: consoleUserID, ChatID: consoleUserID, Username: "console"}
	return console.Run(ctx, reg.engine, id)
}
