package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"contestbot/internal/intake"
	"contestbot/internal/transport/telegram"
)

// intakeCmd runs the contribution relay bot
var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Run the contribution intake bot",
	Long: `Runs the Telegram intake bot. Each sender gives a display name once;
every later message is appended to the intake worksheet and forwarded to the
reviewer chat (intake.admin_chat_id / ADMIN_CHAT_ID).`,
	RunE: runIntake,
}

func runIntake(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateBot(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Intake.AdminChatID == 0 {
		logger.Warn("No reviewer chat configured; contributions are stored but not forwarded")
	}

	api, err := newBotAPI()
	if err != nil {
		return err
	}
	sheet, err := newMirror(ctx, cfg.IntakeWorksheet(), nil)
	if err != nil {
		return err
	}

	relay, err := intake.NewRelay(intake.Options{
		Sheet:        sheet,
		Notifier:     telegram.NewNotifier(api),
		AdminChatID:  cfg.Intake.AdminChatID,
		ContentLimit: cfg.Intake.ContentLimit,
		NoticeLimit:  cfg.Intake.NoticeLimit,
	})
	if err != nil {
		return err
	}
	bot, err := telegram.NewIntakeBot(api, relay, newLimiter())
	if err != nil {
		return err
	}

	logger.Info("Intake bot starting",
		zap.String("worksheet", cfg.IntakeWorksheet()),
		zap.Int64("admin_chat_id", cfg.Intake.AdminChatID),
		zap.Bool("webhook", cfg.WebhookEnabled()))

	err = runTelegram(ctx, api, bot, nil)
	logger.Info("Intake bot stopped")
	return err
}
