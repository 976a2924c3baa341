package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"contestbot/internal/transport/telegram"
)

// serveCmd runs the registration bot
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registration bot",
	Long: `Runs the Telegram registration bot together with the HTTP surface
(/healthz, /metrics and, in webhook mode, the webhook endpoint).

Updates arrive by long polling unless server.public_url (RENDER_EXTERNAL_URL)
is set, in which case the webhook is registered with the secret token.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateBot(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := newBotAPI()
	if err != nil {
		return err
	}
	notifier := telegram.NewNotifier(api)

	reg, err := newRegistration(ctx, notifier.MirrorFailed)
	if err != nil {
		return err
	}
	defer reg.Close(cfg.GetShutdownTimeout())

	bot, err := telegram.NewBot(telegram.BotOptions{
		API:     api,
		Engine:  reg.engine,
		Limiter: newLimiter(),
	})
	if err != nil {
		return err
	}

	logger.Info("Registration bot starting",
		zap.String("store", cfg.Store.Path),
		zap.String("policy", string(reg.store.Policy())),
		zap.Bool("webhook", cfg.WebhookEnabled()),
		zap.Bool("ledger", cfg.LedgerEnabled()))

	g, gctx := errgroup.WithContext(ctx)
	if ttl := cfg.GetSessionTTL(); ttl > 0 {
		g.Go(func() error {
			reg.engine.Sessions().RunJanitor(gctx, ttl, cfg.GetSweepInterval())
			return nil
		})
	}
	g.Go(func() error {
		return runTelegram(gctx, api, bot, reg.store.Ping)
	})

	err = g.Wait()
	logger.Info("Registration bot stopped")
	return err
}
