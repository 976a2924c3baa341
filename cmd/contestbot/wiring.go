package main

import (
	"context"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"contestbot/internal/conversation"
	"contestbot/internal/ledger"
	"contestbot/internal/ledger/gsheet"
	"contestbot/internal/matrix"
	"contestbot/internal/ratelimit"
	"contestbot/internal/server"
	"contestbot/internal/store"
	"contestbot/internal/transport/telegram"
)

func openStore() (*store.LocalStore, error) {
	return store.NewLocalStore(store.Options{
		Path:   cfg.Store.Path,
		Driver: cfg.Store.Driver,
		Policy: store.Policy(cfg.Store.Policy),
	})
}

func loadMatrix() (*matrix.Matrix, error) {
	if cfg.Matrix.File == "" {
		return matrix.Default()
	}
	return matrix.Load(cfg.Matrix.File)
}

// newMirror returns the Sheets mirror for worksheet, or a no-op mirror when
// no spreadsheet is configured. A non-nil header is written into an empty
// worksheet before the first row.
func newMirror(ctx context.Context, worksheet string, header ledger.Row) (ledger.Mirror, error) {
	if !cfg.LedgerEnabled() {
		logger.Warn("No spreadsheet configured; ledger mirror disabled")
		return ledger.Nop{}, nil
	}
	sheet, err := gsheet.New(ctx, gsheet.Options{
		CredentialsFile: cfg.Ledger.CredentialsFile,
		SpreadsheetID:   cfg.Ledger.SpreadsheetID,
		Worksheet:       worksheet,
		Header:          header,
	})
	if err != nil {
		return nil, err
	}
	return ledger.Retrying{
		Mirror:     sheet,
		Retries:    cfg.Ledger.Retries,
		Initial:    cfg.GetRetryInitial(),
		MaxBackoff: cfg.GetRetryMax(),
	}, nil
}

func newLimiter() *ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	return ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, 0)
}

// registration bundles the engine with the resources it owns.
type registration struct {
	engine *conversation.Engine
	store  *store.LocalStore
	writer *ledger.Writer
}

func newRegistration(ctx context.Context, mirrorFailed func(conversation.Identity, int64, error)) (*registration, error) {
	m, err := loadMatrix()
	if err != nil {
		return nil, err
	}
	st, err := openStore()
	if err != nil {
		return nil, err
	}
	layout := ledger.Layout{IncludeCategory: cfg.Ledger.IncludeCategory}
	mirror, err := newMirror(ctx, cfg.Ledger.Worksheet, layout.Header())
	if err != nil {
		st.Close()
		return nil, err
	}
	writer := ledger.NewWriter(mirror, ledger.WriterOptions{
		QueueSize:     cfg.Ledger.QueueSize,
		AppendTimeout: cfg.GetAppendTimeout(),
	})

	engine, err := conversation.NewEngine(conversation.Options{
		Matrix:       m,
		Store:        st,
		Ledger:       writer,
		Layout:       layout,
		MirrorFailed: mirrorFailed,
	})
	if err != nil {
		writer.Close(context.Background())
		st.Close()
		return nil, err
	}
	return &registration{engine: engine, store: st, writer: writer}, nil
}

// Close drains the ledger queue within timeout, then closes the store.
func (r *registration) Close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.writer.Close(ctx); err != nil {
		logger.Warn("Ledger queue not drained", zap.Int("pending", r.writer.Pending()), zap.Error(err))
	}
	if err := r.store.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}
}

func newBotAPI() (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		return nil, err
	}
	api.Debug = cfg.Bot.Debug
	logger.Info("Authorized on Telegram", zap.String("bot", api.Self.UserName))
	return api, nil
}

// runTelegram receives updates for d by webhook or long polling and serves
// the HTTP surface until ctx ends.
func runTelegram(ctx context.Context, api *tgbotapi.BotAPI, d telegram.Dispatcher, health func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	var webhook http.Handler
	if cfg.WebhookEnabled() {
		if err := telegram.SetWebhook(api, cfg.WebhookURL(), cfg.Server.SecretToken); err != nil {
			return err
		}
		webhook = telegram.WebhookHandler(cfg.Server.SecretToken, d)
	} else {
		if err := telegram.DeleteWebhook(api); err != nil {
			logger.Warn("Failed to delete webhook", zap.Error(err))
		}
		g.Go(func() error {
			return telegram.Poll(gctx, api, d, telegram.PollOptions{
				Timeout: time.Duration(cfg.Bot.PollTimeout) * time.Second,
			})
		})
	}

	srv := server.New(server.Options{
		Addr:            cfg.ListenAddr(),
		ShutdownTimeout: cfg.GetShutdownTimeout(),
		Health:          health,
		Webhook:         webhook,
		WebhookPath:     cfg.Server.WebhookPath,
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	return g.Wait()
}
