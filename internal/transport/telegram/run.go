package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"contestbot/internal/logging"
)

// SecretHeader carries the webhook secret token on every webhook request.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Poller is the long-polling part of *tgbotapi.BotAPI.
type Poller interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// PollOptions configures Poll.
type PollOptions struct {
	Timeout time.Duration
	// Workers is the number of dispatch goroutines. Each sender is pinned to
	// one worker, so a sender's updates are dispatched in arrival order.
	Workers int
	// Backlog is the per-worker queue length.
	Backlog int
}

// Poll receives updates by long polling until ctx ends, then waits for
// queued dispatches.
func Poll(ctx context.Context, p Poller, d Dispatcher, opts PollOptions) error {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 16
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = int(opts.Timeout / time.Second)
	updates := p.GetUpdatesChan(cfg)
	logging.Transport("Long polling started (timeout=%ds workers=%d)", cfg.Timeout, opts.Workers)

	shards := make([]chan tgbotapi.Update, opts.Workers)
	g := new(errgroup.Group)
	for i := range shards {
		shard := make(chan tgbotapi.Update, opts.Backlog)
		shards[i] = shard
		g.Go(func() error {
			for update := range shard {
				d.Dispatch(ctx, update)
			}
			return nil
		})
	}
	defer func() {
		p.StopReceivingUpdates()
		for _, shard := range shards {
			close(shard)
		}
		_ = g.Wait()
		logging.Transport("Long polling stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			shard := shards[shardOf(update, len(shards))]
			select {
			case shard <- update:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// shardOf maps the update's sender to a worker index. Updates without a
// sender are spread by update id.
func shardOf(u tgbotapi.Update, n int) int {
	key := int64(u.UpdateID)
	switch {
	case u.Message != nil && u.Message.From != nil:
		key = u.Message.From.ID
	case u.CallbackQuery != nil && u.CallbackQuery.From != nil:
		key = u.CallbackQuery.From.ID
	}
	if key < 0 {
		key = -key
	}
	return int(key % int64(n))
}

// WebhookHandler decodes updates posted by Telegram and dispatches them.
// Requests without the expected secret token are rejected when secret is set.
func WebhookHandler(secret string, d Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				logging.TransportWarn("Webhook request with bad secret token from %s", r.RemoteAddr)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}

		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			logging.TransportDebug("Undecodable webhook body: %v", err)
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}

		d.Dispatch(context.WithoutCancel(r.Context()), update)
		w.WriteHeader(http.StatusOK)
	})
}

// Registrar is the part of *tgbotapi.BotAPI that manages the webhook.
type Registrar interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// SetWebhook points Telegram at url and asks it to send secret with every
// request.
func SetWebhook(r Registrar, url, secret string) error {
	params := tgbotapi.Params{"url": url}
	if secret != "" {
		params["secret_token"] = secret
	}
	resp, err := r.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("setWebhook: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("setWebhook rejected: %s", resp.Description)
	}
	logging.Transport("Webhook registered at %s", url)
	return nil
}

// DeleteWebhook removes any webhook so that long polling receives updates.
func DeleteWebhook(r Registrar) error {
	if _, err := r.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("deleteWebhook: %w", err)
	}
	return nil
}
