package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"contestbot/internal/articulation"
	"contestbot/internal/conversation"
	"contestbot/internal/logging"
	"contestbot/internal/metrics"
	"contestbot/internal/ratelimit"
	"contestbot/internal/store"
)

// Bot routes registration updates into the conversation engine.
type Bot struct {
	api      API
	engine   *conversation.Engine
	renderer articulation.Renderer
	limiter  *ratelimit.Limiter
	now      func() time.Time
}

// BotOptions wires a Bot. A nil Limiter disables throttling.
type BotOptions struct {
	API      API
	Engine   *conversation.Engine
	Renderer *articulation.Renderer
	Limiter  *ratelimit.Limiter
}

// NewBot validates opts and returns a registration bot.
func NewBot(opts BotOptions) (*Bot, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("telegram bot requires an API client")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("telegram bot requires an engine")
	}
	renderer := articulation.NewRenderer()
	if opts.Renderer != nil {
		renderer = *opts.Renderer
	}
	return &Bot{
		api:      opts.API,
		engine:   opts.Engine,
		renderer: renderer,
		limiter:  opts.Limiter,
		now:      time.Now,
	}, nil
}

// Dispatch handles one update. Errors are logged and answered in chat.
func (b *Bot) Dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.onCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil:
		b.onMessage(ctx, update.Message)
	default:
		logging.TransportDebug("Ignoring update %d", update.UpdateID)
	}
}

func (b *Bot) allow(userID int64) bool {
	if b.limiter.Allow(userID, b.now()) {
		return true
	}
	metrics.RateLimited.WithLabelValues("telegram").Inc()
	logging.TransportDebug("Rate limited user %d", userID)
	return false
}

func (b *Bot) onMessage(ctx context.Context, m *tgbotapi.Message) {
	id := messageIdentity(m)
	if !b.allow(id.UserID) {
		b.send(id.ChatID, articulation.RateLimited())
		return
	}

	if m.IsCommand() {
		switch m.Command() {
		case "start":
			logging.Transport("Registration started by user %d", id.UserID)
			b.send(id.ChatID, b.renderer.Render(b.engine.Start(id)))
			return
		case "cancel":
			b.turn(ctx, id, conversation.Cancel(), func(msg articulation.Message) { b.send(id.ChatID, msg) })
			return
		case "my":
			b.send(id.ChatID, b.lookup(ctx, id.UserID))
			return
		case "id":
			b.send(id.ChatID, articulation.Identity(id.ChatID, id.UserID))
			return
		}
	}

	in := conversation.Text(m.Text)
	if m.Text == "" {
		in = conversation.Attachment()
	}
	b.turn(ctx, id, in, func(msg articulation.Message) { b.send(id.ChatID, msg) })
}

func (b *Bot) onCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	id := callbackIdentity(q)
	if !b.allow(id.UserID) {
		b.answer(q.ID, articulation.RateLimited().Text)
		return
	}
	b.answer(q.ID, "")

	in, ok := conversation.DecodeToken(q.Data)
	if !ok {
		logging.TransportDebug("Unknown callback token %q from user %d", q.Data, id.UserID)
		return
	}

	reply := func(msg articulation.Message) { b.send(id.ChatID, msg) }
	if q.Message != nil {
		messageID := q.Message.MessageID
		reply = func(msg articulation.Message) { b.edit(id.ChatID, messageID, msg) }
	}
	b.turn(ctx, id, in, reply)
}

// turn runs in through the engine and passes the rendered reply to out.
func (b *Bot) turn(ctx context.Context, id conversation.Identity, in conversation.Input, out func(articulation.Message)) {
	reply, err := b.engine.Handle(ctx, id, in)
	var storeErr *conversation.StoreError
	switch {
	case errors.Is(err, conversation.ErrNoSession):
		out(articulation.NoSession())
	case errors.As(err, &storeErr):
		logging.TransportWarn("Registration for user %d not saved: %v", id.UserID, storeErr.Err)
		out(b.renderer.Render(reply))
	case err != nil:
		logging.TransportWarn("Turn for user %d failed: %v", id.UserID, err)
		out(articulation.InternalError())
	default:
		out(b.renderer.Render(reply))
	}
}

func (b *Bot) lookup(ctx context.Context, userID int64) articulation.Message {
	rec, err := b.engine.Lookup(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return articulation.Registration(nil)
	case err != nil:
		logging.TransportWarn("Lookup for user %d failed: %v", userID, err)
		return articulation.InternalError()
	}
	return articulation.Registration(rec)
}

func (b *Bot) send(chatID int64, msg articulation.Message) {
	if _, err := b.api.Send(newMessage(chatID, msg)); err != nil {
		logging.TransportWarn("Failed to send message to chat %d: %v", chatID, err)
	}
}

func (b *Bot) edit(chatID int64, messageID int, msg articulation.Message) {
	if _, err := b.api.Request(editMessage(chatID, messageID, msg)); err != nil {
		logging.TransportDebug("Edit of message %d failed, sending instead: %v", messageID, err)
		b.send(chatID, msg)
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		logging.TransportDebug("Failed to answer callback %s: %v", callbackID, err)
	}
}
