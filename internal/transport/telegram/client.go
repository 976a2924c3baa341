// Package telegram connects the registration engine and the intake relay to
// the Telegram Bot API, by long polling or by webhook.
package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"contestbot/internal/articulation"
	"contestbot/internal/conversation"
	"contestbot/internal/logging"
)

// API is the part of *tgbotapi.BotAPI used to talk to chats.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Dispatcher handles one update.
type Dispatcher interface {
	Dispatch(ctx context.Context, update tgbotapi.Update)
}

// =============================================================================
// RENDERING
// =============================================================================

func keyboard(msg articulation.Message) *tgbotapi.InlineKeyboardMarkup {
	if !msg.HasKeyboard() {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Keyboard))
	for _, row := range msg.Keyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Token))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

func newMessage(chatID int64, msg articulation.Message) tgbotapi.MessageConfig {
	out := tgbotapi.NewMessage(chatID, msg.Text)
	if kb := keyboard(msg); kb != nil {
		out.ReplyMarkup = *kb
	}
	return out
}

func editMessage(chatID int64, messageID int, msg articulation.Message) tgbotapi.Chattable {
	if kb := keyboard(msg); kb != nil {
		return tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, msg.Text, *kb)
	}
	return tgbotapi.NewEditMessageText(chatID, messageID, msg.Text)
}

// =============================================================================
// IDENTITY
// =============================================================================

func messageIdentity(m *tgbotapi.Message) conversation.Identity {
	id := conversation.Identity{ChatID: m.Chat.ID}
	if m.From != nil {
		id.UserID = m.From.ID
		id.Username = m.From.UserName
	}
	return id
}

func callbackIdentity(q *tgbotapi.CallbackQuery) conversation.Identity {
	id := conversation.Identity{UserID: q.From.ID, ChatID: q.From.ID, Username: q.From.UserName}
	if q.Message != nil && q.Message.Chat != nil {
		id.ChatID = q.Message.Chat.ID
	}
	return id
}

func fullName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// =============================================================================
// NOTIFIER
// =============================================================================

// Notifier sends out-of-turn messages: reviewer notices for the intake relay
// and the soft warning after a failed ledger mirror.
type Notifier struct {
	api API
}

// NewNotifier wraps api.
func NewNotifier(api API) *Notifier {
	return &Notifier{api: api}
}

// Notify sends text to chatID.
func (n *Notifier) Notify(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("notify chat %d: %w", chatID, err)
	}
	return nil
}

// Forward copies message messageID from fromChatID into chatID.
func (n *Notifier) Forward(ctx context.Context, chatID, fromChatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.api.Send(tgbotapi.NewForward(chatID, fromChatID, messageID)); err != nil {
		return fmt.Errorf("forward message %d to chat %d: %w", messageID, chatID, err)
	}
	return nil
}

// MirrorFailed matches conversation.Options.MirrorFailed. It runs on the
// ledger writer goroutine.
func (n *Notifier) MirrorFailed(id conversation.Identity, recordID int64, err error) {
	logging.TransportWarn("Registration %d for user %d not mirrored: %v", recordID, id.UserID, err)
	chatID := id.ChatID
	if chatID == 0 {
		chatID = id.UserID
	}
	if _, sendErr := n.api.Send(newMessage(chatID, articulation.MirrorFailed())); sendErr != nil {
		logging.TransportWarn("Failed to send mirror warning to chat %d: %v", chatID, sendErr)
	}
}
