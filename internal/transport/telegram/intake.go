package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"contestbot/internal/articulation"
	"contestbot/internal/intake"
	"contestbot/internal/logging"
	"contestbot/internal/metrics"
	"contestbot/internal/ratelimit"
)

// IntakeBot routes messages into the intake relay.
type IntakeBot struct {
	api     API
	relay   *intake.Relay
	limiter *ratelimit.Limiter
	now     func() time.Time
}

// NewIntakeBot returns an intake bot. A nil limiter disables throttling.
func NewIntakeBot(api API, relay *intake.Relay, limiter *ratelimit.Limiter) (*IntakeBot, error) {
	if api == nil || relay == nil {
		return nil, fmt.Errorf("intake bot requires an API client and a relay")
	}
	return &IntakeBot{api: api, relay: relay, limiter: limiter, now: time.Now}, nil
}

// Dispatch handles one update. Callback queries are ignored.
func (b *IntakeBot) Dispatch(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil {
		return
	}
	if !b.limiter.Allow(m.From.ID, b.now()) {
		metrics.RateLimited.WithLabelValues("intake").Inc()
		b.reply(m.Chat.ID, articulation.RateLimited().Text)
		return
	}

	from := intake.Sender{
		UserID:   m.From.ID,
		ChatID:   m.Chat.ID,
		Username: m.From.UserName,
		FullName: fullName(m.From),
	}

	if m.IsCommand() {
		switch m.Command() {
		case "start":
			b.reply(m.Chat.ID, b.relay.Start(from))
			return
		case "id":
			b.reply(m.Chat.ID, articulation.Identity(m.Chat.ID, m.From.ID).Text)
			return
		}
		// Other commands are not contributions.
		logging.TransportDebug("Ignoring intake command /%s from user %d", m.Command(), m.From.ID)
		return
	}

	kind, content, fileID := Classify(m)
	b.reply(m.Chat.ID, b.relay.Handle(ctx, intake.Message{
		ID:      m.MessageID,
		From:    from,
		Kind:    kind,
		Content: content,
		FileID:  fileID,
	}))
}

func (b *IntakeBot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logging.TransportWarn("Failed to send intake reply to chat %d: %v", chatID, err)
	}
}

// Classify derives the intake kind, textual content and attachment file id
// of m. Captions are the content of attachments.
func Classify(m *tgbotapi.Message) (intake.Kind, string, string) {
	switch {
	case m.Text != "":
		return intake.KindText, m.Text, ""
	case len(m.Photo) > 0:
		// Sizes are ordered smallest first.
		return intake.KindPhoto, m.Caption, m.Photo[len(m.Photo)-1].FileID
	case m.Document != nil:
		return intake.KindDocument, m.Caption, m.Document.FileID
	case m.Voice != nil:
		return intake.KindVoice, m.Caption, m.Voice.FileID
	case m.Audio != nil:
		return intake.KindAudio, m.Caption, m.Audio.FileID
	case m.Video != nil:
		return intake.KindVideo, m.Caption, m.Video.FileID
	case m.VideoNote != nil:
		return intake.KindVideoNote, "", m.VideoNote.FileID
	case m.Sticker != nil:
		return intake.KindSticker, m.Caption, m.Sticker.FileID
	case m.Contact != nil:
		name := strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName)
		return intake.KindContact, strings.TrimSpace(name + " " + m.Contact.PhoneNumber), ""
	case m.Location != nil:
		return intake.KindLocation, fmt.Sprintf("%.6f,%.6f", m.Location.Latitude, m.Location.Longitude), ""
	}
	return intake.KindOther, m.Caption, ""
}
