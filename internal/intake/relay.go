// Package intake relays free-form contributions to reviewers. A sender first
// gives a display name; every later message is appended to the ledger
// spreadsheet and forwarded to the reviewer chat.
package intake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"contestbot/internal/ledger"
	"contestbot/internal/logging"
	"contestbot/internal/metrics"
)

// Kind classifies a relayed message.
type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindDocument  Kind = "document"
	KindVoice     Kind = "voice"
	KindAudio     Kind = "audio"
	KindVideo     Kind = "video"
	KindVideoNote Kind = "video_note"
	KindSticker   Kind = "sticker"
	KindContact   Kind = "contact"
	KindLocation  Kind = "location"
	KindOther     Kind = "other"
)

// Sender identifies who sent a message.
type Sender struct {
	UserID   int64
	ChatID   int64
	Username string
	FullName string
}

// Message is one inbound message, already classified by the transport.
// Content is the text or caption; FileID is set for attachments.
type Message struct {
	ID      int
	From    Sender
	Kind    Kind
	Content string
	FileID  string
}

// Notifier reaches the reviewer chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
	Forward(ctx context.Context, chatID, fromChatID int64, messageID int) error
}

const (
	minNameLength       = 3
	defaultContentLimit = 15000
	defaultNoticeLimit  = 2000
	timestampLayout     = "2006-01-02T15:04:05.000000"
)

const (
	textAskName      = "أهلاً! ما هو اسمك الكامل؟"
	textNameAsText   = "لو سمحت ابعت اسمك كنص (مو ملف/صورة)."
	textNameTooShort = "الاسم قصير. اكتب اسمك الكامل مرة ثانية:"
	textReady        = "تمام يا %s ✅ الآن ابعت مشاركتك (نص/صورة/ملف/صوت)."
	textSheetFailed  = "وصلتني مشاركتك ✅ بس صار خطأ بالتخزين على الشيت. بلغ الإدارة."
	textReceived     = "تم الاستلام ✅"
)

// Options wires a Relay.
type Options struct {
	Sheet        ledger.Mirror
	Notifier     Notifier
	AdminChatID  int64
	ContentLimit int
	NoticeLimit  int
}

// Relay holds the per-sender name state.
type Relay struct {
	sheet        ledger.Mirror
	notifier     Notifier
	adminChatID  int64
	contentLimit int
	noticeLimit  int
	now          func() time.Time

	mu    sync.Mutex
	names map[int64]string
}

// NewRelay validates opts and returns a relay.
func NewRelay(opts Options) (*Relay, error) {
	if opts.Sheet == nil {
		return nil, fmt.Errorf("intake relay requires a sheet")
	}
	if opts.ContentLimit <= 0 {
		opts.ContentLimit = defaultContentLimit
	}
	if opts.NoticeLimit <= 0 {
		opts.NoticeLimit = defaultNoticeLimit
	}
	return &Relay{
		sheet:        opts.Sheet,
		notifier:     opts.Notifier,
		adminChatID:  opts.AdminChatID,
		contentLimit: opts.ContentLimit,
		noticeLimit:  opts.NoticeLimit,
		now:          time.Now,
		names:        make(map[int64]string),
	}, nil
}

// Start forgets the sender's name and asks for it again.
func (r *Relay) Start(from Sender) string {
	r.mu.Lock()
	delete(r.names, from.UserID)
	r.mu.Unlock()
	logging.Intake("Intake restarted for user %d", from.UserID)
	return textAskName
}

// Name returns the display name captured for userID.
func (r *Relay) Name(userID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.names[userID]
	return name, ok
}

// Handle processes one message and returns the reply for the sender.
func (r *Relay) Handle(ctx context.Context, msg Message) string {
	name, ok := r.Name(msg.From.UserID)
	if !ok {
		return r.captureName(msg)
	}

	ts := r.now().UTC().Format(timestampLayout)
	row := ledger.Row{
		ts,
		strconv.FormatInt(msg.From.UserID, 10),
		msg.From.Username,
		msg.From.FullName,
		name,
		string(msg.Kind),
		Clip(msg.Content, r.contentLimit),
		msg.FileID,
	}

	if err := r.sheet.Append(ctx, row); err != nil {
		metrics.IntakeRelays.WithLabelValues(string(msg.Kind), "sheet_failed").Inc()
		logging.IntakeWarn("Failed to save contribution from user %d: %v", msg.From.UserID, err)
		return textSheetFailed
	}

	r.notify(ctx, msg, name, ts)
	metrics.IntakeRelays.WithLabelValues(string(msg.Kind), "ok").Inc()
	logging.Intake("Contribution %s from user %d relayed", msg.Kind, msg.From.UserID)
	return textReceived
}

func (r *Relay) captureName(msg Message) string {
	if msg.Kind != KindText {
		return textNameAsText
	}
	name := strings.TrimSpace(msg.Content)
	if utf8.RuneCountInString(name) < minNameLength {
		return textNameTooShort
	}

	r.mu.Lock()
	r.names[msg.From.UserID] = name
	r.mu.Unlock()

	logging.Intake("Intake name captured for user %d", msg.From.UserID)
	return fmt.Sprintf(textReady, name)
}

// notify sends the reviewer summary and forwards the message itself. Failures
// are logged only; the contribution is already stored.
func (r *Relay) notify(ctx context.Context, msg Message, name, ts string) {
	if r.notifier == nil || r.adminChatID == 0 {
		return
	}

	username := msg.From.Username
	if username == "" {
		username = "-"
	}
	content := Clip(msg.Content, r.noticeLimit)
	if content == "" {
		content = "[بدون نص]"
	}
	summary := fmt.Sprintf("📩 مشاركة جديدة\n👤 %s (@%s) | ID: %d\n🧾 الاسم المُدخل: %s\n🧾 النوع: %s\n🕒 %s UTC\n✍️ %s",
		msg.From.FullName, username, msg.From.UserID, name, msg.Kind, ts, content)

	if err := r.notifier.Notify(ctx, r.adminChatID, summary); err != nil {
		logging.IntakeWarn("Failed to notify reviewers: %v", err)
		return
	}
	if err := r.notifier.Forward(ctx, r.adminChatID, msg.From.ChatID, msg.ID); err != nil {
		logging.IntakeWarn("Failed to forward message %d to reviewers: %v", msg.ID, err)
	}
}

// Clip truncates s to limit runes, marking the cut with an ellipsis.
func Clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
