// Package articulation turns engine replies into chat messages: Arabic text
// plus rows of buttons carrying input tokens. It knows nothing about any
// particular chat transport.
package articulation

import (
	"fmt"
	"strings"
	"time"

	"contestbot/internal/conversation"
	"contestbot/internal/store"
)

// Button is one tappable control.
type Button struct {
	Label string
	Token string
}

// Message is a rendered reply.
type Message struct {
	Text     string
	Keyboard [][]Button
}

// HasKeyboard reports whether the message carries buttons.
func (m Message) HasKeyboard() bool {
	return len(m.Keyboard) > 0
}

// Renderer lays out replies.
type Renderer struct {
	// GradeColumns is the number of grade buttons per row.
	GradeColumns int
}

// NewRenderer returns a renderer with the grade grid used in production.
func NewRenderer() Renderer {
	return Renderer{GradeColumns: 3}
}

// =============================================================================
// TEXT
// =============================================================================

const (
	textAskName        = "حياك الله عزيزي الطالب! اكتب اسمك الكامل للتسجيل في المسابقة:"
	textNameTooShort   = "الاسم قصير جداً. اكتب اسمك الكامل مرة ثانية:"
	textNameRequired   = "لو سمحت اكتب اسمك الكامل كنص:"
	textAskCategory    = "هل أنت ذكر أم أنثى؟"
	textAskGrade       = "ما هو صفّك؟"
	textAskTrack       = "اختر المسابقة:"
	textAskOption      = "اختر أحد الخيارات:"
	textInvalidChoice  = "اختيار غير صحيح. اختر:"
	textInvalidGrade   = "اختيار غير صحيح. اختر الصف:"
	textInvalidOption  = "خيار غير صحيح. اختر:"
	textNoTracks       = "لا توجد مسابقات متاحة لصفك حالياً. يمكنك الإلغاء والمحاولة لاحقاً."
	textStoreFailed    = "⚠️ تعذر حفظ تسجيلك. حاول التأكيد مرة ثانية."
	textConfirmPrompt  = "تأكيد التسجيل؟"
	textRegistered     = "✅ تم تسجيلك بنجاح! شكراً لك."
	textCancelled      = "تم الإلغاء."
	textMirrorFailed   = "⚠️ تم حفظ تسجيلك، لكن تعذر نسخه إلى سجل المسابقة. ستتم مراجعته من الإدارة."
	textNoSession      = "ما في تسجيل جارٍ. اكتب /start للتسجيل."
	textNoRegistration = "ما عندك تسجيل حالياً. اكتب /start للتسجيل."
	textRateLimited    = "رسائل كثيرة خلال وقت قصير. انتظر قليلاً ثم حاول مرة ثانية."
	textInternalError  = "صار خطأ غير متوقع. حاول مرة ثانية."
)

var controlLabels = map[conversation.InputKind]string{
	conversation.InputCancel:  "إلغاء",
	conversation.InputBack:    "رجوع للمسابقات",
	conversation.InputConfirm: "✅ تأكيد التسجيل",
	conversation.InputEdit:    "🔁 تعديل",
}

// Render converts one engine reply.
func (r Renderer) Render(reply conversation.Reply) Message {
	if reply.Kind == conversation.ReplyTerminal {
		switch reply.Outcome {
		case conversation.OutcomeRegistered:
			return Message{Text: textRegistered}
		case conversation.OutcomeCancelled:
			return Message{Text: textCancelled}
		}
		return Message{Text: textNoSession}
	}

	msg := Message{Text: r.question(reply)}
	msg.Keyboard = r.choiceRows(reply)
	for _, c := range reply.Controls {
		msg.Keyboard = append(msg.Keyboard, []Button{{Label: controlLabels[c.Kind], Token: c.Token()}})
	}
	return msg
}

func (r Renderer) question(reply conversation.Reply) string {
	invalid := reply.Notice == conversation.NoticeInvalidChoice
	switch reply.State {
	case conversation.StateAwaitingName:
		switch reply.Notice {
		case conversation.NoticeNameTooShort:
			return textNameTooShort
		case conversation.NoticeNameRequired:
			return textNameRequired
		}
		return textAskName
	case conversation.StateAwaitingCategory:
		if invalid {
			return textInvalidChoice
		}
		return textAskCategory
	case conversation.StateAwaitingGrade:
		if invalid {
			return textInvalidGrade
		}
		return textAskGrade
	case conversation.StateAwaitingTrack:
		switch reply.Notice {
		case conversation.NoticeNoTracks:
			return textNoTracks
		case conversation.NoticeInvalidChoice:
			return textInvalidChoice
		}
		return textAskTrack
	case conversation.StateAwaitingOption:
		if invalid {
			return textInvalidOption
		}
		return textAskOption
	case conversation.StateAwaitingConfirmation:
		text := Summary(reply.Summary) + "\n\n" + textConfirmPrompt
		if reply.Notice == conversation.NoticeStoreFailed {
			text = textStoreFailed + "\n\n" + text
		}
		return text
	}
	return textNoSession
}

func (r Renderer) choiceRows(reply conversation.Reply) [][]Button {
	cols := 1
	if reply.State == conversation.StateAwaitingGrade && r.GradeColumns > 1 {
		cols = r.GradeColumns
	}

	var rows [][]Button
	var row []Button
	for _, c := range reply.Choices {
		row = append(row, Button{Label: c.Label, Token: c.Input.Token()})
		if len(row) == cols {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return rows
}

// Summary formats the review block shown before confirmation.
func Summary(s *conversation.Summary) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("راجع معلوماتك:\n\n")
	fmt.Fprintf(&b, "👤 الاسم: %s", s.FullName)
	if s.CategoryLabel != "" {
		fmt.Fprintf(&b, "\n⚧ الجنس: %s", s.CategoryLabel)
	}
	fmt.Fprintf(&b, "\n🏫 الصف: %s", s.GradeLabel)
	fmt.Fprintf(&b, "\n🏆 المسابقة: %s", s.TrackTitle)
	if s.OptionTitle != "" {
		fmt.Fprintf(&b, "\n🎯 المستوى/الخيار: %s", s.OptionTitle)
	}
	return b.String()
}

// =============================================================================
// OUT-OF-FLOW MESSAGES
// =============================================================================

// Registration formats the answer to "my registration". A nil record means
// the identity has none.
func Registration(rec *store.Record) Message {
	if rec == nil {
		return Message{Text: textNoRegistration}
	}
	var b strings.Builder
	b.WriteString("آخر تسجيل لك:\n\n")
	fmt.Fprintf(&b, "🆔 %d\n👤 %s", rec.ID, rec.FullName)
	if rec.CategoryLabel != "" {
		fmt.Fprintf(&b, "\n⚧ %s", rec.CategoryLabel)
	}
	if rec.GradeLabel != "" {
		fmt.Fprintf(&b, "\n🏫 %s", rec.GradeLabel)
	}
	fmt.Fprintf(&b, "\n🏆 %s", rec.TrackTitle)
	if rec.OptionTitle != "" {
		fmt.Fprintf(&b, "\n🎯 %s", rec.OptionTitle)
	}
	if !rec.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "\n🕒 %s (UTC)", rec.CreatedAt.UTC().Format(time.DateTime))
	}
	return Message{Text: b.String()}
}

// MirrorFailed is the soft warning sent after a confirmation whose ledger
// copy failed.
func MirrorFailed() Message { return Message{Text: textMirrorFailed} }

// NoSession answers input that arrives outside a conversation.
func NoSession() Message { return Message{Text: textNoSession} }

// RateLimited answers a throttled identity.
func RateLimited() Message { return Message{Text: textRateLimited} }

// InternalError answers a turn that failed for reasons other than input.
func InternalError() Message { return Message{Text: textInternalError} }

// Identity answers /id.
func Identity(chatID, userID int64) Message {
	return Message{Text: fmt.Sprintf("chat_id: %d\nuser_id: %d", chatID, userID)}
}
