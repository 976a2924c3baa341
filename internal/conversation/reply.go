package conversation

// ReplyKind tells the transport how a turn ended.
type ReplyKind int

const (
	// ReplyPrompt repeats the current question; nothing changed.
	ReplyPrompt ReplyKind = iota
	// ReplyAdvance asks the next question.
	ReplyAdvance
	// ReplyTerminal ends the conversation.
	ReplyTerminal
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyPrompt:
		return "prompt"
	case ReplyAdvance:
		return "advance"
	case ReplyTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Notice qualifies a reply, usually a re-prompt.
type Notice int

const (
	NoticeNone Notice = iota
	NoticeNameTooShort
	NoticeNameRequired
	NoticeInvalidChoice
	NoticeNoTracks
	NoticeStoreFailed
)

// Outcome is set on terminal replies.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeRegistered
	OutcomeCancelled
)

// Choice is one selectable answer to the current question.
type Choice struct {
	Input Input
	Label string
}

// Summary is the review shown before confirmation.
type Summary struct {
	FullName      string
	CategoryLabel string
	GradeLabel    string
	TrackTitle    string
	OptionTitle   string
}

// Reply is the engine's answer to a turn.
type Reply struct {
	Kind    ReplyKind
	State   State
	Notice  Notice
	Choices []Choice
	// Controls are the reserved inputs valid in State, in display order.
	Controls []Input
	Summary  *Summary
	Outcome  Outcome
	RecordID int64
	// Reason is the validation or lookup error behind a re-prompt.
	Reason error
}
