// Package conversation implements the registration state machine.
//
// Each identity owns at most one Session in a Table. A turn decodes one
// Input, validates it against the choices offered in the current State and
// either advances or re-prompts. Confirmation writes the record to the store
// and hands the ledger row to the asynchronous writer; the reply never waits
// for the ledger.
package conversation

// State is a position in the registration flow.
type State int

const (
	StateAwaitingName State = iota
	StateAwaitingCategory
	StateAwaitingGrade
	StateAwaitingTrack
	StateAwaitingOption
	StateAwaitingConfirmation
	StateTerminal
)

var stateNames = [...]string{
	StateAwaitingName:         "awaiting_name",
	StateAwaitingCategory:     "awaiting_category",
	StateAwaitingGrade:        "awaiting_grade",
	StateAwaitingTrack:        "awaiting_track",
	StateAwaitingOption:       "awaiting_option",
	StateAwaitingConfirmation: "awaiting_confirmation",
	StateTerminal:             "terminal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Scratch is the data collected so far. Track and Option are only valid for
// the Category and Group they were chosen under.
type Scratch struct {
	FullName string
	Category string
	Grade    string
	Group    string
	Track    string
	Option   string
}

func (s *Scratch) clearTrack() {
	s.Track = ""
	s.Option = ""
}
