package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"contestbot/internal/ledger"
	"contestbot/internal/logging"
	"contestbot/internal/matrix"
	"contestbot/internal/metrics"
	"contestbot/internal/store"
)

// MinNameLength is the shortest accepted full name, in runes, after
// whitespace is normalized.
const MinNameLength = 3

// Store is the durable side of a confirmation.
type Store interface {
	Save(ctx context.Context, rec store.Record) (int64, error)
	Latest(ctx context.Context, userID int64) (*store.Record, error)
}

// Enqueuer accepts ledger rows without blocking.
type Enqueuer interface {
	Enqueue(row ledger.Row, done func(error))
}

// Options wires an Engine.
type Options struct {
	Matrix   *matrix.Matrix
	Store    Store
	Ledger   Enqueuer
	Layout   ledger.Layout
	Sessions *Table
	// MirrorFailed is called from the ledger writer when a confirmed row
	// could not be mirrored. The local record is already durable.
	MirrorFailed func(id Identity, recordID int64, err error)
}

// Engine drives registration conversations.
type Engine struct {
	matrix       *matrix.Matrix
	store        Store
	ledger       Enqueuer
	layout       ledger.Layout
	sessions     *Table
	mirrorFailed func(Identity, int64, error)
}

// NewEngine validates opts and returns an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Matrix == nil {
		return nil, fmt.Errorf("engine requires a matrix")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("engine requires a ledger writer")
	}
	if opts.Sessions == nil {
		opts.Sessions = NewTable()
	}
	return &Engine{
		matrix:       opts.Matrix,
		store:        opts.Store,
		ledger:       opts.Ledger,
		layout:       opts.Layout,
		sessions:     opts.Sessions,
		mirrorFailed: opts.MirrorFailed,
	}, nil
}

// Sessions exposes the session table.
func (e *Engine) Sessions() *Table {
	return e.sessions
}

// Start opens (or restarts) the conversation for id.
func (e *Engine) Start(id Identity) Reply {
	s := e.sessions.Start(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.reply(s, ReplyAdvance, NoticeNone, nil)
}

// Lookup returns the latest stored registration for userID, or
// store.ErrNotFound.
func (e *Engine) Lookup(ctx context.Context, userID int64) (*store.Record, error) {
	return e.store.Latest(ctx, userID)
}

// Handle runs one turn. Invalid input yields a ReplyPrompt with a nil error.
// A failed save yields a confirmation re-prompt and a *StoreError.
func (e *Engine) Handle(ctx context.Context, id Identity, in Input) (Reply, error) {
	s, ok := e.sessions.Get(id.UserID)
	if !ok {
		return Reply{}, ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminal {
		return Reply{}, ErrNoSession
	}
	s.lastSeen = e.sessions.now()
	if id.Username != "" {
		s.identity.Username = id.Username
	}
	if id.ChatID != 0 {
		s.identity.ChatID = id.ChatID
	}

	log := logging.WithRequestID(logging.CategoryEngine, s.id)
	from := s.state

	reply, err := e.step(ctx, s, in)

	metrics.Turns.WithLabelValues(from.String(), reply.Kind.String()).Inc()
	switch {
	case err != nil:
		log.Error("turn %s/%s failed: %v", from, in.Kind, err)
	case reply.Reason != nil:
		log.Debug("turn %s/%s re-prompted: %v", from, in.Kind, reply.Reason)
	default:
		log.Debug("turn %s/%s -> %s", from, in.Kind, reply.State)
	}
	return reply, err
}

func (e *Engine) step(ctx context.Context, s *Session, in Input) (Reply, error) {
	if in.Kind == InputCancel {
		return e.finish(s, OutcomeCancelled, 0), nil
	}

	switch s.state {
	case StateAwaitingName:
		return e.onName(s, in), nil
	case StateAwaitingCategory:
		return e.onCategory(s, in), nil
	case StateAwaitingGrade:
		return e.onGrade(s, in), nil
	case StateAwaitingTrack:
		return e.onTrack(s, in), nil
	case StateAwaitingOption:
		return e.onOption(s, in), nil
	case StateAwaitingConfirmation:
		return e.onConfirmation(ctx, s, in)
	}
	return Reply{}, fmt.Errorf("session in unexpected state %s", s.state)
}

// =============================================================================
// STATE HANDLERS
// =============================================================================

func (e *Engine) onName(s *Session, in Input) Reply {
	if in.Kind != InputText {
		return e.reprompt(s, NoticeNameRequired, fmt.Errorf("%w: name must be text", ErrValidation))
	}
	name := NormalizeName(in.Text)
	if utf8.RuneCountInString(name) < MinNameLength {
		return e.reprompt(s, NoticeNameTooShort, fmt.Errorf("%w: name shorter than %d", ErrValidation, MinNameLength))
	}
	s.scratch.FullName = name
	return e.advance(s, StateAwaitingCategory)
}

func (e *Engine) onCategory(s *Session, in Input) Reply {
	key, err := selection(in, FieldCategory)
	if err != nil {
		return e.reprompt(s, NoticeInvalidChoice, err)
	}
	if _, ok := e.matrix.Category(key); !ok {
		return e.reprompt(s, NoticeInvalidChoice, fmt.Errorf("%w: category %q", ErrLookupMiss, key))
	}
	s.scratch.Category = key
	s.scratch.clearTrack()
	return e.advance(s, StateAwaitingGrade)
}

func (e *Engine) onGrade(s *Session, in Input) Reply {
	key, err := selection(in, FieldGrade)
	if err != nil {
		return e.reprompt(s, NoticeInvalidChoice, err)
	}
	group, ok := e.matrix.GroupOf(key)
	if !ok {
		return e.reprompt(s, NoticeInvalidChoice, fmt.Errorf("%w: grade %q", ErrLookupMiss, key))
	}
	s.scratch.Grade = key
	s.scratch.Group = group
	s.scratch.clearTrack()
	return e.advance(s, StateAwaitingTrack)
}

func (e *Engine) onTrack(s *Session, in Input) Reply {
	key, err := selection(in, FieldTrack)
	if err != nil {
		return e.reprompt(s, NoticeInvalidChoice, err)
	}
	track, ok := e.matrix.Track(s.scratch.Category, s.scratch.Group, key)
	if !ok {
		return e.reprompt(s, NoticeInvalidChoice, fmt.Errorf("%w: track %q", ErrLookupMiss, key))
	}
	s.scratch.Track = key
	s.scratch.Option = ""
	if track.HasOptions() {
		return e.advance(s, StateAwaitingOption)
	}
	return e.advance(s, StateAwaitingConfirmation)
}

func (e *Engine) onOption(s *Session, in Input) Reply {
	if in.Kind == InputBack {
		s.scratch.clearTrack()
		return e.advance(s, StateAwaitingTrack)
	}
	key, err := selection(in, FieldOption)
	if err != nil {
		return e.reprompt(s, NoticeInvalidChoice, err)
	}
	if _, ok := e.matrix.ResolveOption(s.scratch.Category, s.scratch.Group, s.scratch.Track, key); !ok {
		return e.reprompt(s, NoticeInvalidChoice, fmt.Errorf("%w: option %q", ErrLookupMiss, key))
	}
	s.scratch.Option = key
	return e.advance(s, StateAwaitingConfirmation)
}

func (e *Engine) onConfirmation(ctx context.Context, s *Session, in Input) (Reply, error) {
	switch in.Kind {
	case InputEdit:
		s.scratch.clearTrack()
		return e.advance(s, StateAwaitingTrack), nil
	case InputConfirm:
		return e.commit(ctx, s)
	}
	return e.reprompt(s, NoticeInvalidChoice, fmt.Errorf("%w: expected confirm, edit or cancel", ErrValidation)), nil
}

// selection extracts the key of a Select input for field.
func selection(in Input, field Field) (string, error) {
	if in.Kind != InputSelect || in.Field != field {
		return "", fmt.Errorf("%w: unexpected %s input", ErrValidation, in.Kind)
	}
	if in.Key == "" {
		return "", fmt.Errorf("%w: empty key", ErrValidation)
	}
	return in.Key, nil
}

// NormalizeName trims and collapses internal whitespace.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// =============================================================================
// COMMIT
// =============================================================================

// record snapshots the scratch data with titles resolved from the matrix.
func (e *Engine) record(s *Session) (store.Record, error) {
	sc := s.scratch
	cat, ok := e.matrix.Category(sc.Category)
	if !ok {
		return store.Record{}, fmt.Errorf("%w: category %q", ErrLookupMiss, sc.Category)
	}
	grade, ok := e.matrix.Grade(sc.Grade)
	if !ok {
		return store.Record{}, fmt.Errorf("%w: grade %q", ErrLookupMiss, sc.Grade)
	}
	track, ok := e.matrix.Track(sc.Category, sc.Group, sc.Track)
	if !ok {
		return store.Record{}, fmt.Errorf("%w: track %q", ErrLookupMiss, sc.Track)
	}
	rec := store.Record{
		UserID:        s.identity.UserID,
		Username:      s.identity.Username,
		FullName:      sc.FullName,
		CategoryKey:   cat.Key,
		CategoryLabel: cat.Label,
		GradeKey:      grade.Key,
		GradeLabel:    grade.Label,
		TrackKey:      track.Key,
		TrackTitle:    track.Title,
	}
	if sc.Option != "" {
		opt, ok := track.Option(sc.Option)
		if !ok {
			return store.Record{}, fmt.Errorf("%w: option %q", ErrLookupMiss, sc.Option)
		}
		rec.OptionKey = opt.Key
		rec.OptionTitle = opt.Title
	}
	return rec, nil
}

func (e *Engine) commit(ctx context.Context, s *Session) (Reply, error) {
	rec, err := e.record(s)
	if err != nil {
		// Scratch no longer resolves; send the user back to track selection.
		s.scratch.clearTrack()
		r := e.advance(s, StateAwaitingTrack)
		r.Notice = NoticeInvalidChoice
		r.Reason = err
		return r, nil
	}

	id, err := e.store.Save(ctx, rec)
	if err != nil {
		metrics.Registrations.WithLabelValues("failed").Inc()
		r := e.reprompt(s, NoticeStoreFailed, nil)
		return r, &StoreError{Err: err}
	}
	metrics.Registrations.WithLabelValues("ok").Inc()
	rec.ID = id

	identity := s.identity
	e.ledger.Enqueue(e.layout.Registration(rec), func(err error) {
		if err == nil {
			return
		}
		var me *ledger.MirrorError
		if !errors.As(err, &me) {
			err = &ledger.MirrorError{Key: fmt.Sprint(id), Err: err}
		}
		if e.mirrorFailed != nil {
			e.mirrorFailed(identity, id, err)
		}
	})

	summary := e.summary(s)
	r := e.finish(s, OutcomeRegistered, id)
	r.Summary = summary
	return r, nil
}

func (e *Engine) finish(s *Session, outcome Outcome, recordID int64) Reply {
	s.state = StateTerminal
	e.sessions.Dispose(s)
	if outcome == OutcomeRegistered {
		logging.Engine("Registration %d committed for user %d", recordID, s.identity.UserID)
	} else {
		logging.EngineDebug("Conversation cancelled for user %d", s.identity.UserID)
	}
	return Reply{
		Kind:     ReplyTerminal,
		State:    StateTerminal,
		Outcome:  outcome,
		RecordID: recordID,
	}
}

// =============================================================================
// REPLIES
// =============================================================================

func (e *Engine) advance(s *Session, next State) Reply {
	s.state = next
	return e.reply(s, ReplyAdvance, NoticeNone, nil)
}

func (e *Engine) reprompt(s *Session, notice Notice, reason error) Reply {
	return e.reply(s, ReplyPrompt, notice, reason)
}

// reply describes the question for the session's current state.
func (e *Engine) reply(s *Session, kind ReplyKind, notice Notice, reason error) Reply {
	r := Reply{
		Kind:     kind,
		State:    s.state,
		Notice:   notice,
		Reason:   reason,
		Controls: []Input{Cancel()},
	}

	switch s.state {
	case StateAwaitingCategory:
		for _, c := range e.matrix.Categories() {
			r.Choices = append(r.Choices, Choice{Input: Select(FieldCategory, c.Key), Label: c.Label})
		}
	case StateAwaitingGrade:
		for _, g := range e.matrix.Grades() {
			r.Choices = append(r.Choices, Choice{Input: Select(FieldGrade, g.Key), Label: g.Label})
		}
	case StateAwaitingTrack:
		r.Choices = e.trackChoices(s)
		if len(r.Choices) == 0 && r.Notice == NoticeNone {
			r.Notice = NoticeNoTracks
		}
	case StateAwaitingOption:
		if t, ok := e.matrix.Track(s.scratch.Category, s.scratch.Group, s.scratch.Track); ok {
			for _, o := range t.Options {
				r.Choices = append(r.Choices, Choice{Input: Select(FieldOption, o.Key), Label: o.Title})
			}
		}
		r.Controls = []Input{Back(), Cancel()}
	case StateAwaitingConfirmation:
		r.Summary = e.summary(s)
		r.Controls = []Input{Confirm(), Edit(), Cancel()}
	}
	return r
}

func (e *Engine) trackChoices(s *Session) []Choice {
	tracks := e.matrix.Resolve(s.scratch.Category, s.scratch.Group)
	choices := make([]Choice, 0, len(tracks))
	for _, t := range tracks {
		choices = append(choices, Choice{Input: Select(FieldTrack, t.Key), Label: t.Title})
	}
	return choices
}

func (e *Engine) summary(s *Session) *Summary {
	sc := s.scratch
	sum := &Summary{FullName: sc.FullName}
	if c, ok := e.matrix.Category(sc.Category); ok {
		sum.CategoryLabel = c.Label
	}
	if g, ok := e.matrix.Grade(sc.Grade); ok {
		sum.GradeLabel = g.Label
	}
	if t, ok := e.matrix.Track(sc.Category, sc.Group, sc.Track); ok {
		sum.TrackTitle = t.Title
		if o, ok := t.Option(sc.Option); ok {
			sum.OptionTitle = o.Title
		}
	}
	return sum
}
