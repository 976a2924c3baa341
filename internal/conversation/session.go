package conversation

import (
	"context"
	"sync"
	"time"

	"contestbot/internal/logging"
	"contestbot/internal/metrics"
)

// Identity is the external account a conversation belongs to.
type Identity struct {
	UserID   int64
	ChatID   int64
	Username string
}

// Session is one live conversation. Turns on a session are serialized by mu.
type Session struct {
	mu       sync.Mutex
	id       string
	identity Identity
	state    State
	scratch  Scratch
	lastSeen time.Time
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Scratch returns a copy of the collected answers.
func (s *Session) Scratch() Scratch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scratch
}

// Table holds at most one session per user id.
type Table struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	now      func() time.Time
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		sessions: make(map[int64]*Session),
		now:      time.Now,
	}
}

// Start replaces any session held by id with a fresh one awaiting a name.
func (t *Table) Start(id Identity) *Session {
	s := &Session{
		id:       logging.NewRequestID(),
		identity: id,
		state:    StateAwaitingName,
		lastSeen: t.now(),
	}

	t.mu.Lock()
	if old, ok := t.sessions[id.UserID]; ok {
		logging.SessionDebug("Restarting session %s for user %d", old.id, id.UserID)
	}
	t.sessions[id.UserID] = s
	n := len(t.sessions)
	t.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	logging.Session("Session %s started for user %d", s.id, id.UserID)
	return s
}

// Get returns the live session for userID.
func (t *Table) Get(userID int64) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[userID]
	return s, ok
}

// Dispose removes s if it is still the session held for its identity. A
// session replaced by a restart is left alone.
func (t *Table) Dispose(s *Session) {
	t.mu.Lock()
	cur, ok := t.sessions[s.identity.UserID]
	if ok && cur == s {
		delete(t.sessions, s.identity.UserID)
	}
	n := len(t.sessions)
	t.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	logging.SessionDebug("Session %s disposed", s.id)
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sweep disposes sessions idle for longer than ttl and returns how many were
// removed. Sessions with a turn in progress are skipped.
func (t *Table) Sweep(ttl time.Duration) int {
	cutoff := t.now().Add(-ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for uid, s := range t.sessions {
		if !s.mu.TryLock() {
			continue
		}
		idle := s.lastSeen.Before(cutoff)
		if idle {
			s.state = StateTerminal
		}
		s.mu.Unlock()
		if idle {
			delete(t.sessions, uid)
			removed++
		}
	}
	metrics.ActiveSessions.Set(float64(len(t.sessions)))
	if removed > 0 {
		logging.Session("Swept %d idle sessions", removed)
	}
	return removed
}

// RunJanitor sweeps every interval until ctx ends.
func (t *Table) RunJanitor(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = ttl / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ttl)
		}
	}
}
