package console

import (
	"context"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"contestbot/internal/conversation"
	"contestbot/internal/ledger"
	"contestbot/internal/matrix"
	"contestbot/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var local = conversation.Identity{UserID: 1, ChatID: 1, Username: "console"}

func newModel(t *testing.T) (Model, *store.LocalStore) {
	t.Helper()
	mx, err := matrix.Default()
	require.NoError(t, err)
	st, err := store.NewLocalStore(store.Options{Path: filepath.Join(t.TempDir(), "console.sqlite3")})
	require.NoError(t, err)
	writer := ledger.NewWriter(ledger.Nop{}, ledger.WriterOptions{})
	t.Cleanup(func() {
		writer.Close(context.Background())
		st.Close()
	})

	engine, err := conversation.NewEngine(conversation.Options{Matrix: mx, Store: st, Ledger: writer})
	require.NoError(t, err)
	return New(context.Background(), engine, local), st
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func typeText(t *testing.T, m Model, s string) Model {
	t.Helper()
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

// choose selects the list entry carrying token and presses enter.
func choose(t *testing.T, m Model, token string) Model {
	t.Helper()
	for i, it := range m.list.Items() {
		if it.(buttonItem).button.Token == token {
			m.list.Select(i)
			return update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
		}
	}
	t.Fatalf("no choice %q in %v", token, m.list.Items())
	return m
}

func TestConsoleRegistration(t *testing.T) {
	m, st := newModel(t)
	assert.True(t, m.textMode)

	m = typeText(t, m, "Ali Hassan")
	assert.False(t, m.textMode)
	assert.Len(t, m.list.Items(), 3, "two categories plus cancel")

	m = choose(t, m, "cat:m")
	m = choose(t, m, "grade:g5")
	m = choose(t, m, "track:m46_t2")
	m = choose(t, m, "opt:o3")
	assert.Contains(t, m.Prompt(), "Ali Hassan")

	m = choose(t, m, "confirm")
	assert.True(t, m.Done())

	rec, err := st.Latest(context.Background(), local.UserID)
	require.NoError(t, err)
	assert.Equal(t, "المسار المرئي", rec.OptionTitle)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestConsoleShortNameStaysInTextMode(t *testing.T) {
	m, _ := newModel(t)
	first := m.Prompt()

	m = typeText(t, m, "Al")
	assert.True(t, m.textMode)
	assert.NotEqual(t, first, m.Prompt())
	assert.Empty(t, m.input.Value())
}

func TestConsoleEscCancels(t *testing.T) {
	m, st := newModel(t)
	m = typeText(t, m, "Ali Hassan")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.True(t, next.(Model).Done())

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsoleViewShowsPrompt(t *testing.T) {
	m, _ := newModel(t)
	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})
	assert.Contains(t, m.View(), m.Prompt())
}
