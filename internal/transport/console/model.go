// Package console drives the registration engine from a terminal, for local
// testing of a cohort matrix without a chat transport.
package console

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"contestbot/internal/articulation"
	"contestbot/internal/conversation"
	"contestbot/internal/logging"
)

// Styles used by the console view.
type Styles struct {
	Title  lipgloss.Style
	Prompt lipgloss.Style
	Error  lipgloss.Style
	Help   lipgloss.Style
}

// DefaultStyles returns the console palette.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		Prompt: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1),
		Error: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Help:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// buttonItem adapts articulation.Button to list.Item.
type buttonItem struct {
	button articulation.Button
}

func (i buttonItem) Title() string       { return i.button.Label }
func (i buttonItem) Description() string { return i.button.Token }
func (i buttonItem) FilterValue() string { return i.button.Label }

// Model is the bubbletea model for one local registration.
type Model struct {
	ctx      context.Context
	engine   *conversation.Engine
	renderer articulation.Renderer
	identity conversation.Identity

	input  textinput.Model
	list   list.Model
	styles Styles

	prompt   string
	textMode bool
	status   string
	done     bool
}

// New starts a session for identity and returns the model showing its first
// question.
func New(ctx context.Context, engine *conversation.Engine, identity conversation.Identity) Model {
	ti := textinput.New()
	ti.Placeholder = "الاسم الكامل"
	ti.CharLimit = 120
	ti.Focus()

	l := list.New(nil, list.NewDefaultDelegate(), 60, 20)
	l.Title = "contestbot"
	l.SetShowHelp(false)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))

	m := Model{
		ctx:      ctx,
		engine:   engine,
		renderer: articulation.NewRenderer(),
		identity: identity,
		input:    ti,
		list:     l,
		styles:   DefaultStyles(),
	}
	m.apply(engine.Start(identity))
	return m
}

// Done reports whether the conversation reached a terminal reply.
func (m Model) Done() bool {
	return m.done
}

// Prompt returns the text of the current question.
func (m Model) Prompt() string {
	return m.prompt
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, max(msg.Height-8, 4))
		m.input.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		if m.done {
			return m, tea.Quit
		}
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.handle(conversation.Cancel())
			return m, tea.Quit
		case tea.KeyEnter:
			m.submit()
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.textMode {
		m.input, cmd = m.input.Update(msg)
	} else {
		m.list, cmd = m.list.Update(msg)
	}
	return m, cmd
}

func (m *Model) submit() {
	if m.textMode {
		text := m.input.Value()
		m.input.Reset()
		m.handle(conversation.Text(text))
		return
	}
	item, ok := m.list.SelectedItem().(buttonItem)
	if !ok {
		return
	}
	in, ok := conversation.DecodeToken(item.button.Token)
	if !ok {
		m.status = "unknown choice " + item.button.Token
		return
	}
	m.handle(in)
}

func (m *Model) handle(in conversation.Input) {
	m.status = ""
	reply, err := m.engine.Handle(m.ctx, m.identity, in)
	var storeErr *conversation.StoreError
	switch {
	case errors.Is(err, conversation.ErrNoSession):
		m.prompt = articulation.NoSession().Text
		m.done = true
	case errors.As(err, &storeErr):
		m.apply(reply)
		m.status = storeErr.Error()
	case err != nil:
		logging.TransportWarn("Console turn failed: %v", err)
		m.status = err.Error()
	default:
		m.apply(reply)
	}
}

func (m *Model) apply(reply conversation.Reply) {
	msg := m.renderer.Render(reply)
	m.prompt = msg.Text
	m.done = reply.Kind == conversation.ReplyTerminal
	m.textMode = reply.State == conversation.StateAwaitingName

	var items []list.Item
	for _, row := range msg.Keyboard {
		for _, b := range row {
			items = append(items, buttonItem{button: b})
		}
	}
	m.list.SetItems(items)
	m.list.Select(0)
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Prompt.Render(m.prompt))
	b.WriteString("\n\n")

	switch {
	case m.done:
		b.WriteString(m.styles.Help.Render("اضغط أي زر للخروج"))
		return b.String()
	case m.textMode:
		b.WriteString(m.input.View())
	default:
		b.WriteString(m.list.View())
	}

	if m.status != "" {
		b.WriteString("\n" + m.styles.Error.Render(m.status))
	}
	b.WriteString("\n" + m.styles.Help.Render("enter: اختيار • esc: إلغاء"))
	return b.String()
}

// Run starts the program and blocks until the user quits or ctx ends.
func Run(ctx context.Context, engine *conversation.Engine, identity conversation.Identity) error {
	p := tea.NewProgram(New(ctx, engine, identity), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
