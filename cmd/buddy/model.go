package main

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"writingbuddy/pkg/client"
	"writingbuddy/pkg/domain"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	pendingStyle   = lipgloss.NewStyle().Faint(true)
)

type uiText struct {
	placeholder string
	help        string
	completed   string
	homework    string
	free        string
	you         string
	buddy       string
	thinking    string
}

var uiTexts = map[string]uiText{
	"en": {
		placeholder: "Write here…",
		help:        "enter send · ctrl+f finish · esc quit",
		completed:   "completed",
		homework:    "homework",
		free:        "free writing",
		you:         "You",
		buddy:       "Buddy",
		thinking:    "Buddy is thinking",
	},
	"he": {
		placeholder: "כתבו כאן…",
		help:        "enter שליחה · ctrl+f סיימתי · esc יציאה",
		completed:   "הושלם",
		homework:    "משימה מהמורה",
		free:        "כתיבה חופשית",
		you:         "את/ה",
		buddy:       "באדי",
		thinking:    "באדי חושב",
	},
}

type openedMsg struct{ err error }

type turnDoneMsg struct{ err error }

type finishedMsg struct{ err error }

type model struct {
	ctx        context.Context
	api        client.API
	transcript *client.Transcript
	text       uiText

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	busy   bool
	ready  bool
	width  int
	height int
}

func newModel(ctx context.Context, api client.API, transcript *client.Transcript, locale string) model {
	text, ok := uiTexts[locale]
	if !ok {
		text = uiTexts["en"]
	}
	ta := textarea.New()
	ta.Placeholder = text.placeholder
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		ctx:        ctx,
		api:        api,
		transcript: transcript,
		text:       text,
		viewport:   viewport.New(80, 20),
		input:      ta,
		spinner:    sp,
		busy:       true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick, m.open())
}

func (m model) open() tea.Cmd {
	return func() tea.Msg {
		return openedMsg{err: m.transcript.Open(m.ctx)}
	}
}

// send runs the API half of a turn whose optimistic entry is already shown.
func (m model) send(p *client.PendingTurn) tea.Cmd {
	id := m.transcript.Session().ID
	return func() tea.Msg {
		reply, err := m.api.SendMessage(m.ctx, id, p.Text)
		if err != nil {
			_ = m.transcript.Rollback(p, err)
			return turnDoneMsg{err: err}
		}
		return turnDoneMsg{err: m.transcript.Confirm(p, reply)}
	}
}

func (m model) finish() tea.Cmd {
	return func() tea.Msg {
		_, err := m.transcript.Finish(m.ctx)
		return finishedMsg{err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.SetWidth(msg.Width)
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-m.input.Height()-4, 3)
		if r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(max(msg.Width-4, 20))); err == nil {
			m.renderer = r
		}
		m.ready = true
		m.refresh()
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if m.busy || m.transcript.Session().Status == domain.StatusCompleted {
				return m, nil
			}
			p, err := m.transcript.Begin(m.input.Value())
			if err != nil {
				return m, nil
			}
			m.input.Reset()
			m.busy = true
			m.refresh()
			return m, tea.Batch(m.send(p), m.spinner.Tick)
		case "ctrl+f":
			if m.busy || m.transcript.Session().Status == domain.StatusCompleted {
				return m, nil
			}
			m.busy = true
			return m, tea.Batch(m.finish(), m.spinner.Tick)
		}
	case openedMsg, finishedMsg:
		m.busy = false
		m.refresh()
	case turnDoneMsg:
		m.busy = false
		if msg.err != nil && m.input.Value() == "" {
			m.input.SetValue(m.transcript.TakeInput())
		}
		m.refresh()
	case spinner.TickMsg:
		if m.busy {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *model) refresh() {
	if !m.ready {
		return
	}
	var b strings.Builder
	for _, e := range m.transcript.Entries() {
		if e.Role == domain.RoleUser {
			line := userLabel.Render(m.text.you+":") + " " + e.Content
			if e.LocalID != "" {
				line = pendingStyle.Render(line)
			}
			b.WriteString(line + "\n\n")
			continue
		}
		b.WriteString(assistantLabel.Render(m.text.buddy+":") + "\n")
		b.WriteString(m.markdown(e.Content) + "\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m model) markdown(s string) string {
	if m.renderer == nil {
		return s
	}
	out, err := m.renderer.Render(s)
	if err != nil {
		return s
	}
	return strings.TrimRight(out, "\n")
}

func (m model) View() string {
	if !m.ready {
		return m.spinner.View() + " " + m.text.thinking
	}
	session := m.transcript.Session()
	kind := m.text.free
	if session.Kind == domain.KindHomework {
		kind = m.text.homework
	}
	header := titleStyle.Render(session.Title) + " " + mutedStyle.Render(kind)
	if session.Status == domain.StatusCompleted {
		header += mutedStyle.Render(" · " + m.text.completed)
	}

	footer := mutedStyle.Render(m.text.help)
	if m.busy {
		footer = m.spinner.View() + " " + m.text.thinking
	} else if err := m.transcript.Err(); err != nil {
		footer = errorStyle.Render(errorText(err))
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), m.input.View(), footer)
}

func errorText(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
