package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	realtime "github.com/koscakluka/aria-core/core"
	"github.com/koscakluka/aria-core/core/session"
	"github.com/muesli/reflow/wordwrap"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#5A56E0")).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#C6C6C6"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4444"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))
)

type eventKind int

const (
	eventResponse eventKind = iota
	eventTranscript
	eventState
	eventFailure
	eventLevel
)

type event struct {
	kind  eventKind
	text  string
	state session.State
	level float64
}

type eventMsg event

type connectedMsg struct{ err error }

type sentMsg struct{ err error }

type line struct {
	speaker string
	text    string
}

type model struct {
	orchestrator *realtime.Orchestrator
	events       <-chan event

	input   textinput.Model
	spinner spinner.Model
	level   progress.Model

	width  int
	height int

	state      session.State
	micLevel   float64
	lines      []line
	failure    string
	connecting bool
}

func newModel(orchestrator *realtime.Orchestrator, events <-chan event) model {
	input := textinput.New()
	input.Placeholder = "Type a message, or just speak"
	input.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5A56E0"))

	level := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(30),
		progress.WithoutPercentage(),
	)

	return model{
		orchestrator: orchestrator,
		events:       events,
		input:        input,
		spinner:      s,
		level:        level,
		state:        session.StateIdle,
		connecting:   true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.listenForEvents(),
		m.connect(),
		textinput.Blink,
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			_ = m.orchestrator.Disconnect()
			return m, tea.Quit
		case "esc":
			_ = m.orchestrator.Interrupt()
			return m, nil
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.lines = append(m.lines, line{speaker: "you", text: text})
			return m, m.send(text)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 4

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case connectedMsg:
		m.connecting = false
		if msg.err != nil {
			m.failure = msg.err.Error()
		}

	case sentMsg:
		if msg.err != nil {
			m.failure = msg.err.Error()
		}

	case eventMsg:
		m = m.handleEvent(event(msg))
		cmds = append(cmds, m.listenForEvents())

	case progress.FrameMsg:
		levelModel, cmd := m.level.Update(msg)
		m.level = levelModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) handleEvent(e event) model {
	switch e.kind {
	case eventResponse, eventTranscript:
		// Text finals and speech transcripts often carry the same response.
		if n := len(m.lines); n > 0 && m.lines[n-1].speaker == "assistant" && m.lines[n-1].text == e.text {
			break
		}
		m.lines = append(m.lines, line{speaker: "assistant", text: e.text})
	case eventState:
		m.state = e.state
		if e.state != session.StateError {
			m.failure = ""
		}
	case eventFailure:
		m.failure = e.text
	case eventLevel:
		m.micLevel = e.level
	}
	return m
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("aria assistant"))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	b.WriteString(m.renderConversation())
	b.WriteString("\n")

	if m.failure != "" {
		b.WriteString(errorStyle.Render("! " + m.failure))
		b.WriteString("\n\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter: send  esc: interrupt  ctrl+c: quit"))

	return b.String()
}

func (m model) renderStatus() string {
	parts := []string{}

	switch {
	case m.connecting:
		parts = append(parts, m.spinner.View()+" connecting")
	case m.state == session.StateProcessing:
		parts = append(parts, m.spinner.View()+" "+activeStyle.Render("thinking"))
	default:
		parts = append(parts, statusStyle.Render(string(m.state)))
	}

	parts = append(parts, fmt.Sprintf("mic %s", m.level.ViewAs(m.micLevel)))

	return strings.Join(parts, "  ")
}

func (m model) renderConversation() string {
	width := m.width - 4
	if width < 20 {
		width = 20
	}

	start := 0
	if len(m.lines) > 12 {
		start = len(m.lines) - 12
	}

	var b strings.Builder
	for _, l := range m.lines[start:] {
		text := wordwrap.String(l.text, width)
		if l.speaker == "you" {
			b.WriteString(userStyle.Render("you: ") + text)
		} else {
			b.WriteString(assistantStyle.Render(text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) listenForEvents() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.events)
	}
}

func (m model) connect() tea.Cmd {
	return func() tea.Msg {
		return connectedMsg{err: m.orchestrator.Connect(context.Background())}
	}
}

func (m model) send(text string) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{err: m.orchestrator.SendText(text)}
	}
}
