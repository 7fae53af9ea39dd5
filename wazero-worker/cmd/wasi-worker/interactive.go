package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aperturerobotics/go-wasi-worker/proxy"
)

// maxHistory is how many lines of conversation the UI keeps on screen.
const maxHistory = 20

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	sentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	replyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	ctx      context.Context
	registry *proxy.Registry
	replies  <-chan reply
	input    textinput.Model
	history  []string
	err      error
}

type replyMsg reply

type postedMsg struct {
	text string
	err  error
}

func newInteractiveModel(ctx context.Context, registry *proxy.Registry, replies <-chan reply) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "message"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()

	return &interactiveModel{
		ctx:      ctx,
		registry: registry,
		replies:  replies,
		input:    ti,
	}
}

func runInteractive(ctx context.Context, registry *proxy.Registry, replies <-chan reply) error {
	_, err := tea.NewProgram(newInteractiveModel(ctx, registry, replies)).Run()
	return err
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForReply)
}

// waitForReply blocks until a worker sends something back.
func (m *interactiveModel) waitForReply() tea.Msg {
	return replyMsg(<-m.replies)
}

func (m *interactiveModel) post(text string) tea.Cmd {
	return func() tea.Msg {
		_, err := broadcast(m.ctx, m.registry, text)
		return postedMsg{text: text, err: err}
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "enter":
			text := m.input.Value()
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.err = nil
			return m, m.post(text)
		}

	case postedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.push(sentStyle.Render("you: ") + msg.text)
		return m, nil

	case replyMsg:
		m.push(replyStyle.Render(fmt.Sprintf("worker %d: ", msg.worker)) + msg.text)
		return m, m.waitForReply
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *interactiveModel) push(line string) {
	m.history = append(m.history, line)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("wasi-worker"))
	b.WriteString(fmt.Sprintf(" %d workers\n\n", m.registry.Len()))

	for _, line := range m.history {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("enter send • esc quit"))

	return b.String()
}
