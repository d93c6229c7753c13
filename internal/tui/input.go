package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// InputModel stores a single-line prompt buffer with submit history.
type InputModel struct {
	prompt      string
	placeholder string
	value       []rune

	history []string
	// recall indexes history while browsing; len(history) means the live line.
	recall int
}

// NewInputModel constructs the input state.
func NewInputModel(prompt, placeholder string) InputModel {
	p := strings.TrimSpace(prompt)
	if p == "" {
		p = ">"
	}
	return InputModel{
		prompt:      p,
		placeholder: strings.TrimSpace(placeholder),
	}
}

// Value returns current raw input text.
func (m InputModel) Value() string {
	return string(m.value)
}

// SetValue replaces input text.
func (m *InputModel) SetValue(value string) {
	m.value = []rune(value)
}

// Clear resets input text.
func (m *InputModel) Clear() {
	m.value = nil
	m.recall = len(m.history)
}

// Commit records value in history and clears the line.
func (m *InputModel) Commit() string {
	value := strings.TrimSpace(string(m.value))
	if value != "" && (len(m.history) == 0 || m.history[len(m.history)-1] != value) {
		m.history = append(m.history, value)
	}
	m.Clear()
	return value
}

// HandleKey mutates input state and reports submit key.
func (m *InputModel) HandleKey(msg tea.KeyMsg) (submitted bool) {
	switch msg.Type {
	case tea.KeyEnter:
		return true
	case tea.KeyBackspace, tea.KeyDelete:
		if len(m.value) > 0 {
			m.value = m.value[:len(m.value)-1]
		}
		return false
	case tea.KeyCtrlU:
		m.value = nil
		return false
	case tea.KeyCtrlP:
		m.browse(-1)
		return false
	case tea.KeyCtrlN:
		m.browse(1)
		return false
	case tea.KeySpace:
		m.value = append(m.value, ' ')
		return false
	}

	if len(msg.Runes) > 0 {
		m.value = append(m.value, msg.Runes...)
	}
	return false
}

func (m *InputModel) browse(step int) {
	next := m.recall + step
	if next < 0 || next > len(m.history) {
		return
	}
	m.recall = next
	if next == len(m.history) {
		m.value = nil
		return
	}
	m.value = []rune(m.history[next])
}

// Render draws the input line.
func (m InputModel) Render(width int, theme Theme) string {
	value := string(m.value)
	valueStyle := theme.InputTextStyle
	if strings.TrimSpace(value) == "" {
		value = m.placeholder
		valueStyle = theme.InputPlaceholderTextStyle
	}

	line := theme.InputPromptStyle.Render(m.prompt+" ") + valueStyle.Render(value)
	if width > 0 {
		return lipgloss.NewStyle().Width(width).Render(line)
	}
	return line
}
