package tui

import (
	"fmt"
	"strings"
)

// StatusModel renders the top status bar.
type StatusModel struct {
	Version     string
	ModelName   string
	ThreadTitle string
	State       string
	// Pending counts messages not yet confirmed by the backend.
	Pending int
}

// NewStatusModel constructs status data for rendering.
func NewStatusModel(version, modelName string) StatusModel {
	return StatusModel{
		Version:   strings.TrimSpace(version),
		ModelName: strings.TrimSpace(modelName),
		State:     "idle",
	}
}

// SetState updates the runtime state token.
func (m *StatusModel) SetState(state string) {
	m.State = strings.TrimSpace(state)
	if m.State == "" {
		m.State = "idle"
	}
}

// Render draws a one-line status bar.
func (m StatusModel) Render(width int, theme Theme) string {
	parts := []string{
		"elucide " + fallbackText(m.Version, "dev"),
		fallbackText(m.ModelName, "unknown-model"),
		"thread: " + fallbackText(m.ThreadTitle, "none"),
		"state: " + fallbackText(m.State, "idle"),
	}
	if m.Pending > 0 {
		parts = append(parts, fmt.Sprintf("unsynced: %d", m.Pending))
	}
	line := strings.Join(parts, " | ")
	style := theme.StatusBarStyle
	if width > 0 {
		style = style.Width(width)
	}
	return style.Render(line)
}

func fallbackText(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
