package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme contains style tokens used by the terminal UI.
type Theme struct {
	Name                      string
	StatusBarStyle            lipgloss.Style
	PanelStyle                lipgloss.Style
	SidebarStyle              lipgloss.Style
	SelectedThreadStyle       lipgloss.Style
	UserPrefixStyle           lipgloss.Style
	AssistantPrefixStyle      lipgloss.Style
	SystemPrefixStyle         lipgloss.Style
	PendingStyle              lipgloss.Style
	ErrorStyle                lipgloss.Style
	InputPromptStyle          lipgloss.Style
	InputTextStyle            lipgloss.Style
	InputPlaceholderTextStyle lipgloss.Style
}

// ResolveTheme returns the configured theme or the dark default.
func ResolveTheme(name string) Theme {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "light":
		return newLightTheme()
	default:
		return newDarkTheme()
	}
}

type palette struct {
	name       string
	statusFG   string
	statusBG   string
	border     string
	muted      string
	user       string
	assistant  string
	system     string
	selectedFG string
	text       string
	errorFG    string
}

func newDarkTheme() Theme {
	return buildTheme(palette{
		name:       "dark",
		statusFG:   "230",
		statusBG:   "63",
		border:     "63",
		muted:      "245",
		user:       "39",
		assistant:  "220",
		system:     "111",
		selectedFG: "229",
		text:       "252",
		errorFG:    "203",
	})
}

func newLightTheme() Theme {
	return buildTheme(palette{
		name:       "light",
		statusFG:   "16",
		statusBG:   "189",
		border:     "246",
		muted:      "240",
		user:       "25",
		assistant:  "94",
		system:     "31",
		selectedFG: "19",
		text:       "16",
		errorFG:    "160",
	})
}

func buildTheme(p palette) Theme {
	panel := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(p.border)).
		Padding(0, 1)
	return Theme{
		Name: p.name,
		StatusBarStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color(p.statusFG)).
			Background(lipgloss.Color(p.statusBG)).
			Padding(0, 1),
		PanelStyle:           panel,
		SidebarStyle:         panel,
		SelectedThreadStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color(p.selectedFG)).Bold(true),
		UserPrefixStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color(p.user)).Bold(true),
		AssistantPrefixStyle: lipgloss.NewStyle().Foreground(lipgloss.Color(p.assistant)).Bold(true),
		SystemPrefixStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color(p.system)).Bold(true),
		PendingStyle:         lipgloss.NewStyle().Foreground(lipgloss.Color(p.muted)),
		ErrorStyle:           lipgloss.NewStyle().Foreground(lipgloss.Color(p.errorFG)).Bold(true),
		InputPromptStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color(p.user)).Bold(true),
		InputTextStyle:       lipgloss.NewStyle().Foreground(lipgloss.Color(p.text)),
		InputPlaceholderTextStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color(p.muted)).
			Italic(true),
	}
}
