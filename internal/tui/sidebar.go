package tui

import (
	"fmt"
	"strings"

	"elucide/internal/model"
)

const untitledThread = "Untitled"

// SidebarModel lists the user's threads, most recent first.
type SidebarModel struct {
	Threads []model.Thread
	Current string
	Loading bool
	// Unsynced reports thread edits queued for the backend.
	Unsynced bool
}

// Render draws the thread list panel.
func (m SidebarModel) Render(width, height int, theme Theme) string {
	lines := []string{"Threads"}
	if m.Loading {
		lines[0] += " (loading)"
	}
	if len(m.Threads) == 0 {
		lines = append(lines, "  none, /new to start")
	}
	for _, th := range m.Threads {
		title := truncate(threadTitle(th), width-6)
		if th.ID.String() == m.Current {
			lines = append(lines, theme.SelectedThreadStyle.Render("> "+title))
			continue
		}
		if th.ID.IsOptimistic() {
			title += theme.PendingStyle.Render(" ·")
		}
		lines = append(lines, "  "+title)
	}
	if m.Unsynced {
		lines = append(lines, "", theme.PendingStyle.Render("edits pending sync"))
	}
	if height > 0 && len(lines) > height {
		lines = append(lines[:height-1], fmt.Sprintf("  +%d more", len(lines)-height+1))
	}
	return renderPanel(width, theme.SidebarStyle, strings.Join(lines, "\n"))
}

func threadTitle(th model.Thread) string {
	if th.Title != nil && strings.TrimSpace(*th.Title) != "" {
		return strings.TrimSpace(*th.Title)
	}
	return untitledThread
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 1 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
