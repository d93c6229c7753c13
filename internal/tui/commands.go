package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"elucide/internal/model"
)

// handleSlashCommand parses and handles one slash command.
func (m *App) handleSlashCommand(content string) tea.Cmd {
	parts := strings.Fields(strings.TrimSpace(content))
	if len(parts) == 0 {
		return nil
	}
	command := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]

	switch command {
	case "help":
		m.chat.Notice("system", strings.Join([]string{
			"Slash commands:",
			"/new               start a thread",
			"/threads           pick a thread (ctrl+t)",
			"/refresh           refetch the current thread",
			"/stop              stop the reply (esc)",
			"/model [name]      show or switch the model",
			"/rename <title>    rename the current thread",
			"/delete            delete the current thread",
			"/sync              push queued thread edits",
		}, "\n"))
	case "new":
		return m.createThread()
	case "threads":
		m.openThreadSelector()
	case "refresh":
		if m.controller == nil {
			return nil
		}
		if err := m.controller.Refresh(m.ctx); err != nil {
			m.appendError(err)
		}
	case "stop":
		m.stop()
	case "model":
		if len(args) == 0 {
			m.openModelSelector()
			return nil
		}
		name := args[0]
		if len(m.models) > 0 && !contains(m.models, name) {
			m.appendError(fmt.Errorf("unknown model %q", name))
			return nil
		}
		m.setModel(name)
	case "rename":
		return m.renameCurrent(strings.TrimSpace(strings.Join(args, " ")))
	case "delete":
		id := m.currentThreadID()
		if id == "" || m.threads == nil {
			m.appendError(fmt.Errorf("no thread selected"))
			return nil
		}
		return m.deleteThread(id)
	case "sync":
		if m.threads == nil {
			return nil
		}
		store, ctx := m.threads, m.ctx
		return func() tea.Msg {
			if err := store.SyncPending(ctx); err != nil {
				return chatErrorMsg{err: err}
			}
			return threadChangedMsg{}
		}
	default:
		m.appendError(fmt.Errorf("unknown command /%s, try /help", command))
	}
	return nil
}

func (m *App) renameCurrent(title string) tea.Cmd {
	id := m.currentThreadID()
	if id == "" || m.threads == nil {
		m.appendError(fmt.Errorf("no thread selected"))
		return nil
	}
	if title == "" {
		m.appendError(fmt.Errorf("usage: /rename <title>"))
		return nil
	}
	if _, err := m.threads.Update(m.ctx, id, model.ThreadPatch{Title: model.StringPtr(title)}, true); err != nil {
		m.appendError(err)
		return nil
	}
	m.syncFromController()
	return nil
}

func (m *App) currentThreadID() string {
	if m.controller == nil {
		return ""
	}
	return m.controller.ThreadID()
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
