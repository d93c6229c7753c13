package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const defaultChatLimit = 500

// ChatMessage is one rendered chat item.
type ChatMessage struct {
	Role    string
	Content string
	// Pending marks a message the backend has not confirmed yet.
	Pending bool
}

// ChatModel mirrors the selected thread's messages plus local notices.
type ChatModel struct {
	messages    []ChatMessage
	notices     []ChatMessage
	maxMessages int
	scrollTop   int
	// streaming renders a cursor after the last assistant message.
	streaming bool

	// viewportHeight is the number of visible content lines inside the chat panel.
	// 0 means unconstrained.
	viewportHeight int
}

// NewChatModel creates a chat buffer with retention limit.
func NewChatModel(maxMessages int) ChatModel {
	limit := maxMessages
	if limit <= 0 {
		limit = defaultChatLimit
	}
	return ChatModel{maxMessages: limit}
}

// SetMessages replaces the thread messages, keeping the view pinned to the
// bottom when it already was.
func (m *ChatModel) SetMessages(messages []ChatMessage) {
	wasAtBottom := m.isAtBottom()
	if overflow := len(messages) - m.maxMessages; overflow > 0 {
		messages = messages[overflow:]
	}
	m.messages = append([]ChatMessage(nil), messages...)
	m.settleScroll(wasAtBottom)
}

// SetStreaming toggles the streaming cursor.
func (m *ChatModel) SetStreaming(streaming bool) {
	m.streaming = streaming
}

// Notice appends a local line that is not part of the thread.
func (m *ChatModel) Notice(role, content string) {
	text := strings.TrimSpace(content)
	if text == "" {
		return
	}
	wasAtBottom := m.isAtBottom()
	m.notices = append(m.notices, ChatMessage{Role: strings.TrimSpace(role), Content: text})
	if overflow := len(m.notices) - m.maxMessages; overflow > 0 {
		m.notices = append([]ChatMessage(nil), m.notices[overflow:]...)
	}
	m.settleScroll(wasAtBottom)
}

// Messages returns the thread messages followed by notices.
func (m ChatModel) Messages() []ChatMessage {
	out := make([]ChatMessage, 0, len(m.messages)+len(m.notices))
	out = append(out, m.messages...)
	return append(out, m.notices...)
}

// Clear removes messages and notices.
func (m *ChatModel) Clear() {
	m.messages = nil
	m.notices = nil
	m.streaming = false
	m.scrollTop = 0
}

// SetViewportHeight configures the visible line count for chat content.
func (m *ChatModel) SetViewportHeight(height int) {
	if height < 0 {
		height = 0
	}
	m.viewportHeight = height
	m.clampScrollTop()
}

// ScrollUp moves the chat viewport up by lines.
func (m *ChatModel) ScrollUp(lines int) {
	if lines <= 0 {
		return
	}
	m.scrollTop -= lines
	m.clampScrollTop()
}

// ScrollDown moves the chat viewport down by lines.
func (m *ChatModel) ScrollDown(lines int) {
	if lines <= 0 {
		return
	}
	m.scrollTop += lines
	m.clampScrollTop()
}

// PageUp scrolls one viewport up.
func (m *ChatModel) PageUp() {
	m.ScrollUp(m.pageStep())
}

// PageDown scrolls one viewport down.
func (m *ChatModel) PageDown() {
	m.ScrollDown(m.pageStep())
}

// ScrollToTop jumps to the top of buffered chat lines.
func (m *ChatModel) ScrollToTop() {
	m.scrollTop = 0
}

// ScrollToBottom jumps to the most recent chat lines.
func (m *ChatModel) ScrollToBottom() {
	m.scrollTop = m.maxScrollTop()
}

// Render draws chat lines inside a panel.
func (m ChatModel) Render(width int, theme Theme) string {
	lines := m.lines(theme)
	if len(lines) == 0 {
		return renderPanel(width, theme.PanelStyle, "No messages yet.")
	}

	if m.viewportHeight > 0 && len(lines) > m.viewportHeight {
		start := m.scrollTop
		maxTop := len(lines) - m.viewportHeight
		if start < 0 {
			start = 0
		}
		if start > maxTop {
			start = maxTop
		}
		lines = lines[start : start+m.viewportHeight]
	}

	return renderPanel(width, theme.PanelStyle, strings.Join(lines, "\n"))
}

func (m ChatModel) lines(theme Theme) []string {
	all := m.Messages()
	lines := make([]string, 0, len(all))
	for i, message := range all {
		content := message.Content
		last := i == len(m.messages)-1
		if m.streaming && last && message.Role == "assistant" {
			content += "▍"
		}
		prefix, style := rolePrefix(message.Role, theme)
		raw := strings.Split(content, "\n")
		head := style.Render(prefix) + " " + raw[0]
		if message.Pending {
			head += theme.PendingStyle.Render(" ·")
		}
		lines = append(lines, head)
		lines = append(lines, raw[1:]...)
	}
	return lines
}

func rolePrefix(role string, theme Theme) (string, lipgloss.Style) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant":
		return "assistant:", theme.AssistantPrefixStyle
	case "system":
		return "system:", theme.SystemPrefixStyle
	case "error":
		return "error:", theme.ErrorStyle
	default:
		return "user:", theme.UserPrefixStyle
	}
}

func renderPanel(width int, style lipgloss.Style, content string) string {
	if width > 0 {
		return style.Width(width).Render(content)
	}
	return style.Render(content)
}

func (m *ChatModel) pageStep() int {
	if m.viewportHeight <= 0 {
		return 10
	}
	return m.viewportHeight
}

func (m *ChatModel) settleScroll(wasAtBottom bool) {
	if wasAtBottom {
		m.ScrollToBottom()
		return
	}
	m.clampScrollTop()
}

func (m *ChatModel) isAtBottom() bool {
	if m.viewportHeight <= 0 {
		return true
	}
	return m.scrollTop >= m.maxScrollTop()
}

func (m *ChatModel) maxScrollTop() int {
	if m.viewportHeight <= 0 {
		return 0
	}
	maxTop := m.totalRenderedLines() - m.viewportHeight
	if maxTop < 0 {
		return 0
	}
	return maxTop
}

func (m *ChatModel) clampScrollTop() {
	if m.scrollTop < 0 {
		m.scrollTop = 0
		return
	}
	maxTop := m.maxScrollTop()
	if m.scrollTop > maxTop {
		m.scrollTop = maxTop
	}
}

func (m *ChatModel) totalRenderedLines() int {
	total := 0
	for _, message := range m.Messages() {
		total += strings.Count(message.Content, "\n") + 1
	}
	return total
}
