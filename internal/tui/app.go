package tui

import (
	"context"
	"errors"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"elucide/internal/chat"
	"elucide/internal/model"
	"elucide/internal/threads"
)

const (
	defaultAppWidth       = 100
	defaultSidebarWidth   = 32
	minimumChatPanelWidth = 40
	minimumSidebarVisible = 18
	autoTitleLength       = 48
)

// AppConfig configures the root BubbleTea model.
type AppConfig struct {
	Version     string
	ModelName   string
	ThemeName   string
	ShowSidebar bool
	Env         *chat.Env
	Controller  *chat.Controller
	Threads     *threads.Store
	// Models lists the names /model accepts.
	Models []string
	// InitialThread is selected on start; empty picks the most recent thread.
	InitialThread string
}

type threadsLoadedMsg struct {
	threads []model.Thread
	err     error
}

type threadCreatedMsg struct {
	thread model.Thread
	err    error
}

type threadDeletedMsg struct {
	id  string
	err error
}

type selectorKind string

const (
	selectorKindThread selectorKind = "thread"
	selectorKindModel  selectorKind = "model"
)

type selectorItem struct {
	Value string
	Label string
}

type selectorState struct {
	Kind   selectorKind
	Title  string
	Items  []selectorItem
	Cursor int
}

// App is the root TUI model.
type App struct {
	theme       Theme
	showSidebar bool

	env        *chat.Env
	controller *chat.Controller
	threads    *threads.Store
	models     []string
	modelName  string
	initial    string

	ctx    context.Context
	cancel context.CancelFunc
	events *bridge

	width  int
	height int

	status   StatusModel
	chat     ChatModel
	input    InputModel
	sidebar  SidebarModel
	selector *selectorState
	loading  bool
	// queued is a message typed before any thread existed; it is sent once
	// the thread created for it is selected.
	queued string
}

// NewApp constructs the root TUI model with defaults.
func NewApp(cfg AppConfig) *App {
	ctx, cancel := context.WithCancel(context.Background())
	m := &App{
		theme:       ResolveTheme(cfg.ThemeName),
		showSidebar: cfg.ShowSidebar,
		env:         cfg.Env,
		controller:  cfg.Controller,
		threads:     cfg.Threads,
		models:      append([]string(nil), cfg.Models...),
		modelName:   strings.TrimSpace(cfg.ModelName),
		initial:     strings.TrimSpace(cfg.InitialThread),
		ctx:         ctx,
		cancel:      cancel,
		events:      newBridge(),
		width:       defaultAppWidth,
		status:      NewStatusModel(cfg.Version, cfg.ModelName),
		chat:        NewChatModel(0),
		input:       NewInputModel(">", "Type a message and press Enter, /help for commands"),
	}
	if m.controller != nil {
		m.controller.Watch(m.events.observer())
	}
	return m
}

// Init loads the thread list and starts listening for chat events.
func (m *App) Init() tea.Cmd {
	cmds := []tea.Cmd{m.events.next()}
	if m.threads != nil {
		cmds = append(cmds, m.loadThreads())
	}
	if m.initial != "" && m.controller != nil {
		m.selectThread(m.initial)
	}
	return tea.Batch(cmds...)
}

// Update applies state changes from user input and runtime events.
func (m *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chat.SetViewportHeight(m.chatViewportHeight())
		return m, nil

	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case threadChangedMsg:
		m.syncFromController()
		return m, m.events.next()

	case loadingMsg:
		m.loading = msg.loading
		m.syncFromController()
		return m, m.events.next()

	case streamEndedMsg:
		m.syncFromController()
		return m, m.events.next()

	case chatErrorMsg:
		m.appendError(msg.err)
		return m, m.events.next()

	case threadsLoadedMsg:
		if msg.err != nil {
			m.appendError(msg.err)
			return m, nil
		}
		m.sidebar.Threads = msg.threads
		if m.controller != nil && m.controller.ThreadID() == "" && m.initial == "" && len(msg.threads) > 0 {
			m.selectThread(msg.threads[0].ID.String())
		}
		m.syncFromController()
		return m, nil

	case threadCreatedMsg:
		if msg.err != nil {
			m.queued = ""
			m.appendError(msg.err)
			m.syncFromController()
			return m, nil
		}
		m.selectNewThread(msg.thread.ID.String())
		if queued := m.queued; queued != "" {
			m.queued = ""
			m.send(queued)
		}
		return m, nil

	case threadDeletedMsg:
		if msg.err != nil {
			m.appendError(msg.err)
		} else {
			m.chat.Notice("system", "Deleted thread.")
		}
		m.syncFromController()
		return m, nil
	}

	return m, nil
}

// View renders status bar, sidebar, chat, and input line.
func (m *App) View() string {
	width := m.width
	if width <= 0 {
		width = defaultAppWidth
	}

	statusLine := m.status.Render(width, m.theme)
	body := m.renderBody(width)
	inputLine := m.input.Render(width, m.theme)
	return strings.Join([]string{statusLine, body, inputLine}, "\n")
}

// Close stops listening for chat events.
func (m *App) Close() {
	m.events.close()
	m.cancel()
}

func (m *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		m.Close()
		return tea.Quit
	case "ctrl+t":
		m.openThreadSelector()
		return nil
	case "esc":
		if m.selector != nil {
			m.selector = nil
			return nil
		}
		m.stop()
		return nil
	case "q":
		if m.selector == nil && strings.TrimSpace(m.input.Value()) == "" && !m.streaming() {
			m.Close()
			return tea.Quit
		}
	}

	if m.selector != nil {
		return m.handleSelectorKey(msg)
	}
	if m.handleChatScrollKey(msg) {
		return nil
	}
	if submitted := m.input.HandleKey(msg); submitted {
		return m.handleInputSubmit(m.input.Commit())
	}
	return nil
}

func (m *App) handleInputSubmit(content string) tea.Cmd {
	if content == "" {
		return nil
	}
	if strings.HasPrefix(content, "/") {
		return m.handleSlashCommand(content)
	}
	if m.controller == nil {
		m.appendError(errors.New("chat is not configured"))
		return nil
	}
	if m.controller.Current() == nil {
		if m.threads == nil {
			m.appendError(chat.ErrNoThread)
			return nil
		}
		m.queued = content
		return m.createThread()
	}
	m.send(content)
	return nil
}

func (m *App) send(content string) {
	session := m.controller.Current()
	if session == nil {
		m.appendError(chat.ErrNoThread)
		return
	}
	if err := session.Append(m.ctx, chat.Input{Content: content, Model: m.modelName}); err != nil {
		m.appendError(err)
		return
	}
	m.autoTitle(session.ThreadID(), content)
}

// autoTitle names an untitled thread after its first message.
func (m *App) autoTitle(threadID, content string) {
	if m.threads == nil {
		return
	}
	th, ok := m.threads.Get(threadID)
	if !ok || th.Title != nil {
		return
	}
	title := truncate(strings.Join(strings.Fields(content), " "), autoTitleLength)
	if _, err := m.threads.Update(m.ctx, threadID, model.ThreadPatch{Title: model.StringPtr(title)}, true); err != nil {
		m.appendError(err)
	}
}

func (m *App) stop() {
	if session := m.currentSession(); session != nil && session.IsLoading() {
		session.Stop()
		m.chat.Notice("system", "Stopped.")
	}
}

func (m *App) selectThread(threadID string) {
	if m.controller == nil {
		return
	}
	m.chat.Clear()
	m.controller.Select(m.ctx, threadID)
	m.syncFromController()
}

func (m *App) selectNewThread(threadID string) {
	if m.controller == nil {
		return
	}
	m.chat.Clear()
	m.controller.SelectNew(m.ctx, threadID)
	m.syncFromController()
}

func (m *App) loadThreads() tea.Cmd {
	store, ctx := m.threads, m.ctx
	return func() tea.Msg {
		list, err := store.Fetch(ctx)
		return threadsLoadedMsg{threads: list, err: err}
	}
}

func (m *App) createThread() tea.Cmd {
	if m.threads == nil {
		m.appendError(errors.New("thread list is not configured"))
		return nil
	}
	store, ctx := m.threads, m.ctx
	return func() tea.Msg {
		th, err := store.Create(ctx)
		return threadCreatedMsg{thread: th, err: err}
	}
}

func (m *App) deleteThread(threadID string) tea.Cmd {
	if m.controller != nil && m.controller.ThreadID() == threadID {
		m.selectThread("")
	}
	store, ctx := m.threads, m.ctx
	return func() tea.Msg {
		return threadDeletedMsg{id: threadID, err: store.Delete(ctx, threadID)}
	}
}

func (m *App) currentSession() *chat.Session {
	if m.controller == nil {
		return nil
	}
	return m.controller.Current()
}

func (m *App) streaming() bool {
	session := m.currentSession()
	return session != nil && session.IsLoading()
}

// syncFromController copies the selected session into the view models.
func (m *App) syncFromController() {
	if m.threads != nil {
		m.sidebar.Threads = m.threads.List()
		m.sidebar.Unsynced = m.threads.HasPending()
	}
	if m.env != nil {
		m.status.Pending = m.env.Store().Ledger.Len()
	}

	session := m.currentSession()
	if session == nil {
		m.sidebar.Current = ""
		m.sidebar.Loading = false
		m.status.ThreadTitle = ""
		m.status.SetState("idle")
		m.chat.SetStreaming(false)
		m.chat.SetMessages(nil)
		return
	}

	threadID := session.ThreadID()
	m.sidebar.Current = threadID
	m.status.ThreadTitle = threadID
	if m.threads != nil {
		if th, ok := m.threads.Get(threadID); ok {
			m.status.ThreadTitle = threadTitle(th)
		}
	}

	streaming := session.IsLoading()
	fetching := m.loading && !streaming
	m.sidebar.Loading = fetching
	switch {
	case fetching:
		m.status.SetState("loading")
	default:
		m.status.SetState(string(session.State()))
	}
	m.chat.SetStreaming(streaming)
	m.chat.SetMessages(toChatMessages(session.Messages(), streaming))
}

func toChatMessages(messages []model.Message, streaming bool) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for i, msg := range messages {
		last := i == len(messages)-1
		if strings.TrimSpace(msg.Content) == "" && !(streaming && last) {
			continue
		}
		out = append(out, ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
			Pending: msg.ID.IsOptimistic(),
		})
	}
	return out
}

func (m *App) appendError(err error) {
	if err == nil {
		return
	}
	m.chat.Notice("error", err.Error())
	m.status.SetState("error")
}

func (m *App) openThreadSelector() {
	if m.threads == nil {
		return
	}
	list := m.threads.List()
	if len(list) == 0 {
		m.chat.Notice("system", "No threads yet. Use /new to start one.")
		return
	}
	current := ""
	if m.controller != nil {
		current = m.controller.ThreadID()
	}
	items := make([]selectorItem, 0, len(list))
	cursor := 0
	for i, th := range list {
		label := threadTitle(th) + "  (" + th.UpdatedAt.Local().Format("Jan 2 15:04") + ")"
		if th.ID.String() == current {
			label += "  [current]"
			cursor = i
		}
		items = append(items, selectorItem{Value: th.ID.String(), Label: label})
	}
	m.selector = &selectorState{Kind: selectorKindThread, Title: "Select Thread", Items: items, Cursor: cursor}
}

func (m *App) openModelSelector() {
	if len(m.models) == 0 {
		m.chat.Notice("system", "Model: "+m.modelName)
		return
	}
	items := make([]selectorItem, 0, len(m.models))
	cursor := 0
	for i, name := range m.models {
		label := name
		if name == m.modelName {
			label += "  [current]"
			cursor = i
		}
		items = append(items, selectorItem{Value: name, Label: label})
	}
	m.selector = &selectorState{Kind: selectorKindModel, Title: "Select Model", Items: items, Cursor: cursor}
}

func (m *App) handleSelectorKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyUp:
		m.selector.Cursor--
		if m.selector.Cursor < 0 {
			m.selector.Cursor = len(m.selector.Items) - 1
		}
	case tea.KeyDown:
		m.selector.Cursor++
		if m.selector.Cursor >= len(m.selector.Items) {
			m.selector.Cursor = 0
		}
	case tea.KeyEnter:
		m.confirmSelector()
	}
	return nil
}

func (m *App) confirmSelector() {
	if m.selector == nil || len(m.selector.Items) == 0 {
		m.selector = nil
		return
	}
	selected := m.selector.Items[m.selector.Cursor]
	kind := m.selector.Kind
	m.selector = nil

	switch kind {
	case selectorKindThread:
		if m.controller != nil && selected.Value != m.controller.ThreadID() {
			m.selectThread(selected.Value)
		}
	case selectorKindModel:
		m.setModel(selected.Value)
	}
}

func (m *App) setModel(name string) {
	m.modelName = name
	m.status.ModelName = name
	m.chat.Notice("system", "Model set to "+name+".")
}

func (m *App) renderBody(width int) string {
	m.chat.SetViewportHeight(m.chatViewportHeight())
	main := func(w int) string {
		if m.selector != nil {
			return m.renderSelectorPanel(w)
		}
		return m.chat.Render(w, m.theme)
	}
	if !m.showSidebar {
		return main(width)
	}

	sidebarWidth := defaultSidebarWidth
	if width/3 < sidebarWidth {
		sidebarWidth = width / 3
	}
	if sidebarWidth < minimumSidebarVisible {
		sidebarWidth = minimumSidebarVisible
	}
	mainWidth := width - sidebarWidth - 1
	if mainWidth < minimumChatPanelWidth {
		mainWidth = minimumChatPanelWidth
		sidebarWidth = width - mainWidth - 1
	}
	if sidebarWidth <= 0 {
		return main(width)
	}

	sidebarView := m.sidebar.Render(sidebarWidth, m.chatViewportHeight(), m.theme)
	return lipgloss.JoinHorizontal(lipgloss.Top, sidebarView, main(mainWidth))
}

func (m *App) renderSelectorPanel(width int) string {
	if m.selector == nil || len(m.selector.Items) == 0 {
		return renderPanel(width, m.theme.PanelStyle, "No selectable items.")
	}
	lines := make([]string, 0, len(m.selector.Items)+2)
	lines = append(lines, m.selector.Title)
	lines = append(lines, "Use ↑/↓ to navigate, Enter to confirm, Esc to cancel.")
	for index, item := range m.selector.Items {
		prefix := "  "
		if index == m.selector.Cursor {
			prefix = "> "
		}
		lines = append(lines, prefix+item.Label)
	}
	return renderPanel(width, m.theme.PanelStyle, strings.Join(lines, "\n"))
}

func (m *App) handleChatScrollKey(msg tea.KeyMsg) bool {
	switch msg.Type {
	case tea.KeyUp:
		m.chat.ScrollUp(1)
	case tea.KeyDown:
		m.chat.ScrollDown(1)
	case tea.KeyPgUp:
		m.chat.PageUp()
	case tea.KeyPgDown:
		m.chat.PageDown()
	case tea.KeyHome:
		m.chat.ScrollToTop()
	case tea.KeyEnd:
		m.chat.ScrollToBottom()
	default:
		return false
	}
	return true
}

func (m *App) chatViewportHeight() int {
	if m.height <= 0 {
		return 0
	}

	const nonBodyRows = 2 // status + input
	bodyHeight := m.height - nonBodyRows
	if bodyHeight < 1 {
		return 1
	}

	contentHeight := bodyHeight - m.theme.PanelStyle.GetVerticalFrameSize()
	if contentHeight < 1 {
		return 1
	}
	return contentHeight
}
