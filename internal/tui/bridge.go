package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"elucide/internal/chat"
)

type (
	threadChangedMsg struct{}
	loadingMsg       struct{ loading bool }
	streamEndedMsg   struct{}
	chatErrorMsg     struct{ err error }
)

// bridge turns controller callbacks, which arrive on arbitrary goroutines,
// into BubbleTea messages. Change notifications coalesce so a fast stream
// cannot back up the UI.
type bridge struct {
	events chan tea.Msg
	dirty  chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newBridge() *bridge {
	return &bridge{
		events: make(chan tea.Msg, 64),
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *bridge) observer() chat.Observer {
	return chat.Observer{
		OnChange:  b.changed,
		OnLoading: func(loading bool) { b.send(loadingMsg{loading: loading}) },
		OnFinish:  func() { b.send(streamEndedMsg{}) },
		OnError:   func(err error) { b.send(chatErrorMsg{err: err}) },
	}
}

func (b *bridge) changed() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

func (b *bridge) send(msg tea.Msg) {
	select {
	case b.events <- msg:
	case <-b.done:
	}
}

// next waits for one message. Ordered events drain before a pending change.
func (b *bridge) next() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.events:
			return msg
		default:
		}
		select {
		case msg := <-b.events:
			return msg
		case <-b.dirty:
			return threadChangedMsg{}
		case <-b.done:
			return nil
		}
	}
}

func (b *bridge) close() {
	b.once.Do(func() { close(b.done) })
}
