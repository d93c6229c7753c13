package mockprovider

import (
	"context"
	"sync"
	"time"

	"elucide/internal/completion/core"
)

// Provider emits a predefined event script for deterministic tests. When
// Events is empty, Reply is streamed word by word followed by EventDone.
type Provider struct {
	Events []core.Event
	Reply  string
	Delay  time.Duration
	// OpenErr, when set, is returned from Stream before any event.
	OpenErr error

	mu       sync.Mutex
	requests []core.Request
}

// Stream emits scripted events in order until exhaustion or cancellation.
func (m *Provider) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if req != nil {
		m.mu.Lock()
		m.requests = append(m.requests, *req)
		m.mu.Unlock()
	}

	script := m.Events
	if len(script) == 0 {
		script = ReplyScript(m.Reply)
	}

	out := make(chan core.Event, 1)
	go func() {
		defer close(out)
		for _, ev := range script {
			if m.Delay > 0 {
				if err := core.SleepContext(ctx, m.Delay); err != nil {
					core.SendTerminalEvent(out, core.AbortedEvent(err))
					return
				}
			}
			if err := core.SendEvent(ctx, out, ev); err != nil {
				core.SendTerminalEvent(out, core.AbortedEvent(err))
				return
			}
		}
	}()

	return out, nil
}

// Requests returns copies of every request the provider has seen.
func (m *Provider) Requests() []core.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Request(nil), m.requests...)
}

// ReplyScript builds start, one delta per word, and done.
func ReplyScript(reply string) []core.Event {
	events := []core.Event{{Type: core.EventStart}}
	start := 0
	for i := 0; i < len(reply); i++ {
		if reply[i] == ' ' {
			events = append(events, core.Event{Type: core.EventTextDelta, TextDelta: reply[start : i+1]})
			start = i + 1
		}
	}
	if start < len(reply) {
		events = append(events, core.Event{Type: core.EventTextDelta, TextDelta: reply[start:]})
	}
	return append(events, core.Event{Type: core.EventDone, Done: &core.DonePayload{Reason: core.StopReasonStop}})
}
