package core

import (
	"context"
	"strings"
)

// SendEvent forwards an event unless the context has already been canceled.
func SendEvent(ctx context.Context, events chan<- Event, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case events <- event:
		return nil
	}
}

// SendTerminalEvent emits a terminal event without cancellation checks.
// The events channel must have buffer capacity of at least 1 so that
// the producer does not hang when the consumer has stopped reading.
func SendTerminalEvent(events chan<- Event, event Event) {
	select {
	case events <- event:
	default:
	}
}

// AbortedEvent builds the terminal error event for a canceled stream.
func AbortedEvent(err error) Event {
	return Event{
		Type: EventError,
		Done: &DonePayload{Reason: StopReasonAborted},
		Err:  err,
	}
}

// Collect drains a stream and returns the concatenated text. onDelta, when
// non-nil, sees every text chunk in order.
func Collect(ctx context.Context, events <-chan Event, onDelta func(string)) (string, *DonePayload, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return b.String(), nil, ErrStreamEnded
			}
			switch ev.Type {
			case EventTextDelta:
				b.WriteString(ev.TextDelta)
				if onDelta != nil {
					onDelta(ev.TextDelta)
				}
			case EventDone:
				return b.String(), ev.Done, nil
			case EventError:
				return b.String(), ev.Done, ev.Err
			}
		}
	}
}
