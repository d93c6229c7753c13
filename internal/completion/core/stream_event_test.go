package core

import (
	"context"
	"errors"
	"testing"
)

func TestSendEventDelivered(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 1)
	if err := SendEvent(context.Background(), events, Event{Type: EventStart}); err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}
	if got := <-events; got.Type != EventStart {
		t.Fatalf("event type = %q, want %q", got.Type, EventStart)
	}
}

func TestSendEventCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SendEvent(ctx, make(chan Event), Event{Type: EventStart})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SendEvent() error = %v, want context canceled", err)
	}
}

func TestSendTerminalEventDropsWhenFull(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 1)
	SendTerminalEvent(events, Event{Type: EventDone})
	SendTerminalEvent(events, Event{Type: EventError})
	if got := <-events; got.Type != EventDone {
		t.Fatalf("event type = %q, want %q", got.Type, EventDone)
	}
}

func TestCollectConcatenatesDeltas(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 4)
	events <- Event{Type: EventStart}
	events <- Event{Type: EventTextDelta, TextDelta: "a"}
	events <- Event{Type: EventTextDelta, TextDelta: "b"}
	events <- Event{Type: EventDone, Done: &DonePayload{Reason: StopReasonStop}}

	var seen int
	text, done, err := Collect(context.Background(), events, func(string) { seen++ })
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if text != "ab" || seen != 2 || done.Reason != StopReasonStop {
		t.Fatalf("Collect() = %q, %d deltas, %#v", text, seen, done)
	}
}

func TestCollectReportsErrorAndEarlyClose(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	events := make(chan Event, 2)
	events <- Event{Type: EventTextDelta, TextDelta: "part"}
	events <- Event{Type: EventError, Err: boom}
	text, _, err := Collect(context.Background(), events, nil)
	if !errors.Is(err, boom) || text != "part" {
		t.Fatalf("Collect() = %q, %v; want partial text and boom", text, err)
	}

	closed := make(chan Event)
	close(closed)
	if _, _, err := Collect(context.Background(), closed, nil); !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("Collect(closed) error = %v, want %v", err, ErrStreamEnded)
	}
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	var nilReq *Request
	if err := nilReq.Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("nil Validate() error = %v", err)
	}
	if err := (&Request{Model: "m"}).Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("no-messages Validate() error = %v", err)
	}
	if err := (&Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
