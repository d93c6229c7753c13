package core

import (
	"context"
	"fmt"
	"strings"
)

// Streamer opens a completion stream for a single request. The returned
// channel yields EventStart, zero or more EventTextDelta, then exactly one
// EventDone or EventError before it is closed.
type Streamer interface {
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
}

// EventType identifies stream event variants.
type EventType string

const (
	EventStart     EventType = "start"
	EventTextDelta EventType = "text_delta"
	EventUsage     EventType = "usage"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Request is the provider-agnostic streaming request.
type Request struct {
	ThreadID    string
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	Retry       RetryPolicy
}

// Validate checks the fields every provider needs.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	return nil
}

// DonePayload carries the final status when the stream ends.
type DonePayload struct {
	Reason StopReason
	Usage  Usage
}

// Event is the provider-agnostic streaming event.
type Event struct {
	Type      EventType
	TextDelta string
	Usage     *Usage
	Done      *DonePayload
	Err       error
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 {
	return &v
}
