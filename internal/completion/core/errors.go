package core

import "errors"

var (
	// ErrInvalidRequest indicates missing or malformed completion request input.
	ErrInvalidRequest = errors.New("invalid completion request")
	// ErrMissingAPIKey indicates missing provider API key.
	ErrMissingAPIKey = errors.New("missing api key")
	// ErrUnknownModel indicates a model name absent from the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrStreamEnded indicates the stream closed without a terminal event.
	ErrStreamEnded = errors.New("stream ended without terminal event")
)
