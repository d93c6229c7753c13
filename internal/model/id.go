package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OptimisticPrefix marks locally generated ids in their string form.
const OptimisticPrefix = "optimistic_"

// ErrInvalidID indicates an id that is neither confirmed nor a well-formed optimistic id.
var ErrInvalidID = errors.New("invalid message id")

// ID identifies a message. It is either a durable id issued by the backend
// or an optimistic id generated locally before the backend confirmed the write.
// The zero value is the empty id.
type ID struct {
	confirmed  string
	optimistic uuid.UUID
}

// ConfirmedID wraps a backend-issued id.
func ConfirmedID(value string) ID {
	return ID{confirmed: strings.TrimSpace(value)}
}

// NewOptimisticID returns a fresh locally generated id.
func NewOptimisticID() ID {
	return ID{optimistic: uuid.New()}
}

// ParseID decodes the string form produced by String.
func ParseID(value string) (ID, error) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, OptimisticPrefix); ok {
		parsed, err := uuid.Parse(rest)
		if err != nil {
			return ID{}, fmt.Errorf("%w: %s: %v", ErrInvalidID, value, err)
		}
		return ID{optimistic: parsed}, nil
	}
	return ConfirmedID(value), nil
}

// IsOptimistic reports whether the id was generated locally.
func (id ID) IsOptimistic() bool {
	return id.optimistic != uuid.Nil
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id.optimistic == uuid.Nil && id.confirmed == ""
}

// String returns the wire form of the id.
func (id ID) String() string {
	if id.IsOptimistic() {
		return OptimisticPrefix + id.optimistic.String()
	}
	return id.confirmed
}

// MarshalJSON encodes the id as a JSON string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes an id previously encoded with MarshalJSON.
func (id *ID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	parsed, err := ParseID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
