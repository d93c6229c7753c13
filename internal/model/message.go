package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ErrInvalidMessage indicates a message payload rejected before reaching the backend.
var ErrInvalidMessage = errors.New("invalid message")

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is one conversation record, either confirmed or optimistic.
type Message struct {
	ID        ID        `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMessage is the create payload sent to the backend.
type NewMessage struct {
	ThreadID string `json:"thread_id"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	Model    string `json:"model,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Validate checks the fields the backend requires.
func (m NewMessage) Validate() error {
	if strings.TrimSpace(m.ThreadID) == "" {
		return fmt.Errorf("%w: thread_id is required", ErrInvalidMessage)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unsupported role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}

// ToNew converts a local message into its backend create payload.
func (m Message) ToNew() NewMessage {
	return NewMessage{
		ThreadID: m.ThreadID,
		Role:     m.Role,
		Content:  m.Content,
		Model:    m.Model,
		ImageURL: m.ImageURL,
	}
}

// CloneMessages returns a copy of list that shares no backing array.
func CloneMessages(list []Message) []Message {
	if list == nil {
		return nil
	}
	return append([]Message(nil), list...)
}

// IndexOf returns the position of id in list, or -1.
func IndexOf(list []Message, id ID) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// ReplaceByID swaps the message identified by id with replacement at the same
// position. It reports false and leaves list untouched when id is absent.
func ReplaceByID(list []Message, id ID, replacement Message) bool {
	i := IndexOf(list, id)
	if i < 0 {
		return false
	}
	list[i] = replacement
	return true
}

// RemoveIDs returns list without the given ids, preserving order.
func RemoveIDs(list []Message, ids ...ID) []Message {
	if len(ids) == 0 {
		return list
	}
	drop := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := list[:0:0]
	for _, msg := range list {
		if _, ok := drop[msg.ID]; ok {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Merge builds the thread view [...confirmed, ...pending]. Ids already present
// keep their first position; later duplicates are dropped.
func Merge(confirmed, pending []Message) []Message {
	out := make([]Message, 0, len(confirmed)+len(pending))
	seen := make(map[ID]struct{}, len(confirmed)+len(pending))
	for _, group := range [][]Message{confirmed, pending} {
		for _, msg := range group {
			if _, ok := seen[msg.ID]; ok {
				continue
			}
			seen[msg.ID] = struct{}{}
			out = append(out, msg)
		}
	}
	return out
}
