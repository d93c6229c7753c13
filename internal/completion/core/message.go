package core

// Role identifies the message author in the canonical request format.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason represents the canonical reason a completion stopped.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// Message is one turn of conversation history. Only role and text travel
// to the model; ids and timestamps stay on the client.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage tracks provider token accounting when the provider reports it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TokenCount returns the total tokens consumed.
func (u Usage) TokenCount() int {
	return u.InputTokens + u.OutputTokens
}

// Clone returns a copy safe to share as pointer payload.
func (u Usage) Clone() *Usage {
	copied := u
	return &copied
}
