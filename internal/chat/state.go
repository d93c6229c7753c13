package chat

// State is the per-session turn status.
type State string

const (
	StateIdle       State = "idle"
	StateSending    State = "sending"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateCancelled  State = "cancelled"
	StateErrored    State = "errored"
)

// Loading reports whether the state belongs to an unfinished stream.
func (s State) Loading() bool {
	return s == StateSending || s == StateStreaming
}
