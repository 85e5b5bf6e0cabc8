package stream

// State is the connection state of one topic.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Reconnecting reports whether s is the advisory "reconnecting" condition.
func (s State) Reconnecting() bool {
	return s == Backoff
}
