package supervisor

// State is the lifecycle phase of one feed.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
