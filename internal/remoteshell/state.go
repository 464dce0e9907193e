package remoteshell

// State is a step in a client's connection lifecycle. States only move
// forward; Failed and Closed are terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateChannelOpen
	StatePtyRequested
	StateShellActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateChannelOpen:
		return "channel_open"
	case StatePtyRequested:
		return "pty_requested"
	case StateShellActive:
		return "shell_active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
