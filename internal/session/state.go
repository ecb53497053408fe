package session

import "fmt"

// State is the lifecycle phase of a Coordinator.
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateEstablished
	StateRestarting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRestarting:
		return "RESTARTING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
