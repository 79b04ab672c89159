package realtime

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// Error means reconnect attempts are exhausted. Only an explicit Connect
	// leaves it.
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// active reports whether the manager is trying to be connected.
func (s State) active() bool {
	return s == Connecting || s == Connected || s == Reconnecting
}
