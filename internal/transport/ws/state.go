package ws

// State is the connection manager's lifecycle.
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Reconnecting -> Connected
//	Connecting|Reconnecting -> ConnectionFailed|ConnectionTimedOut
//
// Terminal states are left only through an explicit Connect.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateConnectionFailed
	StateConnectionTimedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateConnectionFailed:
		return "ConnectionFailed"
	case StateConnectionTimedOut:
		return "ConnectionTimedOut"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state needs an explicit Connect to leave.
func (s State) Terminal() bool {
	return s == StateConnectionFailed || s == StateConnectionTimedOut
}

// Resumed reports whether a transition restored a dropped connection.
func Resumed(prev, next State) bool {
	return prev == StateReconnecting && next == StateConnected
}
