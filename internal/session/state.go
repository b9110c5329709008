package session

// State is the connection state of a [Client].
type State int

const (
	// StateDisconnected means no transport is open.
	StateDisconnected State = iota
	// StateConnecting means the transport is being dialed.
	StateConnecting
	// StateConnected means the transport is open but the handshake has
	// not started.
	StateConnected
	// StateAuthenticating means the handshake is in progress.
	StateAuthenticating
	// StateReady means the handshake completed, the tool catalog is
	// loaded and tool calls are accepted.
	StateReady
)

// String returns the lower-case state name used in logs and events.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	State            State  `json:"-"`
	StateName        string `json:"state"`
	SessionID        string `json:"session_id,omitempty"`
	Ready            bool   `json:"ready"`
	Tools            int    `json:"tools"`
	ReconnectAttempt int    `json:"reconnect_attempt"`
}
