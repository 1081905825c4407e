package relay

import "time"

// SessionState is the connection state of a session.
type SessionState uint8

const (
	// StateIdle means the session is not running.
	StateIdle SessionState = iota

	// StateRegistering means a registration exchange is in flight.
	StateRegistering

	// StateConnected means the device is registered and polling.
	StateConnected

	// StateDisconnected means the session lost the relay and waits to
	// register again.
	StateDisconnected
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRegistering:
		return "REGISTERING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Kind identifies an operation kind. At most one exchange per kind is in
// flight at any time.
type Kind uint8

const (
	KindRegister Kind = iota
	KindPoll
	KindRespond
	KindNotify
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindPoll:
		return "poll"
	case KindRespond:
		return "respond"
	case KindNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	State                 SessionState
	DeviceID              string
	PublicURL             string
	TokenEndpoint         string
	ConsecutiveEmptyPolls int
	NextPollInterval      time.Duration
	ActiveExchanges       []string
	PendingRequests       int
	Reconnecting          bool
}
