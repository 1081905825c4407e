package log

import (
	"time"
)

// MaxFrameData bounds the raw bytes kept in a FrameEvent.
const MaxFrameData = 4096

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ExchangeID identifies the exchange (UUID). Empty for session events.
	ExchangeID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates data flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the relay address (host:port).
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// DeviceID is the device identifier (populated once known).
	DeviceID string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport layer
	Exchange    *ExchangeEvent    `cbor:"11,keyasint,omitempty"` // Exchange layer
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Session state
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of data flow.
type Direction uint8

const (
	// DirectionIn indicates data received from the relay.
	DirectionIn Direction = 0
	// DirectionOut indicates data sent to the relay.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the socket layer (raw bytes).
	LayerTransport Layer = 0
	// LayerExchange is the HTTP exchange state machine.
	LayerExchange Layer = 1
	// LayerSession is the relay session.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerExchange:
		return "EXCHANGE"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// ParseLayer parses a layer name as printed by String.
func ParseLayer(s string) (Layer, bool) {
	for _, l := range []Layer{LayerTransport, LayerExchange, LayerSession} {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryFrame indicates raw bytes on the wire.
	CategoryFrame Category = 0
	// CategoryExchange indicates an exchange phase transition or outcome.
	CategoryExchange Category = 1
	// CategoryState indicates a session state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryExchange:
		return "EXCHANGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name as printed by String.
func ParseCategory(s string) (Category, bool) {
	for _, c := range []Category{CategoryFrame, CategoryExchange, CategoryState, CategoryError} {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// FrameEvent captures raw bytes written to or read from the socket.
type FrameEvent struct {
	// Size is the number of bytes transferred.
	Size int `cbor:"1,keyasint"`

	// Data is the raw bytes (may be truncated to MaxFrameData).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// NewFrameEvent builds a FrameEvent, truncating data to MaxFrameData.
func NewFrameEvent(data []byte) *FrameEvent {
	fe := &FrameEvent{Size: len(data)}
	if len(data) > MaxFrameData {
		fe.Data = append([]byte(nil), data[:MaxFrameData]...)
		fe.Truncated = true
	} else {
		fe.Data = append([]byte(nil), data...)
	}
	return fe
}

// ExchangeEvent captures an exchange phase transition.
type ExchangeEvent struct {
	// Kind is the operation kind (register, poll, respond, notify).
	Kind string `cbor:"1,keyasint,omitempty"`

	// Method is the HTTP method.
	Method string `cbor:"2,keyasint,omitempty"`

	// URL is the exchange target.
	URL string `cbor:"3,keyasint,omitempty"`

	// OldPhase is the phase left (empty for the first event).
	OldPhase string `cbor:"4,keyasint,omitempty"`

	// NewPhase is the phase entered.
	NewPhase string `cbor:"5,keyasint"`

	// StatusCode is the HTTP status once the exchange is done.
	StatusCode int `cbor:"6,keyasint,omitempty"`

	// Elapsed is the time since the exchange started.
	// Stored as nanoseconds.
	Elapsed time.Duration `cbor:"7,keyasint,omitempty"`
}

// StateChangeEvent captures session lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySession indicates a relay session state change.
	StateEntitySession StateEntity = 0
	// StateEntityPolling indicates a poll interval change.
	StateEntityPolling StateEntity = 1
	// StateEntityIdentity indicates a credential change (never carries secrets).
	StateEntityIdentity StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityPolling:
		return "POLLING"
	case StateEntityIdentity:
		return "IDENTITY"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the HTTP status code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
