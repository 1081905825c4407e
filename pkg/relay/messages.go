package relay

import (
	"encoding/json"
)

// Poll item and message types.
const (
	TypeRequest        = "request"
	TypeServerResponse = "server_response"
	TypePing           = "ping"
	TypeResponse       = "response"
	TypePong           = "pong"
	TypeNotification   = "notification"
	TypeServerRequest  = "server_request"
)

// RegisterMessage is the registration request body. It carries only the
// passcode hash, never the passcode.
type RegisterMessage struct {
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	PasscodeHash string `json:"passcodeHash"`
	Version      string `json:"version"`
}

// RegisterReply is the relay's answer to a registration.
type RegisterReply struct {
	RelayURL      string `json:"relayUrl,omitempty"`
	TokenEndpoint string `json:"tokenEndpoint,omitempty"`
	Error         string `json:"error,omitempty"`
}

// PollItem is one item returned by a non-empty poll.
type PollItem struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Status    int               `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// RespondMessage answers a relayed request. Body is text; see Response.Body.
type RespondMessage struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// NotificationMessage is an unsolicited message to the relay.
type NotificationMessage struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// ServerRequestMessage is a device-initiated request; its response arrives
// later as a server_response poll item with the same RequestID.
type ServerRequestMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Body      json.RawMessage `json:"body"`
}

// errorBody is the synthesized body for failed handler invocations.
const errorBody = `{"error":"internal error"}`

// decodeBody returns the payload of a body field. The relay sends bodies as
// JSON strings; any other JSON value is passed through verbatim.
func decodeBody(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return []byte(raw)
}

// rawJSON returns body as a JSON value, or null when empty.
func rawJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	s, _ := json.Marshal(string(body))
	return json.RawMessage(s)
}
