// Package relaytest provides an in-process relay server for tests.
//
// The server speaks the device side of the relay protocol: registration,
// long-polling and the respond endpoint. Tests queue items for a device and
// observe everything the device sent.
package relaytest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by Server methods.
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrClosed        = errors.New("relay closed")
)

// Registration is a received registration body.
type Registration struct {
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	PasscodeHash string `json:"passcodeHash"`
	Version      string `json:"version"`
}

// Item is a poll item delivered to a device.
type Item struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Message is a message a device posted to the respond endpoint.
type Message struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// BodyString returns the message body, unquoting JSON strings.
func (m Message) BodyString() string {
	var s string
	if err := json.Unmarshal(m.Body, &s); err == nil {
		return s
	}
	return string(m.Body)
}

// Options configure a Server.
type Options struct {
	// PollWait is how long a poll is held open waiting for an item
	// (default: 50ms).
	PollWait time.Duration

	// RejectRegistration, if set, is returned as the registration error.
	RejectRegistration string

	// TLS serves https with a self-signed certificate. Use
	// Server.ClientTLSConfig to trust it.
	TLS bool

	// AnswerServerRequest, if set, produces the body of the server_response
	// queued for each server_request a device sends.
	AnswerServerRequest func(requestID string, body json.RawMessage) string
}

type device struct {
	id      string
	expired bool
	queue   []Item
	signal  chan struct{}
}

// Server is a fake relay.
type Server struct {
	opts Options
	srv  *httptest.Server

	mu            sync.Mutex
	devices       map[string]*device
	registrations []Registration
	bodies        [][]byte
	messages      []Message
	waiters       map[string]chan Message
	hits          int
	closed        bool
}

// NewServer starts a fake relay on a loopback address.
func NewServer(opts Options) *Server {
	if opts.PollWait <= 0 {
		opts.PollWait = 50 * time.Millisecond
	}
	s := &Server{
		opts:    opts,
		devices: make(map[string]*device),
		waiters: make(map[string]chan Message),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/device/register", s.handleRegister)
	mux.HandleFunc("GET /api/device/poll", s.handlePoll)
	mux.HandleFunc("POST /api/device/respond", s.handleRespond)
	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
	if opts.TLS {
		s.srv = httptest.NewTLSServer(counted)
	} else {
		s.srv = httptest.NewServer(counted)
	}
	return s
}

// ClientTLSConfig returns a client configuration trusting the server's
// certificate. It is nil for a plain http server.
func (s *Server) ClientTLSConfig() *tls.Config {
	cert := s.srv.Certificate()
	if cert == nil {
		return nil
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
}

// URL returns the relay base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// PublicURL returns the public URL handed out for a device.
func (s *Server) PublicURL(deviceID string) string {
	return s.srv.URL + "/d/" + deviceID
}

// TokenEndpoint returns the token endpoint handed out at registration.
func (s *Server) TokenEndpoint() string {
	return s.srv.URL + "/token"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for _, d := range s.devices {
		close(d.signal)
	}
	s.devices = map[string]*device{}
	s.mu.Unlock()
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// Registrations returns the registrations received so far.
func (s *Server) Registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Registration(nil), s.registrations...)
}

// Hits returns the number of HTTP requests received.
func (s *Server) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

// Bodies returns every request body received, in order.
func (s *Server) Bodies() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.bodies))
	copy(out, s.bodies)
	return out
}

// Messages returns every message posted to the respond endpoint.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// MessagesOfType returns the posted messages of one type.
func (s *Server) MessagesOfType(typ string) []Message {
	var out []Message
	for _, m := range s.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Enqueue queues an item for a registered device.
func (s *Server) Enqueue(deviceID string, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	d.queue = append(d.queue, item)
	select {
	case d.signal <- struct{}{}:
	default:
	}
	return nil
}

// Ping queues a keep-alive ping.
func (s *Server) Ping(deviceID string) error {
	return s.Enqueue(deviceID, Item{Type: "ping"})
}

// Expire makes the device's next poll return 410 Gone until it registers
// again.
func (s *Server) Expire(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.expired = true
		select {
		case d.signal <- struct{}{}:
		default:
		}
	}
}

// Request relays an HTTP request to the device and waits for its response.
func (s *Server) Request(ctx context.Context, deviceID, method, path, body string) (Message, error) {
	id := uuid.NewString()
	ch := make(chan Message, 1)

	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	err := s.Enqueue(deviceID, Item{
		Type:      "request",
		RequestID: id,
		Method:    method,
		Path:      path,
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      body,
	})
	if err != nil {
		return Message{}, err
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// WaitForDevice waits until some device has registered and returns its id.
func (s *Server) WaitForDevice(ctx context.Context) (string, error) {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		if regs := s.Registrations(); len(regs) > 0 {
			return regs[len(regs)-1].DeviceID, nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var reg Registration
	if err := json.Unmarshal(body, &reg); err != nil || reg.DeviceID == "" || reg.PasscodeHash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid registration"})
		return
	}
	if r.Header.Get("X-Device-Id") != reg.DeviceID {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device id header mismatch"})
		return
	}

	s.mu.Lock()
	s.registrations = append(s.registrations, reg)
	reject := s.opts.RejectRegistration
	if reject == "" {
		d, exists := s.devices[reg.DeviceID]
		if !exists {
			d = &device{id: reg.DeviceID, signal: make(chan struct{}, 1)}
			s.devices[reg.DeviceID] = d
		}
		d.expired = false
	}
	s.mu.Unlock()

	if reject != "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": reject})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"relayUrl":      s.PublicURL(reg.DeviceID),
		"tokenEndpoint": s.TokenEndpoint(),
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Device-Id")
	deadline := time.NewTimer(s.opts.PollWait)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		d, ok := s.devices[id]
		if !ok || d.expired {
			s.mu.Unlock()
			w.WriteHeader(http.StatusGone)
			return
		}
		if len(d.queue) > 0 {
			item := d.queue[0]
			d.queue = d.queue[1:]
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, item)
			return
		}
		signal := d.signal
		s.mu.Unlock()

		select {
		case _, open := <-signal:
			if !open {
				w.WriteHeader(http.StatusGone)
				return
			}
		case <-deadline.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil || msg.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message"})
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	waiter := s.waiters[msg.RequestID]
	answer := s.opts.AnswerServerRequest
	s.mu.Unlock()

	switch msg.Type {
	case "response":
		if waiter != nil {
			waiter <- msg
		}
	case "server_request":
		if answer != nil {
			deviceID := r.Header.Get("X-Device-Id")
			_ = s.Enqueue(deviceID, Item{
				Type:      "server_response",
				RequestID: msg.RequestID,
				Body:      answer(msg.RequestID, msg.Body),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	s.mu.Unlock()
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ContainsAny reports whether any body contains needle.
func ContainsAny(bodies [][]byte, needle string) bool {
	for _, b := range bodies {
		if strings.Contains(string(b), needle) {
			return true
		}
	}
	return false
}
