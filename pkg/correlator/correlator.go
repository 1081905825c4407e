// Package correlator matches responses relayed back by the server to the
// outbound requests that caused them.
//
// Each outbound request registers a continuation under its request id. When
// a response with that id arrives, Resolve removes the entry and invokes the
// continuation exactly once. Entries never expire on their own; CancelAll
// fails every outstanding entry at shutdown.
package correlator

import (
	"errors"
	"log/slog"
	"sync"
)

// Correlator errors.
var (
	ErrDuplicateID = errors.New("request id already pending")
	ErrEmptyID     = errors.New("empty request id")
)

// Continuation receives the body of the matching response, or an error.
type Continuation func(body []byte, err error)

// Correlator tracks pending outbound requests by id.
// It is safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]Continuation
	logger  *slog.Logger
}

// New creates an empty Correlator. logger may be nil.
func New(logger *slog.Logger) *Correlator {
	return &Correlator{
		pending: make(map[string]Continuation),
		logger:  logger,
	}
}

// Register adds a continuation for id.
func (c *Correlator) Register(id string, fn Continuation) error {
	if id == "" {
		return ErrEmptyID
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return ErrDuplicateID
	}
	c.pending[id] = fn
	return nil
}

// Resolve removes the entry for id and invokes its continuation. It reports
// false, and does nothing else, when id is not pending; a response can
// legitimately arrive after its request was cancelled.
func (c *Correlator) Resolve(id string, body []byte, err error) bool {
	c.mu.Lock()
	fn, exists := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !exists {
		if c.logger != nil {
			c.logger.Debug("response for unknown request id", "request_id", id)
		}
		return false
	}
	if fn != nil {
		fn(body, err)
	}
	return true
}

// Pending reports whether id is waiting for a response.
func (c *Correlator) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.pending[id]
	return exists
}

// Len returns the number of pending entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CancelAll resolves every pending entry with err and empties the table.
// It returns the number of entries cancelled.
func (c *Correlator) CancelAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]Continuation)
	c.mu.Unlock()

	for _, fn := range pending {
		if fn != nil {
			fn(nil, err)
		}
	}
	return len(pending)
}
