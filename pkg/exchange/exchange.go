package exchange

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devrelay/relay-go/pkg/httpwire"
	"github.com/devrelay/relay-go/pkg/log"
)

// Phase is the progress of an exchange.
type Phase uint8

const (
	// PhaseConnecting waits for the TCP connection.
	PhaseConnecting Phase = iota
	// PhaseHandshake waits for the TLS handshake (https only).
	PhaseHandshake
	// PhaseSending writes the request.
	PhaseSending
	// PhaseReceiving collects the response until the peer closes.
	PhaseReceiving
	// PhaseDone means a response was delivered.
	PhaseDone
	// PhaseError means the exchange failed.
	PhaseError
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseHandshake:
		return "HANDSHAKE"
	case PhaseSending:
		return "SENDING"
	case PhaseReceiving:
		return "RECEIVING"
	case PhaseDone:
		return "DONE"
	case PhaseError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further progress is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// Dialer opens network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var defaultDialer Dialer = &net.Dialer{}

// Request describes the HTTP request of an exchange.
type Request struct {
	// Kind labels the exchange in logs (e.g. "poll").
	Kind string

	// Method is the HTTP method. Empty means GET.
	Method string

	// URL is the absolute http or https target.
	URL string

	// Headers are additional request headers.
	Headers map[string]string

	// Body is the request body, possibly empty.
	Body []byte
}

// Callback receives the outcome of an exchange: a parsed response, or an
// *Error. It runs exactly once, from within Poll.
type Callback func(resp *httpwire.Response, err error)

type dialResult struct {
	conn net.Conn
	err  error
}

type rxChunk struct {
	data []byte
	err  error
}

// Exchange is one in-flight HTTP(S) exchange.
//
// Poll and Abort must be called from a single goroutine (the owner's event
// loop). The readiness goroutines only communicate through channels.
type Exchange struct {
	id       string
	cfg      Config
	req      Request
	target   *url.URL
	address  string
	secure   bool
	tlsConf  *tls.Config
	callback Callback

	phase           Phase
	started         time.Time
	connectDeadline time.Time
	deadline        time.Time

	ctx    context.Context
	cancel context.CancelFunc

	conn    net.Conn
	dialed  bool
	payload []byte
	sent    atomic.Int64

	dialCh chan dialResult
	hsCh   chan error
	sendCh chan error
	rxCh   chan rxChunk

	received []byte
	finished bool
}

// Start validates the request and begins connecting. It never blocks. An
// invalid URL is reported as an error and cb is not invoked.
func Start(cfg Config, req Request, cb Callback) (*Exchange, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	var secure bool
	switch strings.ToLower(target.Scheme) {
	case "http":
	case "https":
		secure = true
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, target.Scheme)
	}
	if target.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if req.Method == "" {
		req.Method = "GET"
	}

	cfg = cfg.withDefaults()
	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if cfg.UserAgent != "" && !hasHeader(headers, "User-Agent") {
		headers["User-Agent"] = cfg.UserAgent
	}

	port := target.Port()
	if port == "" {
		port = "80"
		if secure {
			port = "443"
		}
	}

	now := cfg.Clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	x := &Exchange{
		id:              uuid.NewString(),
		cfg:             cfg,
		req:             req,
		target:          target,
		address:         net.JoinHostPort(target.Hostname(), port),
		secure:          secure,
		callback:        cb,
		phase:           PhaseConnecting,
		started:         now,
		connectDeadline: now.Add(cfg.ConnectTimeout),
		deadline:        now.Add(cfg.Timeout),
		ctx:             ctx,
		cancel:          cancel,
		payload:         httpwire.EncodeRequest(req.Method, target, headers, req.Body),
		dialCh:          make(chan dialResult, 1),
	}
	if secure {
		x.tlsConf = clientTLSConfig(cfg.TLSConfig, target.Hostname())
	}

	x.logPhase("", 0)
	go x.dial()
	return x, nil
}

// ID returns the exchange correlation id.
func (x *Exchange) ID() string { return x.id }

// Kind returns the request kind label.
func (x *Exchange) Kind() string { return x.req.Kind }

// Phase returns the current phase.
func (x *Exchange) Phase() Phase { return x.phase }

// Started returns when the exchange was started.
func (x *Exchange) Started() time.Time { return x.started }

// Deadline returns the overall deadline.
func (x *Exchange) Deadline() time.Time { return x.deadline }

// ConnectDeadline returns the connect deadline.
func (x *Exchange) ConnectDeadline() time.Time { return x.connectDeadline }

// Done reports whether the exchange has finished, been aborted or failed.
func (x *Exchange) Done() bool { return x.finished }

// Poll advances the exchange by at most one phase and returns the resulting
// phase. Calling Poll on a finished exchange has no effect.
func (x *Exchange) Poll() Phase {
	if x.finished {
		return x.phase
	}

	now := x.cfg.Clock.Now()
	if !now.Before(x.deadline) {
		x.fail(ErrTimeout, nil)
		return x.phase
	}

	switch x.phase {
	case PhaseConnecting:
		x.pollConnect(now)
	case PhaseHandshake:
		x.pollHandshake()
	case PhaseSending:
		x.pollSend()
	case PhaseReceiving:
		x.pollReceive()
	}
	return x.phase
}

// Abort closes the exchange from any phase without invoking the callback.
// It is idempotent.
func (x *Exchange) Abort() {
	if x.finished {
		return
	}
	x.finished = true
	old := x.phase
	x.phase = PhaseError
	x.release()
	x.logPhase(old.String(), 0)
	x.cfg.Logger.Debug("exchange aborted", "id", x.id, "kind", x.req.Kind, "phase", old)
}

func (x *Exchange) pollConnect(now time.Time) {
	if !now.Before(x.connectDeadline) {
		x.fail(ErrConnectTimeout, nil)
		return
	}

	select {
	case res := <-x.dialCh:
		x.dialed = true
		if res.err != nil {
			x.fail(ErrConnect, res.err)
			return
		}
		x.conn = res.conn
		if x.secure {
			x.hsCh = make(chan error, 1)
			tlsConn := tls.Client(res.conn, x.tlsConf)
			x.conn = tlsConn
			go x.handshake(tlsConn)
			x.setPhase(PhaseHandshake)
			return
		}
		x.beginSend()
	default:
	}
}

func (x *Exchange) pollHandshake() {
	select {
	case err := <-x.hsCh:
		if err != nil {
			x.fail(ErrHandshake, err)
			return
		}
		x.beginSend()
	default:
	}
}

func (x *Exchange) pollSend() {
	select {
	case err := <-x.sendCh:
		if err != nil {
			x.fail(ErrSend, err)
			return
		}
		x.logFrame(log.DirectionOut, x.payload)
		x.rxCh = make(chan rxChunk, 16)
		go x.receive()
		x.setPhase(PhaseReceiving)
	default:
	}
}

func (x *Exchange) pollReceive() {
	for {
		select {
		case chunk := <-x.rxCh:
			if len(chunk.data) > 0 {
				x.received = append(x.received, chunk.data...)
				if len(x.received) > x.cfg.MaxResponseSize {
					x.fail(ErrReceive, fmt.Errorf("response exceeds %d bytes", x.cfg.MaxResponseSize))
					return
				}
			}
			if chunk.err == nil {
				continue
			}
			if !errors.Is(chunk.err, io.EOF) {
				x.fail(ErrReceive, chunk.err)
				return
			}
			if len(x.received) == 0 {
				x.fail(ErrReceive, io.ErrUnexpectedEOF)
				return
			}
			x.complete()
			return
		default:
			return
		}
	}
}

func (x *Exchange) beginSend() {
	x.sendCh = make(chan error, 1)
	go x.send(x.conn)
	x.setPhase(PhaseSending)
}

// Sent returns the number of request bytes written so far.
func (x *Exchange) Sent() int {
	return int(x.sent.Load())
}

func (x *Exchange) dial() {
	conn, err := x.cfg.Dialer.DialContext(x.ctx, "tcp", x.address)
	if err != nil {
		x.dialCh <- dialResult{err: err}
		return
	}
	if x.ctx.Err() != nil {
		conn.Close()
		x.dialCh <- dialResult{err: x.ctx.Err()}
		return
	}
	x.dialCh <- dialResult{conn: conn}
}

func (x *Exchange) handshake(conn *tls.Conn) {
	x.hsCh <- conn.HandshakeContext(x.ctx)
}

func (x *Exchange) send(conn net.Conn) {
	buf := x.payload
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		x.sent.Add(int64(n))
		buf = buf[n:]
		if err != nil {
			x.sendCh <- err
			return
		}
	}
	x.sendCh <- nil
}

func (x *Exchange) receive() {
	buf := make([]byte, 4096)
	for {
		n, err := x.conn.Read(buf)
		chunk := rxChunk{err: err}
		if n > 0 {
			chunk.data = append([]byte(nil), buf[:n]...)
		}
		select {
		case x.rxCh <- chunk:
		case <-x.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (x *Exchange) complete() {
	x.logFrame(log.DirectionIn, x.received)
	resp, err := httpwire.ParseResponse(x.received)
	if err != nil {
		x.fail(ErrMalformedResponse, err)
		return
	}
	x.finish(PhaseDone, resp.StatusCode)
	x.cfg.Logger.Debug("exchange done",
		"id", x.id, "kind", x.req.Kind, "status", resp.StatusCode,
		"elapsed", x.cfg.Clock.Since(x.started))
	if x.callback != nil {
		x.callback(resp, nil)
	}
}

func (x *Exchange) fail(kind error, cause error) {
	failedIn := x.phase
	x.finish(PhaseError, 0)
	xerr := newError(kind, failedIn, cause)
	x.cfg.Logger.Debug("exchange failed", "id", x.id, "kind", x.req.Kind, "error", xerr)
	x.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:  x.cfg.Clock.Now(),
		ExchangeID: x.id,
		RemoteAddr: x.address,
		Layer:      log.LayerExchange,
		Category:   log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerExchange,
			Message: xerr.Error(),
			Context: x.req.Kind,
		},
	})
	if x.callback != nil {
		x.callback(nil, xerr)
	}
}

func (x *Exchange) finish(phase Phase, status int) {
	x.finished = true
	old := x.phase
	x.phase = phase
	x.release()
	x.logPhase(old.String(), status)
}

func (x *Exchange) release() {
	x.cancel()
	if x.conn != nil {
		x.conn.Close()
		return
	}
	if x.dialed {
		return
	}
	// The dial may still complete after cancellation.
	go func() {
		if res := <-x.dialCh; res.conn != nil {
			res.conn.Close()
		}
	}()
}

func (x *Exchange) setPhase(p Phase) {
	old := x.phase
	x.phase = p
	x.logPhase(old.String(), 0)
}

// logPhase records a phase transition. from is empty for the initial phase.
func (x *Exchange) logPhase(from string, status int) {
	ev := &log.ExchangeEvent{
		Kind:       x.req.Kind,
		OldPhase:   from,
		NewPhase:   x.phase.String(),
		StatusCode: status,
	}
	if from == "" {
		ev.Method = x.req.Method
		ev.URL = x.req.URL
	} else {
		ev.Elapsed = x.cfg.Clock.Since(x.started)
	}
	x.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:  x.cfg.Clock.Now(),
		ExchangeID: x.id,
		RemoteAddr: x.address,
		Layer:      log.LayerExchange,
		Category:   log.CategoryExchange,
		Exchange:   ev,
	})
}

func (x *Exchange) logFrame(dir log.Direction, data []byte) {
	x.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:  x.cfg.Clock.Now(),
		ExchangeID: x.id,
		Direction:  dir,
		RemoteAddr: x.address,
		Layer:      log.LayerTransport,
		Category:   log.CategoryFrame,
		Frame:      log.NewFrameEvent(data),
	})
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
