package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/devrelay/relay-go/pkg/correlator"
	"github.com/devrelay/relay-go/pkg/credential"
	"github.com/devrelay/relay-go/pkg/eventloop"
	"github.com/devrelay/relay-go/pkg/exchange"
	"github.com/devrelay/relay-go/pkg/httpwire"
	"github.com/devrelay/relay-go/pkg/log"
)

// Option configures a Session.
type Option func(*Session)

// WithNotifier sets the status notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithIdentity supplies a previously persisted identity. Without one, an
// identity is generated on the first registration.
func WithIdentity(id *credential.Identity) Option {
	return func(s *Session) { s.initialIdentity = id }
}

// WithIdentityStore persists identity changes.
func WithIdentityStore(st IdentityStore) Option {
	return func(s *Session) { s.store = st }
}

// WithLoop runs the session on an existing loop. The caller then drives the
// loop itself instead of calling Session.Run.
func WithLoop(l *eventloop.Loop) Option {
	return func(s *Session) { s.loop = l }
}

// WithStarter replaces the exchange implementation.
func WithStarter(st Starter) Option {
	return func(s *Session) { s.starter = st }
}

// WithMetrics records session metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// queuedResponse is a respond-kind message waiting for the respond slot.
type queuedResponse struct {
	body  []byte
	what  string
	after func()
}

// Session is a device's relay session.
type Session struct {
	cfg        Config
	loop       *eventloop.Loop
	handler    Handler
	notifier   Notifier
	store      IdentityStore
	starter    Starter
	metrics    *Metrics
	correlator *correlator.Correlator
	creds      *credential.Manager
	recent     *lru.Cache[string, RespondMessage]
	logger     *slog.Logger
	plog       log.Logger

	initialIdentity *credential.Identity

	// Everything below is owned by the loop.
	state         SessionState
	running       bool
	generation    uint64
	registering   bool
	polling       bool
	handling      bool
	responding    bool
	notifying     bool
	pollScheduled bool
	reconnecting  bool
	backoff       *PollBackoff
	active        map[Kind]Handle
	started       map[Kind]time.Time
	respondQueue  []queuedResponse
	handlerCancel context.CancelFunc
	handlerSeq    uint64

	pollTimer      *eventloop.Timer
	reconnectTimer *eventloop.Timer
	pumpTimer      *eventloop.Timer
	handlerTimer   *eventloop.Timer
}

// New creates a session. handler serves relayed requests and must not be nil.
func New(cfg Config, handler Handler, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	s := &Session{
		cfg:     cfg,
		handler: handler,
		starter: StartExchange,
		active:  make(map[Kind]Handle),
		started: make(map[Kind]time.Time),
		backoff: NewPollBackoff(cfg.MinPollInterval, cfg.MaxPollInterval, cfg.BackoffCap),
		logger:  cfg.Logger,
		plog:    log.OrNoop(cfg.ProtocolLogger),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.notifier == nil {
		s.notifier = NotifierFuncs{}
	}
	if s.loop == nil {
		s.loop = eventloop.New(cfg.Clock)
	}
	if s.initialIdentity != nil {
		if err := s.initialIdentity.Validate(); err != nil {
			return nil, fmt.Errorf("stored identity: %w", err)
		}
	}
	s.creds = credential.NewManager(cfg.Descriptor, s.initialIdentity)
	s.correlator = correlator.New(s.logger)
	if cfg.RecentResponses > 0 {
		cache, err := lru.New[string, RespondMessage](cfg.RecentResponses)
		if err != nil {
			return nil, fmt.Errorf("response cache: %w", err)
		}
		s.recent = cache
	}
	return s, nil
}

// Loop returns the event loop the session runs on.
func (s *Session) Loop() *eventloop.Loop {
	return s.loop
}

// Run runs the session's event loop until ctx is cancelled. The session is
// stopped before Run returns. Run is only needed when the session created
// its own loop.
func (s *Session) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.loop.Run(loopCtx) }()

	select {
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		callErr := s.loop.Call(stopCtx, s.stop)
		stopCancel()
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return callErr
	case err := <-errCh:
		return err
	}
}

// Start begins registration and polling. Calling Start on a running session
// has no effect.
func (s *Session) Start() {
	s.loop.Post(s.start)
}

// Stop aborts every exchange, cancels timers and pending requests, and
// returns the session to Idle. It is safe to call in any state.
func (s *Session) Stop() {
	s.loop.Post(s.stop)
}

// Register registers with the relay and reports the outcome to cb, which may
// be nil. A Register while one is in flight is ignored.
func (s *Session) Register(cb func(error)) {
	s.loop.Post(func() { s.register(cb) })
}

// PollForRequests polls the relay now instead of waiting for the next
// scheduled poll.
func (s *Session) PollForRequests() {
	s.loop.Post(s.pollForRequests)
}

// SendNotification posts an unsolicited message to the relay. cb, which may
// be nil, receives ErrBusy while another notification or request is in
// flight.
func (s *Session) SendNotification(body json.RawMessage, cb func(error)) {
	s.loop.Post(func() { s.sendNotification(body, cb) })
}

// SendRequest posts a device-initiated request. cb receives the body of the
// matching server_response, or an error. An empty id is replaced by a
// generated one; the id in use is returned.
func (s *Session) SendRequest(id string, body json.RawMessage, cb correlator.Continuation) string {
	if id == "" {
		id = uuid.NewString()
	}
	s.loop.Post(func() { s.sendRequest(id, body, cb) })
	return id
}

// RotatePasscode replaces the passcode, keeping the device id. A running
// session re-registers so the relay learns the new hash; the notifier's
// OnFirstRegistration then delivers the new passcode.
func (s *Session) RotatePasscode(cb func(error)) {
	s.loop.Post(func() { s.rotatePasscode(cb) })
}

// Snapshot returns a view of the session state. It waits for the loop, so it
// must not be called from a loop task.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.loop.Call(ctx, func() { snap = s.snapshot() })
	return snap, err
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		State:                 s.state,
		ConsecutiveEmptyPolls: s.backoff.Count(),
		NextPollInterval:      s.backoff.Interval(),
		PendingRequests:       s.correlator.Len(),
		Reconnecting:          s.reconnecting,
	}
	if id := s.creds.Identity(); id != nil {
		snap.DeviceID = id.DeviceID
		snap.PublicURL = id.PublicURL
		snap.TokenEndpoint = id.TokenEndpoint
	}
	for k := range s.active {
		snap.ActiveExchanges = append(snap.ActiveExchanges, k.String())
	}
	sort.Strings(snap.ActiveExchanges)
	return snap
}

func (s *Session) start() {
	if s.running {
		return
	}
	s.running = true
	s.generation++
	s.resetGuards()
	s.backoff.Reset()
	s.reconnecting = false
	s.logger.Info("relay session starting", "server", s.cfg.ServerURL)
	s.register(nil)
}

func (s *Session) stop() {
	wasConnected := s.state == StateConnected
	wasRunning := s.running

	s.running = false
	s.generation++
	s.reconnecting = false
	s.cancelTimers()
	for kind, h := range s.active {
		h.Abort()
		delete(s.active, kind)
		delete(s.started, kind)
	}
	s.metrics.setActive(0)
	if s.handlerCancel != nil {
		s.handlerCancel()
		s.handlerCancel = nil
	}
	s.resetGuards()
	s.setState(StateIdle, "stopped")

	if n := s.correlator.CancelAll(ErrSessionStopped); n > 0 {
		s.logger.Debug("cancelled pending requests", "count", n)
	}
	if wasConnected {
		s.notifier.OnStatusChange(false, "")
	}
	if wasRunning {
		s.logger.Info("relay session stopped")
	}
}

func (s *Session) resetGuards() {
	s.registering = false
	s.polling = false
	s.handling = false
	s.responding = false
	s.notifying = false
	s.pollScheduled = false
	s.respondQueue = nil
}

func (s *Session) cancelTimers() {
	for _, t := range []**eventloop.Timer{&s.pollTimer, &s.reconnectTimer, &s.pumpTimer, &s.handlerTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// register sends the registration. cb is invoked with the outcome unless a
// registration is already in flight.
func (s *Session) register(cb func(error)) {
	if s.registering {
		return
	}
	if !s.running {
		if cb != nil {
			cb(ErrNotRunning)
		}
		return
	}

	id, fresh, err := s.creds.Ensure()
	if err != nil {
		s.registerFailed(fmt.Errorf("generate identity: %w", err), cb)
		return
	}
	if fresh {
		s.logger.Info("generated device identity", "device_id", id.DeviceID)
		s.persistIdentity()
	}

	body, err := json.Marshal(RegisterMessage{
		DeviceID:     id.DeviceID,
		DeviceName:   s.cfg.DeviceName,
		PasscodeHash: id.PasscodeHash,
		Version:      s.cfg.Version,
	})
	if err != nil {
		s.registerFailed(err, cb)
		return
	}

	s.registering = true
	if s.state != StateConnected {
		s.setState(StateRegistering, "")
	}
	gen := s.generation
	err = s.startExchange(KindRegister, http.MethodPost, RegisterPath, body, s.cfg.ExchangeTimeout,
		func(resp *httpwire.Response, err error) {
			if gen != s.generation {
				return
			}
			s.registering = false
			s.handleRegisterResult(resp, err, cb)
		})
	if err != nil {
		s.registering = false
		s.registerFailed(err, cb)
	}
}

func (s *Session) handleRegisterResult(resp *httpwire.Response, err error, cb func(error)) {
	if err != nil {
		s.registerFailed(err, cb)
		return
	}

	var reply RegisterReply
	decodeErr := json.Unmarshal(resp.Body, &reply)
	switch {
	case reply.Error != "":
		s.registerFailed(fmt.Errorf("%w: %s", ErrRegistration, reply.Error), cb)
		return
	case !resp.OK():
		s.registerFailed(fmt.Errorf("%w: status %d", ErrRegistration, resp.StatusCode), cb)
		return
	case decodeErr != nil:
		s.registerFailed(fmt.Errorf("%w: %v", ErrMalformedReply, decodeErr), cb)
		return
	case reply.RelayURL == "" || reply.TokenEndpoint == "":
		s.registerFailed(fmt.Errorf("%w: missing relayUrl or tokenEndpoint", ErrMalformedReply), cb)
		return
	}

	s.creds.SetEndpoints(reply.RelayURL, reply.TokenEndpoint)
	s.persistIdentity()
	s.metrics.registration(true)

	wasConnected := s.state == StateConnected
	s.reconnecting = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.setState(StateConnected, "registered")
	s.logger.Info("registered with relay", "public_url", reply.RelayURL)

	if s.creds.Fresh() {
		id := s.creds.Identity()
		s.creds.MarkDisclosed()
		s.notifier.OnFirstRegistration(id.DeviceID, id.Passcode, reply.RelayURL, reply.TokenEndpoint)
	}
	if !wasConnected {
		s.notifier.OnStatusChange(true, reply.RelayURL)
	}
	if cb != nil {
		cb(nil)
	}

	if !s.polling && !s.pollScheduled && !s.handling {
		s.backoff.Reset()
		s.metrics.setEmptyPolls(0)
		s.pollForRequests()
	}
}

func (s *Session) registerFailed(err error, cb func(error)) {
	s.metrics.registration(false)
	s.logger.Warn("registration failed", "error", err)
	s.logError("register", err)
	if cb != nil {
		cb(err)
	}
	if s.running {
		s.handleDisconnect(err.Error())
	}
}

// handleDisconnect moves to Disconnected and schedules one reconnect.
func (s *Session) handleDisconnect(reason string) {
	wasConnected := s.state == StateConnected
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	s.pollScheduled = false
	s.reconnecting = true
	s.setState(StateDisconnected, reason)
	if wasConnected {
		s.logger.Warn("disconnected from relay", "reason", reason)
		s.notifier.OnStatusChange(false, "")
	}
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	if !s.running || s.reconnectTimer != nil {
		return
	}
	s.metrics.reconnectScheduled()
	s.logger.Debug("reconnect scheduled", "delay", s.cfg.ReconnectDelay)
	s.reconnectTimer = s.loop.After(s.cfg.ReconnectDelay, func() {
		s.reconnectTimer = nil
		if s.running {
			s.register(nil)
		}
	})
}

func (s *Session) pollForRequests() {
	if s.polling || s.handling || !s.running || s.state != StateConnected {
		return
	}
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	s.pollScheduled = false

	s.polling = true
	gen := s.generation
	err := s.startExchange(KindPoll, http.MethodGet, PollPath, nil, s.cfg.PollTimeout,
		func(resp *httpwire.Response, err error) {
			if gen != s.generation {
				return
			}
			s.polling = false
			s.handlePollResult(resp, err)
		})
	if err != nil {
		s.polling = false
		s.handleDisconnect(err.Error())
	}
}

func (s *Session) handlePollResult(resp *httpwire.Response, err error) {
	if !s.running {
		return
	}
	if err != nil {
		s.metrics.poll("error")
		s.logError("poll", err)
		s.handleDisconnect(err.Error())
		return
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		s.metrics.poll("empty")
		s.emptyPoll()
	case resp.StatusCode == http.StatusGone:
		s.metrics.poll("expired")
		s.handleDisconnect("session expired")
	case !resp.OK():
		s.metrics.poll("status")
		s.logger.Warn("poll returned unexpected status", "status", resp.StatusCode)
		s.scheduleNextPollAfter(s.cfg.MinPollInterval)
	default:
		s.dispatch(resp.Body)
	}
}

func (s *Session) emptyPoll() {
	s.backoff.Empty()
	s.metrics.setEmptyPolls(s.backoff.Count())
	s.scheduleNextPoll()
}

func (s *Session) dispatch(body []byte) {
	var item PollItem
	if err := json.Unmarshal(body, &item); err != nil {
		s.metrics.poll("malformed")
		s.logger.Warn("malformed poll item", "error", err)
		s.logError("poll", fmt.Errorf("%w: %v", ErrMalformedReply, err))
		s.emptyPoll()
		return
	}

	switch item.Type {
	case TypeRequest:
		s.metrics.poll("request")
		s.resetBackoff()
		s.handleRelayedRequest(&item)
	case TypeServerResponse:
		s.metrics.poll("server_response")
		s.resetBackoff()
		var err error
		if item.Error != "" {
			err = fmt.Errorf("%w: %s", ErrRemote, item.Error)
		}
		s.correlator.Resolve(item.RequestID, decodeBody(item.Body), err)
		s.scheduleNextPoll()
	case TypePing:
		s.metrics.poll("ping")
		s.resetBackoff()
		s.sendPong()
		s.scheduleNextPoll()
	default:
		s.metrics.poll("malformed")
		s.logger.Warn("unknown poll item type", "type", item.Type)
		s.emptyPoll()
	}
}

func (s *Session) resetBackoff() {
	s.backoff.Reset()
	s.metrics.setEmptyPolls(0)
}

func (s *Session) scheduleNextPoll() {
	s.scheduleNextPollAfter(s.backoff.Interval())
}

func (s *Session) scheduleNextPollAfter(d time.Duration) {
	if !s.running || s.pollScheduled || s.polling || s.state != StateConnected {
		return
	}
	s.pollScheduled = true
	s.pollTimer = s.loop.After(d, func() {
		s.pollTimer = nil
		s.pollScheduled = false
		s.pollForRequests()
	})
	s.logState(log.StateEntityPolling, "", d.String(), "")
}

// handleRelayedRequest answers item, then schedules the next poll once the
// response exchange has finished.
func (s *Session) handleRelayedRequest(item *PollItem) {
	if s.recent != nil && item.RequestID != "" {
		if msg, ok := s.recent.Get(item.RequestID); ok {
			s.logger.Debug("answering redelivered request from cache", "request_id", item.RequestID)
			s.sendResponse(msg)
			return
		}
	}

	req := normalizeRequest(item)
	s.handling = true
	s.handlerSeq++
	seq := s.handlerSeq
	gen := s.generation
	ctx, cancel := s.loop.Clock().WithTimeout(context.Background(), s.cfg.HandlerTimeout)
	s.handlerCancel = cancel

	// current reports whether this invocation still owns the handling slot.
	current := func() bool {
		return gen == s.generation && seq == s.handlerSeq && s.handling
	}

	s.handlerTimer = s.loop.After(s.cfg.HandlerTimeout, func() {
		s.handlerTimer = nil
		if !current() {
			return
		}
		s.logger.Warn("handler timed out", "request_id", req.ID, "timeout", s.cfg.HandlerTimeout)
		s.logError("handler", fmt.Errorf("%w: request %s", ErrHandlerTimeout, req.ID))
		s.finishHandling(req, internalError(), true, false)
	})

	go func() {
		resp, failed := s.invokeHandler(ctx, req)
		cancel()
		s.loop.Post(func() {
			if !current() {
				return
			}
			s.finishHandling(req, resp, failed, true)
		})
	}()
}

// finishHandling releases the handling slot and answers req. Only a result
// the handler produced itself is remembered for redelivery.
func (s *Session) finishHandling(req *Request, resp *Response, failed, remember bool) {
	s.handling = false
	if s.handlerCancel != nil {
		s.handlerCancel()
		s.handlerCancel = nil
	}
	if s.handlerTimer != nil {
		s.handlerTimer.Stop()
		s.handlerTimer = nil
	}
	s.metrics.relayed(failed)
	if !utf8.Valid(resp.Body) {
		s.logger.Warn("response body is not UTF-8, invalid bytes replaced", "request_id", req.ID)
	}

	msg := RespondMessage{
		Type:      TypeResponse,
		RequestID: req.ID,
		Status:    resp.Status,
		Headers:   resp.Headers,
		Body:      strings.ToValidUTF8(string(resp.Body), "\uFFFD"),
	}
	if remember && s.recent != nil && req.ID != "" {
		s.recent.Add(req.ID, msg)
	}
	s.sendResponse(msg)
}

// invokeHandler calls the handler once, converting errors and panics into a
// 500 response. The second result reports such a failure.
func (s *Session) invokeHandler(ctx context.Context, req *Request) (resp *Response, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "request_id", req.ID, "panic", r)
			resp, failed = internalError(), true
		}
	}()

	resp, err := s.handler.ServeRelay(ctx, req)
	if err != nil {
		s.logger.Warn("handler failed", "request_id", req.ID, "error", err)
		return internalError(), true
	}
	if resp == nil {
		resp = &Response{}
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	return resp, false
}

func internalError() *Response {
	return &Response{
		Status:  http.StatusInternalServerError,
		Headers: map[string]string{"content-type": "application/json"},
		Body:    []byte(errorBody),
	}
}

func (s *Session) sendResponse(msg RespondMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode response", "request_id", msg.RequestID, "error", err)
		s.scheduleNextPoll()
		return
	}
	s.respond(body, "response", s.scheduleNextPoll)
}

func (s *Session) sendPong() {
	body, _ := json.Marshal(PongMessage{Type: TypePong})
	s.respond(body, "pong", nil)
}

// respond posts body to the respond endpoint, queueing it while another
// respond exchange is in flight. after runs once the exchange has ended,
// successfully or not.
func (s *Session) respond(body []byte, what string, after func()) {
	if s.responding {
		s.respondQueue = append(s.respondQueue, queuedResponse{body: body, what: what, after: after})
		return
	}

	s.responding = true
	gen := s.generation
	err := s.startExchange(KindRespond, http.MethodPost, RespondPath, body, s.cfg.ExchangeTimeout,
		func(resp *httpwire.Response, err error) {
			if gen != s.generation {
				return
			}
			s.responding = false
			switch {
			case err != nil:
				s.logger.Warn("send failed", "what", what, "error", err)
				s.logError(what, err)
			case !resp.OK():
				s.logger.Warn("relay rejected message", "what", what, "status", resp.StatusCode)
			}
			s.respondDone(after)
		})
	if err != nil {
		s.responding = false
		s.logger.Warn("send failed", "what", what, "error", err)
		s.respondDone(after)
	}
}

func (s *Session) respondDone(after func()) {
	if after != nil {
		after()
	}
	if len(s.respondQueue) > 0 && !s.responding && s.running {
		next := s.respondQueue[0]
		s.respondQueue = s.respondQueue[1:]
		s.respond(next.body, next.what, next.after)
	}
}

func (s *Session) sendNotification(body json.RawMessage, cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	if !s.running || s.state != StateConnected {
		cb(ErrNotConnected)
		return
	}
	if s.notifying {
		cb(ErrBusy)
		return
	}

	payload, err := json.Marshal(NotificationMessage{Type: TypeNotification, Body: rawJSON(body)})
	if err != nil {
		cb(err)
		return
	}
	s.notifying = true
	gen := s.generation
	err = s.startExchange(KindNotify, http.MethodPost, RespondPath, payload, s.cfg.ExchangeTimeout,
		func(resp *httpwire.Response, err error) {
			if gen != s.generation {
				return
			}
			s.notifying = false
			cb(outcome(resp, err))
		})
	if err != nil {
		s.notifying = false
		cb(err)
	}
}

func (s *Session) sendRequest(id string, body json.RawMessage, cb correlator.Continuation) {
	if cb == nil {
		cb = func([]byte, error) {}
	}
	if !s.running || s.state != StateConnected {
		cb(nil, ErrNotConnected)
		return
	}
	if s.notifying {
		cb(nil, ErrBusy)
		return
	}
	payload, err := json.Marshal(ServerRequestMessage{Type: TypeServerRequest, RequestID: id, Body: rawJSON(body)})
	if err != nil {
		cb(nil, err)
		return
	}
	if err := s.correlator.Register(id, cb); err != nil {
		cb(nil, err)
		return
	}

	s.notifying = true
	gen := s.generation
	err = s.startExchange(KindNotify, http.MethodPost, RespondPath, payload, s.cfg.ExchangeTimeout,
		func(resp *httpwire.Response, err error) {
			if gen != s.generation {
				return
			}
			s.notifying = false
			if err := outcome(resp, err); err != nil {
				s.correlator.Resolve(id, nil, err)
			}
		})
	if err != nil {
		s.notifying = false
		s.correlator.Resolve(id, nil, err)
	}
}

// outcome maps an exchange result for a posted message to an error.
func outcome(resp *httpwire.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}

func (s *Session) rotatePasscode(cb func(error)) {
	if s.registering {
		if cb != nil {
			cb(ErrBusy)
		}
		return
	}
	if s.creds.Identity() == nil {
		if _, _, err := s.creds.Ensure(); err != nil {
			if cb != nil {
				cb(err)
			}
			return
		}
	}
	if _, err := s.creds.Rotate(); err != nil {
		if cb != nil {
			cb(err)
		}
		return
	}
	s.logState(log.StateEntityIdentity, "", "rotated", "passcode rotated")
	s.persistIdentity()

	if !s.running {
		if cb != nil {
			cb(nil)
		}
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.register(cb)
}

func (s *Session) persistIdentity() {
	if s.store == nil {
		return
	}
	id := s.creds.Identity()
	if id == nil {
		return
	}
	if err := s.store.SaveIdentity(id.Clone()); err != nil {
		s.logger.Error("failed to persist identity", "error", err)
	}
}

// startExchange starts an exchange of the given kind and tracks it until done
// runs.
func (s *Session) startExchange(kind Kind, method, path string, body []byte, timeout time.Duration,
	done func(*httpwire.Response, error)) error {
	if _, busy := s.active[kind]; busy {
		return fmt.Errorf("%w: %s", ErrBusy, kind)
	}

	headers := map[string]string{
		"Accept": "application/json",
	}
	if id := s.creds.Identity(); id != nil {
		headers[DeviceIDHeader] = id.DeviceID
	}
	if len(body) > 0 {
		headers["Content-Type"] = "application/json"
	}

	cfg := exchange.Config{
		ConnectTimeout: s.cfg.ConnectTimeout,
		Timeout:        timeout,
		TLSConfig:      s.cfg.TLSConfig,
		Clock:          s.loop.Clock(),
		UserAgent:      "relay-go/" + s.cfg.Version,
		Logger:         s.logger,
		ProtocolLogger: s.plog,
	}
	req := exchange.Request{
		Kind:    kind.String(),
		Method:  method,
		URL:     strings.TrimSuffix(s.cfg.ServerURL, "/") + path,
		Headers: headers,
		Body:    body,
	}

	var h Handle
	var err error
	h, err = s.starter(cfg, req, func(resp *httpwire.Response, err error) {
		if cur, ok := s.active[kind]; ok && cur == h {
			delete(s.active, kind)
			s.metrics.observeExchange(kind, s.loop.Clock().Since(s.started[kind]))
			delete(s.started, kind)
			s.metrics.setActive(len(s.active))
		}
		done(resp, err)
	})
	if err != nil {
		return err
	}
	s.active[kind] = h
	s.started[kind] = s.loop.Now()
	s.metrics.setActive(len(s.active))
	s.schedulePump()
	return nil
}

func (s *Session) schedulePump() {
	if s.pumpTimer != nil || len(s.active) == 0 {
		return
	}
	s.pumpTimer = s.loop.After(s.cfg.PumpInterval, s.pump)
}

// pump advances every active exchange by one step.
func (s *Session) pump() {
	s.pumpTimer = nil
	handles := make([]Handle, 0, len(s.active))
	for _, k := range []Kind{KindRegister, KindPoll, KindRespond, KindNotify} {
		if h, ok := s.active[k]; ok {
			handles = append(handles, h)
		}
	}
	for _, h := range handles {
		h.Poll()
	}
	s.schedulePump()
}

func (s *Session) setState(state SessionState, reason string) {
	if s.state == state {
		return
	}
	old := s.state
	s.state = state
	s.metrics.setConnected(state == StateConnected)
	s.logState(log.StateEntitySession, old.String(), state.String(), reason)
}

func (s *Session) logState(entity log.StateEntity, old, state, reason string) {
	ev := log.Event{
		Timestamp: s.loop.Now(),
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: old,
			NewState: state,
			Reason:   reason,
		},
	}
	if id := s.creds.Identity(); id != nil {
		ev.DeviceID = id.DeviceID
	}
	s.plog.Log(ev)
}

func (s *Session) logError(op string, err error) {
	ev := log.Event{
		Timestamp: s.loop.Now(),
		Layer:     log.LayerSession,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerSession,
			Message: err.Error(),
			Context: op,
		},
	}
	if id := s.creds.Identity(); id != nil {
		ev.DeviceID = id.DeviceID
	}
	s.plog.Log(ev)
}
