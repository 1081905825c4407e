package relay

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/devrelay/relay-go/pkg/credential"
	"github.com/devrelay/relay-go/pkg/eventloop"
	"github.com/devrelay/relay-go/pkg/exchange"
	"github.com/devrelay/relay-go/pkg/httpwire"
)

const testServer = "https://relay.example.com"

// fakeExchange is a scripted exchange completed by the test.
type fakeExchange struct {
	id      string
	cfg     exchange.Config
	req     exchange.Request
	cb      exchange.Callback
	done    bool
	aborted bool
	polls   int
}

func (f *fakeExchange) ID() string { return f.id }

func (f *fakeExchange) Poll() exchange.Phase {
	f.polls++
	if f.done {
		return exchange.PhaseDone
	}
	return exchange.PhaseReceiving
}

func (f *fakeExchange) Abort() {
	f.aborted = true
	f.done = true
}

func (f *fakeExchange) Done() bool { return f.done }

// reply completes the exchange with a response.
func (f *fakeExchange) reply(status int, body string) {
	f.done = true
	f.cb(&httpwire.Response{StatusCode: status, Headers: map[string]string{}, Body: []byte(body)}, nil)
}

// fail completes the exchange with a transport error.
func (f *fakeExchange) fail(kind error) {
	f.done = true
	f.cb(nil, &exchange.Error{Kind: kind, Phase: exchange.PhaseConnecting})
}

// jsonBody decodes the request body.
func (f *fakeExchange) jsonBody(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(f.req.Body, &m))
	return m
}

// fakeNet records every exchange the session starts.
type fakeNet struct {
	started []*fakeExchange
}

func (n *fakeNet) start(cfg exchange.Config, req exchange.Request, cb exchange.Callback) (Handle, error) {
	x := &fakeExchange{id: fmt.Sprintf("%s-%d", req.Kind, len(n.started)), cfg: cfg, req: req, cb: cb}
	n.started = append(n.started, x)
	return x, nil
}

// count returns how many exchanges of kind were started.
func (n *fakeNet) count(kind Kind) int {
	c := 0
	for _, x := range n.started {
		if x.req.Kind == kind.String() {
			c++
		}
	}
	return c
}

// open returns the single unfinished exchange of kind, or nil.
func (n *fakeNet) open(kind Kind) *fakeExchange {
	var found *fakeExchange
	for _, x := range n.started {
		if x.req.Kind == kind.String() && !x.done {
			if found != nil {
				panic("more than one open exchange of kind " + kind.String())
			}
			found = x
		}
	}
	return found
}

// statusEvent is one OnStatusChange call.
type statusEvent struct {
	connected bool
	url       string
}

// firstRegistration is one OnFirstRegistration call.
type firstRegistration struct {
	deviceID, passcode, publicURL, tokenEndpoint string
}

type recorder struct {
	status []statusEvent
	first  []firstRegistration
}

func (r *recorder) notifier() Notifier {
	return NotifierFuncs{
		StatusChange: func(connected bool, publicURL string) {
			r.status = append(r.status, statusEvent{connected, publicURL})
		},
		FirstRegistration: func(deviceID, passcode, publicURL, tokenEndpoint string) {
			r.first = append(r.first, firstRegistration{deviceID, passcode, publicURL, tokenEndpoint})
		},
	}
}

type memoryStore struct {
	saved []*credential.Identity
}

func (m *memoryStore) SaveIdentity(id *credential.Identity) error {
	m.saved = append(m.saved, id)
	return nil
}

func (m *memoryStore) last() *credential.Identity {
	if len(m.saved) == 0 {
		return nil
	}
	return m.saved[len(m.saved)-1]
}

type harness struct {
	t       *testing.T
	clock   *clock.Mock
	loop    *eventloop.Loop
	net     *fakeNet
	rec     *recorder
	store   *memoryStore
	cfg     Config
	session *Session
}

func newHarness(t *testing.T, handler Handler, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: clock.NewMock(),
		net:   &fakeNet{},
		rec:   &recorder{},
		store: &memoryStore{},
	}
	h.loop = eventloop.New(h.clock)

	cfg := DefaultConfig()
	cfg.ServerURL = testServer
	cfg.Descriptor = "lab"
	cfg.Clock = h.clock
	h.cfg = cfg

	if handler == nil {
		handler = HandlerFunc(echoHandler)
	}
	all := append([]Option{
		WithLoop(h.loop),
		WithStarter(h.net.start),
		WithNotifier(h.rec.notifier()),
		WithIdentityStore(h.store),
	}, opts...)
	s, err := New(cfg, handler, all...)
	require.NoError(t, err)
	h.session = s
	return h
}

// run executes every runnable loop task.
func (h *harness) run() {
	h.loop.RunDue()
}

// advance moves the mock clock and runs what became due.
func (h *harness) advance(d time.Duration) {
	h.clock.Add(d)
	h.loop.RunDue()
}

// waitFor runs loop tasks until cond holds, for work posted by handler
// goroutines.
func (h *harness) waitFor(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.loop.RunDue()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

// connect starts the session and completes registration.
func (h *harness) connect() {
	h.t.Helper()
	h.session.Start()
	h.run()
	reg := h.net.open(KindRegister)
	require.NotNil(h.t, reg, "register exchange not started")
	reg.reply(200, `{"relayUrl":"https://relay.example.com/d/lab-x","tokenEndpoint":"https://relay.example.com/token"}`)
	h.run()
	require.Equal(h.t, StateConnected, h.session.state)
}
