package interactive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/devrelay/relay-go/pkg/correlator"
	"github.com/devrelay/relay-go/pkg/relay"
)

type mockSession struct {
	mock.Mock
}

func (m *mockSession) Start()           { m.Called() }
func (m *mockSession) Stop()            { m.Called() }
func (m *mockSession) PollForRequests() { m.Called() }

func (m *mockSession) SendNotification(body json.RawMessage, cb func(error)) {
	m.Called(body, cb)
}

func (m *mockSession) SendRequest(id string, body json.RawMessage, cb correlator.Continuation) string {
	args := m.Called(id, body, cb)
	return args.String(0)
}

func (m *mockSession) RotatePasscode(cb func(error)) {
	m.Called(cb)
}

func (m *mockSession) Snapshot(ctx context.Context) (relay.Snapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(relay.Snapshot), args.Error(1)
}

// syncBuffer is written by session callbacks and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestConsole(s Session) (*Console, *syncBuffer) {
	out := &syncBuffer{}
	return &Console{session: s, out: out}, out
}

func TestExecuteStatus(t *testing.T) {
	s := &mockSession{}
	s.On("Snapshot", mock.Anything).Return(relay.Snapshot{
		State:                 relay.StateConnected,
		DeviceID:              "lab-ab12",
		PublicURL:             "https://relay.test/d/lab-ab12",
		ConsecutiveEmptyPolls: 3,
		NextPollInterval:      8 * time.Second,
		ActiveExchanges:       []string{"poll"},
	}, nil)
	c, out := newTestConsole(s)

	assert.True(t, c.Execute(context.Background(), "status"))
	assert.Contains(t, out.String(), "State:          CONNECTED")
	assert.Contains(t, out.String(), "Device ID:      lab-ab12")
	assert.Contains(t, out.String(), "Token endpoint: -")
	assert.Contains(t, out.String(), "Empty polls:    3 (next poll in 8s)")
	assert.Contains(t, out.String(), "Active:         poll")
	s.AssertExpectations(t)
}

func TestExecuteStatusError(t *testing.T) {
	s := &mockSession{}
	s.On("Snapshot", mock.Anything).Return(relay.Snapshot{}, errors.New("event loop closed"))
	c, out := newTestConsole(s)

	c.Execute(context.Background(), "s")
	assert.Contains(t, out.String(), "Error: event loop closed")
}

func TestExecuteNotify(t *testing.T) {
	s := &mockSession{}
	s.On("SendNotification", json.RawMessage(`{"level":"warn"}`), mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(1).(func(error))(nil)
		}).Once()
	c, out := newTestConsole(s)

	c.Execute(context.Background(), `notify {"level":"warn"}`)
	assert.Contains(t, out.String(), "Notification sent")
	s.AssertExpectations(t)
}

func TestExecuteNotifyRejectsInvalidJSON(t *testing.T) {
	s := &mockSession{}
	c, out := newTestConsole(s)

	c.Execute(context.Background(), "notify {oops")
	c.Execute(context.Background(), "notify")
	assert.Contains(t, out.String(), "Invalid JSON: {oops")
	assert.Contains(t, out.String(), "Usage: notify <json>")
	s.AssertNotCalled(t, "SendNotification", mock.Anything, mock.Anything)
}

func TestExecuteRequest(t *testing.T) {
	s := &mockSession{}
	s.On("SendRequest", "", json.RawMessage(`{"q":1}`), mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(2).(correlator.Continuation)([]byte(`{"a":2}`), nil)
		}).
		Return("req-1").Once()
	c, out := newTestConsole(s)

	c.Execute(context.Background(), `request {"q":1}`)
	assert.Contains(t, out.String(), `Response: {"a":2}`)
	assert.Contains(t, out.String(), "Request req-1 sent")
}

func TestExecuteRotateFailure(t *testing.T) {
	s := &mockSession{}
	s.On("RotatePasscode", mock.Anything).Run(func(args mock.Arguments) {
		args.Get(0).(func(error))(relay.ErrNotRunning)
	})
	c, out := newTestConsole(s)

	c.Execute(context.Background(), "rotate")
	assert.Contains(t, out.String(), "Rotate failed: "+relay.ErrNotRunning.Error())
}

func TestExecuteLifecycleCommands(t *testing.T) {
	s := &mockSession{}
	s.On("Start").Once()
	s.On("Stop").Once()
	s.On("PollForRequests").Once()
	c, out := newTestConsole(s)

	assert.True(t, c.Execute(context.Background(), "start"))
	assert.True(t, c.Execute(context.Background(), "poll"))
	assert.True(t, c.Execute(context.Background(), "STOP"))
	assert.True(t, c.Execute(context.Background(), "   "))
	assert.True(t, c.Execute(context.Background(), "frobnicate"))
	assert.False(t, c.Execute(context.Background(), "quit"))

	assert.Contains(t, out.String(), "Unknown command: frobnicate")
	s.AssertExpectations(t)
}
