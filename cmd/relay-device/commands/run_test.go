package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrelay/relay-go/cmd/relay-device/logview"
	"github.com/devrelay/relay-go/internal/relaytest"
	"github.com/devrelay/relay-go/pkg/persistence"
	"github.com/devrelay/relay-go/pkg/relay"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fastPolling() *FileConfig {
	return &FileConfig{Polling: PollingConfig{
		MinInterval:    10 * time.Millisecond,
		MaxInterval:    50 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
	}}
}

func TestRunDeviceEndToEnd(t *testing.T) {
	srv := relaytest.NewServer(relaytest.Options{PollWait: 100 * time.Millisecond})
	defer srv.Close()

	dir := t.TempDir()
	opts := &RunOptions{
		RootOptions: &RootOptions{StatePath: filepath.Join(dir, "state.json"), LogLevel: "debug"},
		Server:      srv.URL(),
		Descriptor:  "lab",
		ProtocolLog: filepath.Join(dir, "session.rlog"),
		MetricsAddr: "127.0.0.1:0",
		file:        fastPolling(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, stderr := &lockedBuffer{}, &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- runDevice(ctx, opts, out, stderr) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	deviceID, err := srv.WaitForDevice(waitCtx)
	require.NoError(t, err)

	msg, err := srv.Request(waitCtx, deviceID, "POST", "/echo", `{"hello":"relay"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, msg.Status)
	assert.Equal(t, `{"hello":"relay"}`, msg.BodyString())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runDevice did not return")
	}

	assert.Contains(t, out.String(), "PAIRING INFORMATION")
	assert.Contains(t, out.String(), deviceID)
	assert.Contains(t, stderr.String(), "connected to relay")
	assert.Contains(t, stderr.String(), "serving metrics")

	state, err := persistence.NewStateStore(opts.StatePath).Load()
	require.NoError(t, err)
	require.NotNil(t, state.Identity)
	assert.Equal(t, deviceID, state.Identity.DeviceID)
	assert.Equal(t, srv.PublicURL(deviceID), state.Identity.PublicURL)
	assert.Equal(t, srv.URL(), state.ServerURL)

	// The plaintext passcode was printed but never sent.
	assert.Contains(t, out.String(), state.Identity.Passcode)
	assert.False(t, relaytest.ContainsAny(srv.Bodies(), `"`+state.Identity.Passcode+`"`))

	stats, err := logview.Collect(opts.ProtocolLog)
	require.NoError(t, err)
	assert.Positive(t, stats.TotalEvents)
	assert.Positive(t, stats.StatusCodes[http.StatusOK])
}

func TestRunDeviceReusesStoredIdentity(t *testing.T) {
	srv := relaytest.NewServer(relaytest.Options{})
	defer srv.Close()

	statePath := filepath.Join(t.TempDir(), "state.json")
	run := func() string {
		opts := &RunOptions{
			RootOptions: &RootOptions{StatePath: statePath, LogLevel: "info"},
			Server:      srv.URL(),
			file:        fastPolling(),
		}
		ctx, cancel := context.WithCancel(context.Background())
		out := &lockedBuffer{}
		done := make(chan error, 1)
		before := len(srv.Registrations())
		go func() { done <- runDevice(ctx, opts, out, io.Discard) }()

		require.Eventually(t, func() bool { return len(srv.Registrations()) > before }, 10*time.Second, 10*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
		return out.String()
	}

	first := run()
	second := run()

	assert.Contains(t, first, "PAIRING INFORMATION")
	assert.NotContains(t, second, "PAIRING INFORMATION")

	regs := srv.Registrations()
	require.GreaterOrEqual(t, len(regs), 2)
	assert.Equal(t, regs[0].DeviceID, regs[len(regs)-1].DeviceID)
	assert.Equal(t, regs[0].PasscodeHash, regs[len(regs)-1].PasscodeHash)
}

func TestEchoHandler(t *testing.T) {
	resp, err := echoHandler(context.Background(), &relay.Request{
		Method:  "POST",
		Path:    "/x",
		Headers: map[string]string{"content-type": "text/plain"},
		Body:    []byte("ping"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/plain", resp.Headers["Content-Type"])
	assert.Equal(t, "ping", string(resp.Body))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "device.log")

	logger, closer, err := newLogger("warn", file, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	require.NoError(t, closer.Close())

	assert.NotContains(t, buf.String(), "hidden")
	assert.True(t, strings.Contains(buf.String(), "shown") && strings.Contains(buf.String(), "k=v"))

	_, _, err = newLogger("loud", "", &buf)
	assert.Error(t, err)

	l, c, err := newLogger("debug", "", io.Discard)
	require.NoError(t, err)
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))
	assert.NoError(t, c.Close())
}
