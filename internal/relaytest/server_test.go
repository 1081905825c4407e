package relaytest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, s *Server, path, deviceID string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, s.URL()+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Device-Id", deviceID)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func poll(t *testing.T, s *Server, deviceID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL()+"/api/device/poll", nil)
	require.NoError(t, err)
	req.Header.Set("X-Device-Id", deviceID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func register(t *testing.T, s *Server, deviceID string) map[string]string {
	t.Helper()
	resp := post(t, s, "/api/device/register", deviceID, Registration{
		DeviceID: deviceID, DeviceName: "lab", PasscodeHash: "ab", Version: "1.0.0",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServerRegisterAndPoll(t *testing.T) {
	s := NewServer(Options{PollWait: 20 * time.Millisecond})
	defer s.Close()

	reply := register(t, s, "lab-1")
	assert.Equal(t, s.PublicURL("lab-1"), reply["relayUrl"])
	assert.Equal(t, s.TokenEndpoint(), reply["tokenEndpoint"])
	require.Len(t, s.Registrations(), 1)
	assert.Equal(t, "ab", s.Registrations()[0].PasscodeHash)
	assert.Equal(t, 1, s.Hits())

	t.Run("empty poll", func(t *testing.T) {
		resp := poll(t, s, "lab-1")
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("queued item", func(t *testing.T) {
		require.NoError(t, s.Ping("lab-1"))
		resp := poll(t, s, "lab-1")
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var item Item
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&item))
		assert.Equal(t, "ping", item.Type)
	})

	t.Run("expired", func(t *testing.T) {
		s.Expire("lab-1")
		resp := poll(t, s, "lab-1")
		resp.Body.Close()
		assert.Equal(t, http.StatusGone, resp.StatusCode)

		register(t, s, "lab-1")
		resp = poll(t, s, "lab-1")
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("unknown device", func(t *testing.T) {
		resp := poll(t, s, "nobody")
		resp.Body.Close()
		assert.Equal(t, http.StatusGone, resp.StatusCode)
		assert.ErrorIs(t, s.Enqueue("nobody", Item{Type: "ping"}), ErrUnknownDevice)
	})
}

func TestServerRejectRegistration(t *testing.T) {
	s := NewServer(Options{RejectRegistration: "banned"})
	defer s.Close()

	resp := post(t, s, "/api/device/register", "lab-1", Registration{DeviceID: "lab-1", PasscodeHash: "ab"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "banned", out["error"])
}

func TestServerRequestRoundTrip(t *testing.T) {
	s := NewServer(Options{PollWait: time.Second})
	defer s.Close()
	register(t, s, "lab-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.Request(ctx, "lab-1", "GET", "/status", "")
		done <- result{msg, err}
	}()

	resp := poll(t, s, "lab-1")
	var item Item
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&item))
	resp.Body.Close()
	require.Equal(t, "request", item.Type)
	require.NotEmpty(t, item.RequestID)

	ack := post(t, s, "/api/device/respond", "lab-1", map[string]any{
		"type": "response", "requestId": item.RequestID, "status": 200, "body": `{"ok":true}`,
	})
	ack.Body.Close()

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, 200, r.msg.Status)
	assert.Equal(t, `{"ok":true}`, r.msg.BodyString())
	assert.Len(t, s.MessagesOfType("response"), 1)
}

func TestServerAnswersServerRequest(t *testing.T) {
	s := NewServer(Options{
		PollWait: 20 * time.Millisecond,
		AnswerServerRequest: func(id string, body json.RawMessage) string {
			return "answer-" + id
		},
	})
	defer s.Close()
	register(t, s, "lab-1")

	ack := post(t, s, "/api/device/respond", "lab-1", map[string]any{
		"type": "server_request", "requestId": "q1", "body": map[string]int{"n": 1},
	})
	ack.Body.Close()

	resp := poll(t, s, "lab-1")
	defer resp.Body.Close()
	var item Item
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&item))
	assert.Equal(t, "server_response", item.Type)
	assert.Equal(t, "q1", item.RequestID)
	assert.Equal(t, "answer-q1", item.Body)
	assert.True(t, ContainsAny(s.Bodies(), `"n":1`))
}

func TestServerTLS(t *testing.T) {
	s := NewServer(Options{TLS: true})
	defer s.Close()

	assert.True(t, strings.HasPrefix(s.URL(), "https://"))
	cfg := s.ClientTLSConfig()
	require.NotNil(t, cfg)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	req, err := http.NewRequest(http.MethodGet, s.URL()+"/api/device/poll", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	plain := NewServer(Options{})
	defer plain.Close()
	assert.Nil(t, plain.ClientTLSConfig())
}
