package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRequest(t *testing.T) {
	req := normalizeRequest(&PollItem{
		RequestID: "r1",
		Method:    "patch",
		Path:      "items/1",
		Headers:   map[string]string{"X-Trace": "t"},
		Body:      json.RawMessage(`"payload"`),
	})
	assert.Equal(t, "PATCH", req.Method)
	assert.Equal(t, "/items/1", req.Path)
	assert.Equal(t, "t", req.Headers["x-trace"])
	assert.Equal(t, "payload", string(req.Body))

	empty := normalizeRequest(&PollItem{RequestID: "r2"})
	assert.Equal(t, http.MethodPost, empty.Method)
	assert.Equal(t, "/", empty.Path)
	assert.Nil(t, empty.Body)
}

func TestDecodeBody(t *testing.T) {
	assert.Nil(t, decodeBody(nil))
	assert.Nil(t, decodeBody(json.RawMessage("null")))
	assert.Equal(t, "text", string(decodeBody(json.RawMessage(`"text"`))))
	assert.Equal(t, `{"a":1}`, string(decodeBody(json.RawMessage(`{"a":1}`))))
}

func TestRawJSON(t *testing.T) {
	assert.Equal(t, "null", string(rawJSON(nil)))
	assert.Equal(t, `{"a":1}`, string(rawJSON([]byte(`{"a":1}`))))
	assert.Equal(t, `"plain text"`, string(rawJSON([]byte("plain text"))))
}

func TestForwardHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/api/mcp", r.URL.Path)
		assert.Equal(t, "v=1", r.URL.RawQuery)
		assert.Equal(t, "abc", r.Header.Get("X-Relay-Request-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	h, err := ForwardHandler(srv.URL+"/api", srv.Client())
	require.NoError(t, err)

	resp, err := h.ServeRelay(context.Background(), &Request{
		ID:      "abc",
		Method:  http.MethodPost,
		Path:    "/mcp?v=1",
		Headers: map[string]string{"content-type": "application/json", "connection": "keep-alive"},
		Body:    []byte("hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "echo:hi", string(resp.Body))
	assert.Equal(t, "application/json", resp.Headers["content-type"])
}

func TestForwardHandlerErrors(t *testing.T) {
	_, err := ForwardHandler("ftp://local", nil)
	assert.Error(t, err)

	h, err := ForwardHandler("http://127.0.0.1:1", nil)
	require.NoError(t, err)
	_, err = h.ServeRelay(context.Background(), &Request{Method: "GET", Path: "/"})
	assert.Error(t, err)
}
