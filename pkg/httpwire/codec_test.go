package httpwire

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	u, err := url.Parse("https://relay.example.com:8443/api/device/poll?wait=30")
	require.NoError(t, err)

	raw := string(EncodeRequest("post", u, map[string]string{
		"X-Device-Id":    "box-ab12",
		"Content-Type":   "application/json",
		"Content-Length": "999",
		"Host":           "evil.example",
	}, []byte(`{"a":1}`)))

	want := "POST /api/device/poll?wait=30 HTTP/1.1\r\n" +
		"Host: relay.example.com:8443\r\n" +
		"Content-Type: application/json\r\n" +
		"X-Device-Id: box-ab12\r\n" +
		"Content-Length: 7\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		`{"a":1}`
	assert.Equal(t, want, raw)
}

func TestEncodeRequestDefaultsPathAndStripsNewlines(t *testing.T) {
	u, err := url.Parse("http://relay.local")
	require.NoError(t, err)

	raw := string(EncodeRequest("GET", u, map[string]string{"X-Test": "a\r\nInjected: yes"}, nil))
	assert.True(t, strings.HasPrefix(raw, "GET / HTTP/1.1\r\n"))
	assert.Contains(t, raw, "X-Test: a  Injected: yes\r\n")
	assert.Contains(t, raw, "Content-Length: 0\r\n")
}

func TestParseResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/json\r\n" +
		"X-Request-ID: abc\r\n" +
		"Set-Cookie: a=1\r\n" +
		"Set-Cookie: b=2\r\n" +
		"\r\n" +
		`{"type":"ping"}`

	resp, err := ParseResponse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.Status)
	assert.True(t, resp.OK())
	assert.Equal(t, "application/json", resp.Headers["content-type"])
	assert.Equal(t, "abc", resp.Header("X-Request-Id"))
	assert.Equal(t, "a=1, b=2", resp.Headers["set-cookie"])
	assert.Equal(t, `{"type":"ping"}`, string(resp.Body))
}

func TestParseResponseBodyContainingBlankLine(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n\r\nline1\r\n\r\nline2"
	resp, err := ParseResponse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "line1\r\n\r\nline2", string(resp.Body))
}

func TestParseResponseNoContent(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 204 No Content\r\nDate: today\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Empty(t, resp.Body)

	resp, err = ParseResponse([]byte("HTTP/1.0 410 Gone\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 410, resp.StatusCode)
	assert.False(t, resp.OK())
}

func TestParseResponseBareLF(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 201 Created\nLocation: /x\n\nbody"))
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "/x", resp.Headers["location"])
	assert.Equal(t, "body", string(resp.Body))
}

func TestParseResponseChunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\n\r\n"
	resp, err := ParseResponse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(resp.Body))

	_, err = ParseResponse([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"))
	assert.ErrorIs(t, err, ErrBadChunking)
}

func TestParseResponseContentLengthTruncates(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nokGARBAGE"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))

	// A longer Content-Length than received keeps what arrived.
	resp, err = ParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 20\r\n\r\nshort"))
	require.NoError(t, err)
	assert.Equal(t, "short", string(resp.Body))
}

func TestParseResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"Empty", "", ErrNoHeaderEnd},
		{"Garbage", "hello world", ErrNoHeaderEnd},
		{"NotHTTP", "SSH-2.0-OpenSSH\r\n\r\n", ErrBadStatusLine},
		{"NoCode", "HTTP/1.1\r\n\r\n", ErrBadStatusLine},
		{"BadCode", "HTTP/1.1 2x0 OK\r\n\r\n", ErrBadStatusLine},
		{"BadHeader", "HTTP/1.1 200 OK\r\nnocolon\r\n\r\n", ErrBadHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
