package httpwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Codec errors.
var (
	ErrNoHeaderEnd   = errors.New("response head not terminated")
	ErrBadStatusLine = errors.New("malformed status line")
	ErrBadHeader     = errors.New("malformed header line")
	ErrBadChunking   = errors.New("malformed chunked body")
)

// MaxResponseSize bounds the bytes accumulated for one response.
const MaxResponseSize = 8 * 1024 * 1024

var (
	crlf         = []byte("\r\n")
	headEndCRLF  = []byte("\r\n\r\n")
	headEndLF    = []byte("\n\n")
	reservedHdrs = map[string]bool{
		"host":           true,
		"content-length": true,
		"connection":     true,
	}
)

// Response is a parsed HTTP response.
type Response struct {
	// StatusCode is the numeric status, e.g. 200.
	StatusCode int

	// Status is the reason phrase, possibly empty.
	Status string

	// Headers maps lower-cased header names to values. Repeated headers are
	// joined with ", ".
	Headers map[string]string

	// Body is the decoded response body.
	Body []byte
}

// Header returns the value of a header, matching the name case-insensitively.
func (r *Response) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// EncodeRequest renders a complete HTTP/1.1 request for target.
// Host, Content-Length and Connection are always set by the codec; values for
// them in headers are ignored. Other headers are written in sorted order.
func EncodeRequest(method string, target *url.URL, headers map[string]string, body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(256 + len(body))

	path := target.RequestURI()
	if path == "" {
		path = "/"
	}
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte(' ')
	buf.WriteString(path)
	buf.WriteString(" HTTP/1.1\r\n")

	writeHeader(&buf, "Host", target.Host)

	names := make([]string, 0, len(headers))
	for name := range headers {
		if reservedHdrs[strings.ToLower(name)] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeHeader(&buf, name, headers[name])
	}

	writeHeader(&buf, "Content-Length", strconv.Itoa(len(body)))
	writeHeader(&buf, "Connection", "close")
	buf.Write(crlf)
	buf.Write(body)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	// Header injection guard: values never span lines.
	value = strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.Write(crlf)
}

// ParseResponse parses the bytes of a complete, close-delimited response.
func ParseResponse(raw []byte) (*Response, error) {
	head, body, err := splitHead(raw)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	code, reason, err := parseStatusLine(lines[0])
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StatusCode: code,
		Status:     reason,
		Headers:    make(map[string]string, len(lines)-1),
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadHeader, line)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if prev, exists := resp.Headers[name]; exists {
			value = prev + ", " + value
		}
		resp.Headers[name] = value
	}

	if strings.Contains(strings.ToLower(resp.Headers["transfer-encoding"]), "chunked") {
		decoded, err := io.ReadAll(httputil.NewChunkedReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadChunking, err)
		}
		body = decoded
	} else if cl := resp.Headers["content-length"]; cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 && n < len(body) {
			body = body[:n]
		}
	}
	resp.Body = body
	return resp, nil
}

// splitHead splits raw at the first blank line. CRLF is expected, bare LF
// is tolerated.
func splitHead(raw []byte) (head, body []byte, err error) {
	crlfIdx := bytes.Index(raw, headEndCRLF)
	lfIdx := bytes.Index(raw, headEndLF)

	switch {
	case crlfIdx >= 0 && (lfIdx < 0 || crlfIdx < lfIdx):
		return raw[:crlfIdx], raw[crlfIdx+len(headEndCRLF):], nil
	case lfIdx >= 0:
		return raw[:lfIdx], raw[lfIdx+len(headEndLF):], nil
	}

	// A head with no body at all, terminated only by EOF.
	if bytes.HasPrefix(raw, []byte("HTTP/")) {
		return bytes.TrimRight(raw, "\r\n"), nil, nil
	}
	return nil, nil, ErrNoHeaderEnd
}

func parseStatusLine(line string) (int, string, error) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, "", fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	_, rest, ok := strings.Cut(line, " ")
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 || code < 100 {
		return 0, "", fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	return code, strings.TrimSpace(reason), nil
}
