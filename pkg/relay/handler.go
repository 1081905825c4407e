package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request is a relayed request handed to a Handler.
type Request struct {
	// ID is the relay request id.
	ID string

	// Method is the HTTP method. Empty methods are normalized to POST.
	Method string

	// Path is the request path on the device, e.g. "/mcp".
	Path string

	// Headers are the request headers with lower-cased names.
	Headers map[string]string

	// Body is the request body.
	Body []byte
}

// Response is a Handler's answer.
type Response struct {
	// Status is the HTTP status. Zero means 200.
	Status int

	// Headers are optional response headers.
	Headers map[string]string

	// Body is the response body. The relay carries it as a JSON string, so
	// it must be UTF-8 text; invalid sequences are replaced with U+FFFD.
	Body []byte
}

// Handler serves relayed requests. ServeRelay runs on its own goroutine and
// may block; ctx is cancelled when the session stops or HandlerTimeout
// elapses. A returned error, or a panic, is answered with a 500 response.
type Handler interface {
	ServeRelay(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// ServeRelay calls f(ctx, req).
func (f HandlerFunc) ServeRelay(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// normalizeRequest builds the handler request for a poll item.
func normalizeRequest(item *PollItem) *Request {
	method := strings.ToUpper(item.Method)
	if method == "" {
		method = http.MethodPost
	}
	path := item.Path
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	headers := make(map[string]string, len(item.Headers))
	for k, v := range item.Headers {
		headers[strings.ToLower(k)] = v
	}
	return &Request{
		ID:      item.RequestID,
		Method:  method,
		Path:    path,
		Headers: headers,
		Body:    decodeBody(item.Body),
	}
}

// hopHeaders are not forwarded between the relay and a local service.
var hopHeaders = map[string]bool{
	"connection":        true,
	"content-length":    true,
	"host":              true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// ForwardHandler returns a Handler that forwards relayed requests to a local
// HTTP service at baseURL. client may be nil to use http.DefaultClient.
func ForwardHandler(baseURL string, client *http.Client) (Handler, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse forward URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("forward URL must be http or https, got %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}

	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		rel, err := url.Parse(req.Path)
		if err != nil {
			return nil, fmt.Errorf("parse path %q: %w", req.Path, err)
		}
		target := *base
		target.Path = strings.TrimSuffix(base.Path, "/") + rel.Path
		target.RawPath = ""
		target.RawQuery = rel.RawQuery

		hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		for k, v := range req.Headers {
			if !hopHeaders[strings.ToLower(k)] {
				hreq.Header.Set(k, v)
			}
		}
		hreq.Header.Set("X-Relay-Request-Id", req.ID)

		hresp, err := client.Do(hreq)
		if err != nil {
			return nil, fmt.Errorf("forward request: %w", err)
		}
		defer hresp.Body.Close()

		body, err := io.ReadAll(hresp.Body)
		if err != nil {
			return nil, fmt.Errorf("read forwarded response: %w", err)
		}
		headers := make(map[string]string, len(hresp.Header))
		for k := range hresp.Header {
			if !hopHeaders[strings.ToLower(k)] {
				headers[strings.ToLower(k)] = hresp.Header.Get(k)
			}
		}
		return &Response{Status: hresp.StatusCode, Headers: headers, Body: body}, nil
	}), nil
}
