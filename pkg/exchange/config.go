package exchange

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/devrelay/relay-go/pkg/httpwire"
	"github.com/devrelay/relay-go/pkg/log"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTimeout        = 30 * time.Second
)

// Config configures exchanges. The zero value is usable; Start fills in
// defaults for unset fields.
type Config struct {
	// ConnectTimeout bounds the Connecting phase (default: 10s). It is clamped
	// so the connect deadline never exceeds the overall deadline.
	ConnectTimeout time.Duration

	// Timeout bounds the whole exchange (default: 30s).
	Timeout time.Duration

	// TLSConfig is cloned for each https exchange. ServerName defaults to the
	// target host. Nil means a default client configuration.
	TLSConfig *tls.Config

	// Dialer opens the TCP connection. Nil means a net.Dialer.
	Dialer Dialer

	// Clock provides the time used for deadlines. Nil means the wall clock.
	Clock clock.Clock

	// UserAgent is sent when the request does not carry its own.
	UserAgent string

	// MaxResponseSize bounds the bytes accepted for one response
	// (default: httpwire.MaxResponseSize).
	MaxResponseSize int

	// Logger receives operational logs. Nil disables them.
	Logger *slog.Logger

	// ProtocolLogger receives frame and phase events. Nil disables capture.
	ProtocolLogger log.Logger
}

// DefaultConfig returns a Config with the default timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  DefaultConnectTimeout,
		Timeout:         DefaultTimeout,
		MaxResponseSize: httpwire.MaxResponseSize,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectTimeout > c.Timeout {
		c.ConnectTimeout = c.Timeout
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = httpwire.MaxResponseSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Dialer == nil {
		c.Dialer = defaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.ProtocolLogger = log.OrNoop(c.ProtocolLogger)
	return c
}
