package relay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/devrelay/relay-go/pkg/log"
)

// Relay endpoint paths, relative to Config.ServerURL.
const (
	RegisterPath = "/api/device/register"
	PollPath     = "/api/device/poll"
	RespondPath  = "/api/device/respond"
)

// DeviceIDHeader carries the device id on every request.
const DeviceIDHeader = "X-Device-Id"

// Session errors.
var (
	ErrNotRunning       = errors.New("session not running")
	ErrNotConnected     = errors.New("session not connected")
	ErrBusy             = errors.New("operation already in flight")
	ErrSessionStopped   = errors.New("session stopped")
	ErrRegistration     = errors.New("registration rejected")
	ErrMalformedReply   = errors.New("malformed relay reply")
	ErrRejected         = errors.New("relay rejected message")
	ErrRemote           = errors.New("remote error")
	ErrInvalidServerURL = errors.New("invalid server URL")
	ErrHandlerTimeout   = errors.New("handler timed out")
)

// Config configures a relay session.
type Config struct {
	// ServerURL is the relay base URL, e.g. https://relay.example.com.
	ServerURL string

	// DeviceName is sent with the registration.
	DeviceName string

	// Descriptor is the platform descriptor used for generated device ids.
	Descriptor string

	// Version is the client version sent with the registration.
	Version string

	// MinPollInterval is the poll interval after a non-empty poll.
	MinPollInterval time.Duration

	// MaxPollInterval caps the backed-off poll interval.
	MaxPollInterval time.Duration

	// BackoffCap caps the exponent of the empty-poll backoff.
	BackoffCap int

	// ReconnectDelay is the fixed delay before each re-registration attempt.
	ReconnectDelay time.Duration

	// PumpInterval is how often outstanding exchanges are advanced.
	PumpInterval time.Duration

	// ConnectTimeout bounds connection setup of each exchange.
	ConnectTimeout time.Duration

	// ExchangeTimeout bounds register, respond and notify exchanges.
	ExchangeTimeout time.Duration

	// PollTimeout bounds the long-poll exchange.
	PollTimeout time.Duration

	// HandlerTimeout bounds one invocation of the request handler. When it
	// expires the relay is answered with a 500 and a late result is dropped.
	HandlerTimeout time.Duration

	// RecentResponses is the number of answered request ids remembered so
	// a redelivered request is answered without invoking the handler again.
	// Zero disables the cache.
	RecentResponses int

	// TLSConfig is used for https relays. Nil means system roots.
	TLSConfig *tls.Config

	// Clock drives timers and deadlines. Nil means the wall clock.
	Clock clock.Clock

	// Logger receives operational logs. Nil disables them.
	Logger *slog.Logger

	// ProtocolLogger receives protocol capture events. Nil disables capture.
	ProtocolLogger log.Logger
}

// DefaultConfig returns a configuration with default timing values.
// ServerURL must still be set.
func DefaultConfig() Config {
	return Config{
		DeviceName:      "relay-device",
		Descriptor:      "device",
		Version:         "1.0.0",
		MinPollInterval: 1 * time.Second,
		MaxPollInterval: 30 * time.Second,
		BackoffCap:      5,
		ReconnectDelay:  5 * time.Second,
		PumpInterval:    50 * time.Millisecond,
		ConnectTimeout:  10 * time.Second,
		ExchangeTimeout: 30 * time.Second,
		PollTimeout:     60 * time.Second,
		HandlerTimeout:  30 * time.Second,
		RecentResponses: 64,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidServerURL)
	}
	if c.MinPollInterval <= 0 {
		return errors.New("MinPollInterval must be positive")
	}
	if c.MaxPollInterval < c.MinPollInterval {
		return errors.New("MaxPollInterval must not be less than MinPollInterval")
	}
	if c.BackoffCap < 0 {
		return errors.New("BackoffCap must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("ReconnectDelay must be positive")
	}
	if c.PumpInterval <= 0 {
		return errors.New("PumpInterval must be positive")
	}
	if c.ExchangeTimeout <= 0 || c.PollTimeout <= 0 {
		return errors.New("exchange timeouts must be positive")
	}
	if c.HandlerTimeout <= 0 {
		return errors.New("HandlerTimeout must be positive")
	}
	if c.RecentResponses < 0 {
		return errors.New("RecentResponses must not be negative")
	}
	return nil
}
