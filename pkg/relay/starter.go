package relay

import (
	"github.com/devrelay/relay-go/pkg/exchange"
)

// Handle is an in-flight exchange as seen by the session.
type Handle interface {
	ID() string
	Poll() exchange.Phase
	Abort()
	Done() bool
}

// Starter begins an exchange. The default uses exchange.Start; tests
// substitute a scripted implementation.
type Starter func(cfg exchange.Config, req exchange.Request, cb exchange.Callback) (Handle, error)

// StartExchange is the default Starter.
func StartExchange(cfg exchange.Config, req exchange.Request, cb exchange.Callback) (Handle, error) {
	x, err := exchange.Start(cfg, req, cb)
	if err != nil {
		return nil, err
	}
	return x, nil
}

// Compile-time interface satisfaction check.
var _ Handle = (*exchange.Exchange)(nil)
