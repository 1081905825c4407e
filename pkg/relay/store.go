package relay

import (
	"github.com/devrelay/relay-go/pkg/credential"
)

// IdentityStore persists the device identity between runs.
type IdentityStore interface {
	SaveIdentity(id *credential.Identity) error
}
