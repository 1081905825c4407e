package relay

// Notifier receives session events. Methods are called on the session's
// event loop and must not block.
type Notifier interface {
	// OnStatusChange reports each transition into or out of the connected
	// state. publicURL is empty when disconnected.
	OnStatusChange(connected bool, publicURL string)

	// OnFirstRegistration fires once per freshly generated passcode, after
	// the relay accepted it. This is the only time the plaintext passcode
	// leaves the session.
	OnFirstRegistration(deviceID, passcode, publicURL, tokenEndpoint string)
}

// NotifierFuncs adapts optional functions to the Notifier interface.
type NotifierFuncs struct {
	StatusChange      func(connected bool, publicURL string)
	FirstRegistration func(deviceID, passcode, publicURL, tokenEndpoint string)
}

// OnStatusChange calls StatusChange if set.
func (n NotifierFuncs) OnStatusChange(connected bool, publicURL string) {
	if n.StatusChange != nil {
		n.StatusChange(connected, publicURL)
	}
}

// OnFirstRegistration calls FirstRegistration if set.
func (n NotifierFuncs) OnFirstRegistration(deviceID, passcode, publicURL, tokenEndpoint string) {
	if n.FirstRegistration != nil {
		n.FirstRegistration(deviceID, passcode, publicURL, tokenEndpoint)
	}
}

// Compile-time interface satisfaction check.
var _ Notifier = NotifierFuncs{}
