// Package credential generates and verifies device credentials for the relay.
//
// A device is identified by a device ID and authenticated by a short numeric
// passcode that the user types into the remote client. The relay never sees
// the passcode itself: only its digest (see HashPasscode) is transmitted.
//
// # Device ID
//
// Device IDs combine a platform descriptor with a random suffix:
//
//	<descriptor>-<4 lowercase alphanumerics>
//
// The suffix exists for uniqueness between devices sharing a descriptor,
// not for security.
//
// # Passcode
//
// Passcodes are 6 decimal digits (leading zeros kept). They are a
// convenience PIN, not a cryptographic secret.
package credential
