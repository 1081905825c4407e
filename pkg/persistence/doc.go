// Package persistence stores relay device state that must survive restarts.
//
// The state file is JSON and holds the device identity (including the
// plaintext passcode needed to re-register) and the endpoints learned from
// the relay. In-flight exchanges are never persisted.
package persistence
