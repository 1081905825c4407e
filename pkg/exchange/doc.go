// Package exchange performs a single HTTP or HTTPS request/response exchange
// without blocking its caller.
//
// An Exchange moves through explicit phases:
//
//	Connecting -> Handshake (https only) -> Sending -> Receiving -> Done
//	                                                             \-> Error
//
// Start returns immediately. The owner calls Poll periodically (typically from
// an event loop task); each call checks the deadlines and advances the
// exchange by at most one phase. Operations that would block run behind
// readiness channels and Poll only observes them with non-blocking receives,
// so Poll itself never waits.
//
// When the exchange becomes terminal the completion callback runs exactly
// once, from within Poll, and the connection is closed. Abort closes the
// exchange from any phase without invoking the callback.
//
// The response is read until the peer closes the connection, which is how the
// relay frames every reply. The collected bytes are then decoded by
// package httpwire.
package exchange
