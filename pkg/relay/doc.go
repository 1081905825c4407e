// Package relay implements the device side of a cloud relay session.
//
// A device behind NAT registers with the relay, then long-polls it for work.
// Each polled item is a relayed request for the local Handler, a response to
// a request the device sent earlier, or a keep-alive ping. Responses are
// posted back to the relay before the next poll is issued.
//
// # Lifecycle
//
//	Idle --Start--> Registering --ok--> Connected (polling)
//	                     |                  |
//	                     | fail             | transport failure or 410
//	                     v                  v
//	                Disconnected <----------+
//	                     |
//	                     +--after ReconnectDelay--> Registering ...
//
// Stop returns the session to Idle from any state and aborts every
// outstanding exchange.
//
// # Threading
//
// All session state lives on an eventloop.Loop and is only touched by tasks
// running on it. The exported methods post work onto the loop and are safe to
// call from any goroutine. Network I/O runs through package exchange, which
// the session drives with a periodic pump task.
//
// # Polling
//
// Empty polls back off exponentially:
//
//	interval = min(MinPollInterval * 2^min(emptyPolls, BackoffCap), MaxPollInterval)
//
// Any non-empty item, including a ping, resets the interval to
// MinPollInterval. Reconnection uses the fixed ReconnectDelay.
package relay
