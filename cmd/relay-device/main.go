// Command relay-device connects a device to a relay server.
//
// The device registers with the relay, long-polls it for relayed HTTP
// requests and answers them, optionally by forwarding them to a local
// service.
//
// Usage:
//
//	relay-device <command> [flags]
//
// Commands:
//
//	run        Register and serve relayed requests
//	identity   Show, rotate or reset the stored identity
//	log        View, export or summarize protocol logs
//
// Examples:
//
//	# Forward relayed requests to a local web service
//	relay-device run --server https://relay.example.com --forward http://127.0.0.1:8080
//
//	# Run with a config file and the interactive console
//	relay-device run --config relay.yaml --interactive
//
//	# Show the stored identity including the passcode
//	relay-device identity show --reveal
package main

import (
	"fmt"
	"os"

	"github.com/devrelay/relay-go/cmd/relay-device/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
