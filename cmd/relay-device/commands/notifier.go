package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/devrelay/relay-go/pkg/relay"
)

// consoleNotifier prints the pairing banner and logs status changes.
type consoleNotifier struct {
	out    io.Writer
	logger *slog.Logger
}

func newConsoleNotifier(out io.Writer, logger *slog.Logger) relay.Notifier {
	return &consoleNotifier{out: out, logger: logger}
}

func (n *consoleNotifier) OnStatusChange(connected bool, publicURL string) {
	if connected {
		n.logger.Info("connected to relay", "public_url", publicURL)
		return
	}
	n.logger.Warn("disconnected from relay")
}

func (n *consoleNotifier) OnFirstRegistration(deviceID, passcode, publicURL, tokenEndpoint string) {
	printPairingInfo(n.out, deviceID, passcode, publicURL, tokenEndpoint)
}

// printPairingInfo prints the credentials a client needs to pair with this
// device. It is the only place the plaintext passcode is shown.
func printPairingInfo(w io.Writer, deviceID, passcode, publicURL, tokenEndpoint string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "============================================")
	fmt.Fprintln(w, "            PAIRING INFORMATION             ")
	fmt.Fprintln(w, "============================================")
	fmt.Fprintf(w, "  Device ID:      %s\n", deviceID)
	fmt.Fprintf(w, "  Passcode:       %s\n", passcode)
	if publicURL != "" {
		fmt.Fprintf(w, "  Public URL:     %s\n", publicURL)
	}
	if tokenEndpoint != "" {
		fmt.Fprintf(w, "  Token endpoint: %s\n", tokenEndpoint)
	}
	fmt.Fprintln(w, "============================================")
	fmt.Fprintln(w)
}
