// Package interactive provides the interactive console of relay-device.
package interactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/devrelay/relay-go/pkg/correlator"
	"github.com/devrelay/relay-go/pkg/relay"
)

// Session is the part of a relay session the console drives.
type Session interface {
	Start()
	Stop()
	PollForRequests()
	SendNotification(body json.RawMessage, cb func(error))
	SendRequest(id string, body json.RawMessage, cb correlator.Continuation) string
	RotatePasscode(cb func(error))
	Snapshot(ctx context.Context) (relay.Snapshot, error)
}

var _ Session = (*relay.Session)(nil)

// Console handles interactive mode for relay-device.
type Console struct {
	session Session
	rl      *readline.Instance
	out     io.Writer
}

// New creates a console reading commands from the terminal. Attach a
// session before calling Run.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "relay> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl, out: rl.Stdout()}, nil
}

// Attach sets the session the console drives.
func (c *Console) Attach(session Session) {
	c.session = session
}

// Close releases the terminal. Run closes it itself.
func (c *Console) Close() error {
	return c.rl.Close()
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run reads and executes commands until quit, EOF or ctx is done. It calls
// cancel when the user quits.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if !c.Execute(ctx, line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns false when the user asked to
// quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}

	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help", "?":
		c.printHelp()

	case "status", "s":
		c.cmdStatus(ctx)

	case "notify", "n":
		c.cmdNotify(rest)

	case "request", "req":
		c.cmdRequest(rest)

	case "poll":
		c.session.PollForRequests()
		fmt.Fprintln(c.out, "Poll requested")

	case "rotate":
		c.cmdRotate()

	case "start":
		c.session.Start()
		fmt.Fprintln(c.out, "Session starting")

	case "stop":
		c.session.Stop()
		fmt.Fprintln(c.out, "Session stopped")

	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Relay Device Commands:
  Session:
    status             - Show session status
    start              - Start the session (register and poll)
    stop               - Stop the session
    poll               - Poll the relay now
    rotate             - Generate a new passcode and re-register

  Messages:
    notify <json>      - Send a notification to the relay
    request <json>     - Send a request and print the server response

  General:
    help               - Show this help
    quit               - Exit`)
}

func (c *Console) cmdStatus(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	snap, err := c.session.Snapshot(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintln(c.out, "Session Status:")
	fmt.Fprintf(c.out, "  State:          %s\n", snap.State)
	fmt.Fprintf(c.out, "  Device ID:      %s\n", orDash(snap.DeviceID))
	fmt.Fprintf(c.out, "  Public URL:     %s\n", orDash(snap.PublicURL))
	fmt.Fprintf(c.out, "  Token endpoint: %s\n", orDash(snap.TokenEndpoint))
	fmt.Fprintf(c.out, "  Empty polls:    %d (next poll in %s)\n", snap.ConsecutiveEmptyPolls, snap.NextPollInterval)
	fmt.Fprintf(c.out, "  Pending:        %d\n", snap.PendingRequests)
	if len(snap.ActiveExchanges) > 0 {
		fmt.Fprintf(c.out, "  Active:         %s\n", strings.Join(snap.ActiveExchanges, ", "))
	}
	if snap.Reconnecting {
		fmt.Fprintln(c.out, "  Reconnect scheduled")
	}
}

func (c *Console) cmdNotify(arg string) {
	body, ok := c.parseJSON("notify", arg)
	if !ok {
		return
	}
	c.session.SendNotification(body, func(err error) {
		if err != nil {
			fmt.Fprintf(c.out, "Notification failed: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "Notification sent")
	})
}

func (c *Console) cmdRequest(arg string) {
	body, ok := c.parseJSON("request", arg)
	if !ok {
		return
	}
	id := c.session.SendRequest("", body, func(resp []byte, err error) {
		if err != nil {
			fmt.Fprintf(c.out, "Request failed: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "Response: %s\n", resp)
	})
	fmt.Fprintf(c.out, "Request %s sent\n", id)
}

func (c *Console) cmdRotate() {
	c.session.RotatePasscode(func(err error) {
		if err != nil {
			fmt.Fprintf(c.out, "Rotate failed: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "Passcode rotated")
	})
}

func (c *Console) parseJSON(cmd, arg string) (json.RawMessage, bool) {
	if arg == "" {
		fmt.Fprintf(c.out, "Usage: %s <json>\n", cmd)
		return nil, false
	}
	if !json.Valid([]byte(arg)) {
		fmt.Fprintf(c.out, "Invalid JSON: %s\n", arg)
		return nil, false
	}
	return json.RawMessage(arg), true
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
