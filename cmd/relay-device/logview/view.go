// Package logview implements the protocol log commands of relay-device.
package logview

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/devrelay/relay-go/pkg/log"
)

// ParseDirection parses a direction flag value ("in" or "out").
func ParseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction %q (valid: in, out)", s)
	}
}

// ParseLayer parses a layer flag value, case-insensitively.
func ParseLayer(s string) (log.Layer, error) {
	l, ok := log.ParseLayer(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid layer %q (valid: transport, exchange, session)", s)
	}
	return l, nil
}

// ParseCategory parses a category flag value, case-insensitively.
func ParseCategory(s string) (log.Category, error) {
	c, ok := log.ParseCategory(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid category %q (valid: frame, exchange, state, error)", s)
	}
	return c, nil
}

// RunView prints the events of a log file that match filter.
func RunView(path string, filter log.Filter, w io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		formatEvent(w, event)
	}
}

// eventType returns the label of the event's payload.
func eventType(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Exchange != nil:
		return "Exchange"
	case event.StateChange != nil:
		return "State"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [xchg:%s] %-3s %s %s\n",
		ts, shortenID(event.ExchangeID), event.Direction.String(), event.Layer.String(), eventType(event))

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Exchange != nil:
		formatExchangeDetails(w, event.Exchange)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}
	if event.DeviceID != "" {
		fmt.Fprintf(w, "  Device: %s\n", event.DeviceID)
	}

	fmt.Fprintln(w)
}

// shortenID returns the first 8 characters of an exchange id, or "-" for
// session events.
func shortenID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) == 0 {
		return
	}
	// HTTP heads are text; only the first line is shown.
	first, _, _ := strings.Cut(string(frame.Data), "\n")
	first = strings.TrimRight(first, "\r")
	if utf8.ValidString(first) {
		fmt.Fprintf(w, "  Line: %s", first)
	} else {
		fmt.Fprintf(w, "  Line: <binary>")
	}
	if frame.Truncated {
		fmt.Fprint(w, " (truncated)")
	}
	fmt.Fprintln(w)
}

func formatExchangeDetails(w io.Writer, x *log.ExchangeEvent) {
	if x.Kind != "" {
		fmt.Fprintf(w, "  Kind: %s %s %s\n", x.Kind, x.Method, x.URL)
	}
	if x.OldPhase != "" {
		fmt.Fprintf(w, "  %s -> %s\n", x.OldPhase, x.NewPhase)
	} else {
		fmt.Fprintf(w, "  -> %s\n", x.NewPhase)
	}
	if x.StatusCode != 0 {
		fmt.Fprintf(w, "  Status: %d\n", x.StatusCode)
	}
	if x.Elapsed > 0 {
		fmt.Fprintf(w, "  Elapsed: %s\n", formatDuration(x.Elapsed))
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Code != nil {
		fmt.Fprintf(w, "  Code: %d\n", *err.Code)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration prints sub-second durations in ms and longer ones rounded.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	}
	return d.Round(time.Millisecond).String()
}
