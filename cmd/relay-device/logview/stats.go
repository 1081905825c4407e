package logview

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/devrelay/relay-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Exchanges         map[string]*ExchangeStats
	StatusCodes       map[int]int
	Errors            int
	BytesIn           int
	BytesOut          int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ExchangeStats holds statistics for a single exchange.
type ExchangeStats struct {
	Kind       string
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	FinalPhase string
	StatusCode int
}

// Collect reads a log file and aggregates its events.
func Collect(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Exchanges:         make(map[string]*ExchangeStats),
		StatusCodes:       make(map[int]int),
	}

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		stats.add(event)
	}
	return stats, nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Error != nil {
		s.Errors++
	}
	if event.Frame != nil {
		if event.Direction == log.DirectionIn {
			s.BytesIn += event.Frame.Size
		} else {
			s.BytesOut += event.Frame.Size
		}
	}

	if event.ExchangeID == "" {
		return
	}
	x, ok := s.Exchanges[event.ExchangeID]
	if !ok {
		x = &ExchangeStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Exchanges[event.ExchangeID] = x
	}
	x.Events++
	if event.Timestamp.After(x.LastSeen) {
		x.LastSeen = event.Timestamp
	}
	if ev := event.Exchange; ev != nil {
		if ev.Kind != "" {
			x.Kind = ev.Kind
		}
		x.FinalPhase = ev.NewPhase
		if ev.StatusCode != 0 {
			x.StatusCode = ev.StatusCode
			s.StatusCodes[ev.StatusCode]++
		}
	}
}

// RunStats analyzes a log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := Collect(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Relay Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Bytes:        %d out, %d in\n", stats.BytesOut, stats.BytesIn)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerExchange, log.LayerSession} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryFrame, log.CategoryExchange, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	kinds := make(map[string]int)
	for _, x := range stats.Exchanges {
		kind := x.Kind
		if kind == "" {
			kind = "unknown"
		}
		kinds[kind]++
	}
	fmt.Fprintf(w, "Exchanges: %d\n", len(stats.Exchanges))
	for _, kind := range sortedKeys(kinds) {
		fmt.Fprintf(w, "  %-12s %d\n", kind+":", kinds[kind])
	}
	fmt.Fprintln(w)

	if len(stats.StatusCodes) > 0 {
		codes := make([]int, 0, len(stats.StatusCodes))
		for c := range stats.StatusCodes {
			codes = append(codes, c)
		}
		sort.Ints(codes)
		fmt.Fprintln(w, "Status Codes:")
		for _, c := range codes {
			fmt.Fprintf(w, "  %d: %d\n", c, stats.StatusCodes[c])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
