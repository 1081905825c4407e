package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/devrelay/relay-go/cmd/relay-device/logview"
	"github.com/devrelay/relay-go/pkg/log"
)

// logFilterFlags are the event filter flags shared by log view and export.
type logFilterFlags struct {
	exchangeID string
	deviceID   string
	layer      string
	direction  string
	category   string
	timeStart  string
	timeEnd    string
}

func (f *logFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.exchangeID, "exchange", "", "filter by exchange id")
	cmd.Flags().StringVar(&f.deviceID, "device", "", "filter by device id")
	cmd.Flags().StringVar(&f.layer, "layer", "", "filter by layer (transport, exchange, session)")
	cmd.Flags().StringVar(&f.direction, "direction", "", "filter by direction (in, out)")
	cmd.Flags().StringVar(&f.category, "category", "", "filter by category (frame, exchange, state, error)")
	cmd.Flags().StringVar(&f.timeStart, "time-start", "", "only events at or after this time (RFC3339)")
	cmd.Flags().StringVar(&f.timeEnd, "time-end", "", "only events before this time (RFC3339)")
}

func (f *logFilterFlags) filter() (log.Filter, error) {
	filter := log.Filter{ExchangeID: f.exchangeID, DeviceID: f.deviceID}
	if f.layer != "" {
		l, err := logview.ParseLayer(f.layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if f.direction != "" {
		d, err := logview.ParseDirection(f.direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if f.category != "" {
		c, err := logview.ParseCategory(f.category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	if f.timeStart != "" {
		t, err := time.Parse(time.RFC3339, f.timeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid --time-start: %w", err)
		}
		filter.TimeStart = &t
	}
	if f.timeEnd != "" {
		t, err := time.Parse(time.RFC3339, f.timeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid --time-end: %w", err)
		}
		filter.TimeEnd = &t
	}
	return filter, nil
}

// NewLogCommand creates the protocol log command group.
func NewLogCommand(_ *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect protocol log files written with --protocol-log",
	}
	cmd.AddCommand(newLogViewCommand())
	cmd.AddCommand(newLogExportCommand())
	cmd.AddCommand(newLogStatsCommand())
	return cmd
}

func newLogViewCommand() *cobra.Command {
	var flags logFilterFlags
	cmd := &cobra.Command{
		Use:   "view <file>",
		Short: "View a protocol log in human-readable form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			return logview.RunView(args[0], filter, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	return cmd
}

func newLogExportCommand() *cobra.Command {
	var (
		flags  logFilterFlags
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export a protocol log as jsonl or csv",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer f.Close()
				w = f
			}
			return logview.RunExport(args[0], format, filter, w)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&format, "format", "jsonl", "output format (jsonl, csv)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func newLogStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Show statistics about a protocol log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return logview.RunStats(args[0], cmd.OutOrStdout())
		},
	}
}
