// Package commands implements the relay-device CLI.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	StatePath string
	LogLevel  string
}

// ValidLogLevels are the accepted --log-level values.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// NewRootCommand creates the root command for the relay-device CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "relay-device",
		Short: "Relay device client",
		Long: `relay-device registers this device with a relay server, long-polls it for
relayed HTTP requests and answers them, usually by forwarding them to a local
service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidLogLevel(opts.LogLevel) {
				return fmt.Errorf("invalid log level %q: must be one of %v", opts.LogLevel, ValidLogLevels)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.StatePath, "state", defaultStatePath(), "path to the device state file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewIdentityCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))

	return cmd
}

func isValidLogLevel(level string) bool {
	for _, l := range ValidLogLevels {
		if l == level {
			return true
		}
	}
	return false
}

// defaultStatePath returns the per-user state file location, falling back
// to the working directory.
func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "relay-device.json"
	}
	return filepath.Join(dir, "relay-device", "state.json")
}
