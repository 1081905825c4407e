package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/devrelay/relay-go/pkg/persistence"
)

// ErrNoIdentity is returned when the state file holds no identity yet.
var ErrNoIdentity = errors.New("no identity stored; run the device once to create one")

// NewIdentityCommand creates the identity command group.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or change the stored device identity",
	}
	cmd.AddCommand(newIdentityShowCommand(rootOpts))
	cmd.AddCommand(newIdentityRotateCommand(rootOpts))
	cmd.AddCommand(newIdentityResetCommand(rootOpts))
	return cmd
}

func newIdentityShowCommand(rootOpts *RootOptions) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showIdentity(persistence.NewStateStore(rootOpts.StatePath), reveal, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the plaintext passcode")
	return cmd
}

func newIdentityRotateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new passcode, keeping the device id",
		Long: `Generate a new passcode, keeping the device id. The relay endpoints are
cleared; the next run registers the new passcode hash.

Use the interactive console's rotate command to rotate a running device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rotateIdentity(persistence.NewStateStore(rootOpts.StatePath), cmd.OutOrStdout())
		},
	}
}

func newIdentityResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the stored identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := persistence.NewStateStore(rootOpts.StatePath)
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", store.Path())
			return nil
		},
	}
}

func showIdentity(store *persistence.StateStore, reveal bool, w io.Writer) error {
	state, err := store.Load()
	if err != nil {
		return err
	}
	if state == nil || state.Identity == nil {
		return ErrNoIdentity
	}

	id := state.Identity
	passcode := "******"
	if reveal {
		passcode = id.Passcode
	}
	fmt.Fprintf(w, "Device ID:      %s\n", id.DeviceID)
	fmt.Fprintf(w, "Passcode:       %s\n", passcode)
	fmt.Fprintf(w, "Passcode hash:  %s\n", id.PasscodeHash)
	fmt.Fprintf(w, "Server:         %s\n", orNone(state.ServerURL))
	fmt.Fprintf(w, "Public URL:     %s\n", orNone(id.PublicURL))
	fmt.Fprintf(w, "Token endpoint: %s\n", orNone(id.TokenEndpoint))
	if !state.RegisteredAt.IsZero() {
		fmt.Fprintf(w, "Registered at:  %s\n", state.RegisteredAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func rotateIdentity(store *persistence.StateStore, w io.Writer) error {
	id, err := store.LoadIdentity()
	if err != nil {
		return err
	}
	if id == nil {
		return ErrNoIdentity
	}
	if err := id.Rotate(); err != nil {
		return err
	}
	if err := store.SaveIdentity(id); err != nil {
		return err
	}
	printPairingInfo(w, id.DeviceID, id.Passcode, "", "")
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
