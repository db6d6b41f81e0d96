package commands

import (
	"github.com/spf13/cobra"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current network configuration",
		Long: `Read the current network configuration through read-only backend
queries and print it as YAML (or JSON with --json).

Sections the backend could not read are listed under "unknown" instead of
failing the snapshot.`,
		Example: `  # Show the current state
  netconv snapshot

  # Machine-readable output
  netconv snapshot --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.openStore(cmd.Context()); err != nil {
				return err
			}
			if err := a.openBackend(cmd.Context()); err != nil {
				return err
			}

			state, err := a.inspector.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), state)
			}
			return writeYAML(cmd.OutOrStdout(), state)
		},
	}
	return cmd
}
