package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netconverge/netconverge/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		dryRun bool
		owner  string
	)

	cmd := &cobra.Command{
		Use:   "apply <document>",
		Short: "Converge the system to a desired state",
		Long: `Converge the network configuration to a desired-state document.

This command:
  - Takes the location lock so only one apply runs at a time
  - Snapshots the system and computes the plan
  - Refuses plans denied by policy
  - Executes operations in order, retrying transient failures
  - Records every attempted operation in the change ledger
  - Switches location first when needed, then converges the new location

With --dry-run every operation is validated but nothing is executed,
recorded or locked.`,
		Example: `  # Converge to the office profile
  netconv apply office.yaml

  # Validate the plan against the backend's verb catalog only
  netconv apply office.yaml --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			desired, err := a.loadDocument(ctx, args[0])
			if err != nil {
				renderValidationErrors(cmd, err)
				return err
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			if err := a.openBackend(ctx); err != nil {
				return err
			}

			if owner == "" {
				owner = defaultOwner()
			}
			log.Info().
				Str("document", args[0]).
				Str("location", desired.Location()).
				Bool("dry_run", dryRun).
				Msg("Applying desired state")

			report, err := a.orchestrator.Converge(ctx, desired, engine.ConvergeOptions{
				DryRun:  dryRun,
				Owner:   owner,
				LockTTL: a.cfg.LockTTL,
			})
			if report != nil {
				if jsonOutput {
					if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
						return werr
					}
				} else {
					renderReport(cmd.OutOrStdout(), report)
				}
			}
			if err != nil {
				if errors.Is(err, engine.ErrLocked) {
					if info, lerr := a.store.GetLock(ctx, desired.Location()); lerr == nil && info != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "location %q is locked by %s until %s\n",
							info.Location, info.Owner, info.ExpiresAt.Local().Format("15:04:05"))
					}
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the plan without executing it")
	cmd.Flags().StringVar(&owner, "owner", "", "lock owner recorded for this apply (default user@host:pid)")

	return cmd
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "netconv"
	}
	return fmt.Sprintf("%s@%s:%d", user, host, os.Getpid())
}
