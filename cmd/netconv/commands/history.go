package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netconverge/netconverge/pkg/engine"
	"github.com/netconverge/netconverge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		filter  stores.HistoryFilter
		outcome string
		since   string
		until   string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the change ledger",
		Long: `Show change ledger entries, oldest first.

--since and --until take an RFC 3339 timestamp or a duration counted back
from now. --since is inclusive and --until is exclusive.`,
		Example: `  # Everything recorded for the office location
  netconv history --location Office

  # Failures during the last day
  netconv history --outcome failed --since 24h

  # One run as JSON
  netconv history --run 3f0c9a1e-... --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			var err error
			if filter.Since, err = parseTimeFlag(since, now); err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			if filter.Until, err = parseTimeFlag(until, now); err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}
			if outcome != "" {
				filter.Outcome = engine.Outcome(outcome)
				if err := filter.Outcome.Validate(); err != nil {
					return err
				}
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openStore(cmd.Context()); err != nil {
				return err
			}

			var records []engine.ChangeRecord
			for rec, err := range a.store.History(cmd.Context(), filter) {
				if err != nil {
					return err
				}
				records = append(records, rec)
			}

			if jsonOutput {
				if records == nil {
					records = []engine.ChangeRecord{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			}
			renderHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().StringVarP(&filter.Location, "location", "l", "", "only entries for this location")
	cmd.Flags().StringVar(&filter.RunID, "run", "", "only entries of this run")
	cmd.Flags().StringVar(&filter.Target, "target", "", "only entries for this entity (e.g. service/Wi-Fi)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only entries with this outcome")
	cmd.Flags().StringVar(&since, "since", "", "only entries at or after this time")
	cmd.Flags().StringVar(&until, "until", "", "only entries before this time")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 0, "maximum number of entries (0 for all)")

	return cmd
}

// parseTimeFlag accepts an RFC 3339 timestamp or a duration before now.
// An empty value is the zero time.
func parseTimeFlag(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither an RFC 3339 time nor a duration", value)
	}
	if d < 0 {
		return time.Time{}, fmt.Errorf("duration %q must not be negative", value)
	}
	return now.Add(-d), nil
}
