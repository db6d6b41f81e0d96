package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var (
		location string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List applies or show one apply report",
		Example: `  # Recent applies, newest first
  netconv runs --location Office

  # Full report of one apply
  netconv runs 3f0c9a1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openStore(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				report, err := a.store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if report == nil {
					return fmt.Errorf("run %s not found", args[0])
				}
				if jsonOutput {
					return writeJSON(out, report)
				}
				renderReport(out, report)
				return nil
			}

			runs, err := a.store.ListRuns(cmd.Context(), location, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, runs)
			}
			renderRuns(out, runs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&location, "location", "l", "", "only runs for this location")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}
