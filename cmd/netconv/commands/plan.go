package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netconverge/netconverge/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		showDiff bool
		showDOT  bool
		outFile  string
	)

	cmd := &cobra.Command{
		Use:   "plan <document>",
		Short: "Show the changes needed to reach a desired state",
		Long: `Compare a desired-state document with the current configuration and
print the ordered change plan. Nothing is changed.

This command:
  - Loads and validates the document
  - Takes a read-only snapshot of the system
  - Computes the ordered operations and their dependencies
  - Runs the plan guard policies and reports warnings or denials`,
		Example: `  # Show the plan as a table
  netconv plan office.yaml

  # Show attribute changes as a unified diff
  netconv plan office.yaml --diff

  # Render the dependency graph with Graphviz
  netconv plan office.yaml --dot | dot -Tsvg > plan.svg

  # Save the plan for review
  netconv plan office.yaml --json --out plan.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if showDiff && showDOT {
				return fmt.Errorf("--diff and --dot cannot be combined")
			}

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

			plan, current, err := a.orchestrator.Plan(ctx, desired)
			if err != nil {
				return err
			}
			log.Info().Str("location", plan.Location).Int("ops", len(plan.Ops)).Msg("Plan computed")

			var guardErr error
			if a.guard != nil && !plan.IsEmpty() {
				res, err := a.guard.EvaluatePlan(ctx, plan, current)
				if err != nil {
					guardErr = err
				} else if res != nil {
					plan.Warnings = append(plan.Warnings, res.Warnings...)
				}
			}

			out := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				if err := writeJSON(f, plan); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				log.Info().Str("file", outFile).Msg("Plan written")
			}

			switch {
			case showDOT:
				fmt.Fprint(out, engine.ToDOT(plan))
			case showDiff:
				diff, err := planDiff(plan)
				if err != nil {
					return err
				}
				fmt.Fprint(out, diff)
			case jsonOutput:
				if outFile == "" {
					if err := writeJSON(out, plan); err != nil {
						return err
					}
				}
			default:
				renderPlan(out, plan)
			}

			if guardErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", errStyle.Render("denied:"), guardErr)
			}
			return guardErr
		},
	}

	cmd.Flags().BoolVar(&showDiff, "diff", false, "print the plan as a unified diff")
	cmd.Flags().BoolVar(&showDOT, "dot", false, "print the operation graph in Graphviz DOT format")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "also write the plan as JSON to this file")

	return cmd
}
