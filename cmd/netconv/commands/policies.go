package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the plan guard policies",
		Long: `List the built-in policies and those loaded from policy.paths.

Policies with severity "error" block a plan; the others only add warnings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.openGuard(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.guard == nil {
				fmt.Fprintln(out, mutedStyle.Render("Policies are disabled."))
				return nil
			}

			policies := a.guard.ListPolicies()
			if jsonOutput {
				type entry struct {
					Name        string `json:"name"`
					Description string `json:"description,omitempty"`
					Severity    string `json:"severity"`
					Enabled     bool   `json:"enabled"`
					Source      string `json:"source,omitempty"`
				}
				entries := make([]entry, 0, len(policies))
				for _, p := range policies {
					entries = append(entries, entry{
						Name:        p.Name,
						Description: p.Description,
						Severity:    string(p.Severity),
						Enabled:     p.Enabled,
						Source:      p.Source,
					})
				}
				return writeJSON(out, entries)
			}

			t := newTable("NAME", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if source == "" {
					source = "built-in"
				}
				severity := warnStyle
				if p.Severity.Blocking() {
					severity = errStyle
				}
				t.Row(p.Name, severity.Render(string(p.Severity)), strconv.FormatBool(p.Enabled), source, p.Description)
			}
			fmt.Fprintln(out, t.String())
			return nil
		},
	}
	return cmd
}
