package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netconverge/netconverge/pkg/config"
	"github.com/netconverge/netconverge/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var printSchema bool

	cmd := &cobra.Command{
		Use:   "validate [document]",
		Short: "Validate a desired-state document",
		Long: `Validate a desired-state document without contacting the backend.

This command checks:
  - Document syntax (YAML, CUE or Starlark, chosen by extension)
  - Schema conformance, including unknown fields
  - Semantic rules such as unique service names and DHCP without a router`,
		Example: `  # Validate a YAML document
  netconv validate office.yaml

  # Print the CUE schema documents are checked against
  netconv validate --schema`,
		Args: func(cmd *cobra.Command, args []string) error {
			if printSchema {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if printSchema {
				fmt.Fprintln(out, a.documents.Schema())
				return nil
			}

			path := args[0]
			log.Debug().Str("document", path).Msg("Validating document")

			desired, err := a.documents.LoadFile(cmd.Context(), path)
			if err != nil {
				renderValidationErrors(cmd, err)
				return fmt.Errorf("%s is not valid", path)
			}

			if jsonOutput {
				return writeJSON(out, map[string]interface{}{
					"document": path,
					"valid":    true,
					"location": desired.Location(),
					"services": len(desired.Document().Services),
				})
			}
			fmt.Fprintf(out, "%s %s declares location %q with %d service(s)\n",
				okStyle.Render("valid:"), path, desired.Location(), len(desired.Document().Services))
			return nil
		},
	}

	cmd.Flags().BoolVar(&printSchema, "schema", false, "print the document schema and exit")

	return cmd
}

// renderValidationErrors prints one line per problem found in a document.
func renderValidationErrors(cmd *cobra.Command, err error) {
	w := cmd.ErrOrStderr()

	var sourceErrs config.SourceErrors
	if errors.As(err, &sourceErrs) {
		for _, e := range sourceErrs {
			fmt.Fprintf(w, "%s %s\n", errStyle.Render("error:"), e.Error())
		}
		return
	}

	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		for _, v := range verr.Violations {
			fmt.Fprintf(w, "%s %s\n", errStyle.Render("error:"), v)
		}
		return
	}

	fmt.Fprintf(w, "%s %v\n", errStyle.Render("error:"), err)
}
