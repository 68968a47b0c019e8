package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackwire/pkg/compose"
	"github.com/openfroyo/stackwire/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a composition",
		Long: `Validate a composition without starting anything.

This command checks:
  - CUE syntax and schema conformance
  - Cross-references between resources, endpoints and commands
  - Binding script syntax (Starlark)
  - Enablement policy names (OPA/rego)
  - Start order (no dependency cycles)`,
		Example: `  # Validate stackwire.cue in the current directory
  stackwire validate

  # Validate several files unified together
  stackwire validate -f base.cue -f local.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			comp, err := loadComposition(ctx)
			if err != nil {
				if printValidationErrors(out, err) {
					return fmt.Errorf("composition is invalid")
				}
				return err
			}

			app, err := compose.New(ctx, comp, engine.ContextPublish)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Coordinator.BeforeStart(ctx); err != nil {
				return err
			}
			startup, err := engine.NewDAGBuilder().BuildGraph(app.Graph)
			if err != nil {
				return err
			}

			log.Debug().Strs("files", comp.SourceFiles).Msg("Composition parsed")
			fmt.Fprintf(out, "Composition %s is valid: %d resources in %d start levels\n",
				comp.Name, len(comp.Resources), startup.Depth)
			return nil
		},
	}
	return cmd
}
