package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackwire/pkg/compose"
	"github.com/openfroyo/stackwire/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the start order",
		Long: `Print the start order of the composition as a DOT graph, or as JSON with
--json. Edges come from explicit dependencies and from bindings that read
another resource's endpoints.`,
		Example: `  # Render with Graphviz
  stackwire graph | dot -Tsvg > stack.svg

  # Write the graph to a file
  stackwire graph -o stack.dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			comp, err := loadComposition(ctx)
			if err != nil {
				return err
			}
			app, err := compose.New(ctx, comp, engine.ContextPublish)
			if err != nil {
				return err
			}
			defer app.Close()

			// Monitor and binding inputs are declared in the first phase.
			if err := app.Coordinator.BeforeStart(ctx); err != nil {
				return err
			}

			builder := engine.NewDAGBuilder()
			startup, err := builder.BuildGraph(app.Graph)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				defer f.Close()
				out = f
			}

			if jsonOutput {
				return printJSON(out, startup)
			}
			_, err = fmt.Fprint(out, builder.ToDOT())
			return err
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the graph to a file")
	return cmd
}
