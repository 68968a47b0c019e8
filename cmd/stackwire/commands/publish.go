package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackwire/pkg/compose"
	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/manifest"
)

func newPublishCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Write the deployment manifest",
		Long: `Run the composition in publish mode and write a manifest. Nothing is
started: every address stays a deployment-time expression such as
{api.bindings.http.url}.`,
		Example: `  # Write manifest.yaml
  stackwire publish

  # Write to stdout
  stackwire publish -o -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			comp, err := loadComposition(ctx)
			if err != nil {
				printValidationErrors(cmd.ErrOrStderr(), err)
				return err
			}
			app, err := compose.New(ctx, comp, engine.ContextPublish)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.Run(ctx); err != nil {
				return err
			}
			m, err := app.Manifest()
			if err != nil {
				return err
			}

			for _, res := range m.Resources {
				if res.Unresolved != "" {
					log.Warn().Str("resource", res.Name).Str("reason", res.Unresolved).Msg("Configuration is incomplete")
				}
			}

			if outFile == "-" {
				return manifest.Encode(cmd.OutOrStdout(), m)
			}
			if err := manifest.WriteFile(outFile, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d resources)\n", outFile, len(m.Resources))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "manifest.yaml", "manifest file, - for stdout")
	return cmd
}
