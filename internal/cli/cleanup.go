package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove the staging blob and staging table",
		Long: `
Deletes the staging blob and drops the staging table. Artifacts that are
already gone count as removed, so cleanup can be repeated safely.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), o.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.service.Cleanup(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(o.stdout, "staging clean: %s, %s\n",
				a.store.Location(o.cfg.Pipeline.StagingKey), a.pipeline.Config().Staging)
			return nil
		},
	}
}
