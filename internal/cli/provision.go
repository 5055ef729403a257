package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/zeta/internal/batch"
)

func newProvisionCommand(o *rootOptions) *cobra.Command {
	var seedPath string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the dataset and canonical table",
		Long: `
Creates the dataset and the canonical table with Name as its primary key.
With --seed, the file is also stored under the canonical object key and
merged into the new table.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var seed *batch.File
			if seedPath != "" {
				f, err := batch.FromPath(seedPath)
				if err != nil {
					return err
				}
				seed = &f
			}

			a, err := newApp(cmd.Context(), o.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.pipeline.Provision(cmd.Context(), seed)
			if err != nil {
				return err
			}

			fmt.Fprintf(o.stdout, "provisioned %s\n", a.pipeline.Config().Canonical)
			if res != nil {
				fmt.Fprintf(o.stdout, "seeded from %s: rows=%d inserted=%d\n",
					res.File, res.LoadedRows, res.Outcome.Inserted)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "CSV file to store as the canonical blob and load")
	return cmd
}
