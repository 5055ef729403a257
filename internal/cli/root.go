// Package cli implements the zeta command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/zeta/internal/config"
	"github.com/JonMunkholm/zeta/internal/logging"
)

// rootOptions is shared by every subcommand.
type rootOptions struct {
	envFiles []string
	cfg      *config.Config

	stdin          io.Reader
	stdout, stderr io.Writer
}

// NewRootCommand returns the zeta command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	o := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}

	rc := &cobra.Command{
		Use:   "zeta",
		Short: "Synchronize batch files into the canonical pokemon_data table.",
		Long: `zeta stages batch files in object storage, loads them into a staging
table, merges them into the canonical table keyed by Name, and cleans up the
staging blob and table afterwards.

Configuration comes from the environment. A .env file in the working
directory is loaded first and overrides existing variables.
`,
		SilenceUsage:      true,
		PersistentPreRunE: o.setup,
	}
	rc.PersistentFlags().StringSliceVar(&o.envFiles, "env-file", nil, "env files to load instead of .env")

	rc.AddCommand(newServeCommand(o))
	rc.AddCommand(newMergeCommand(o))
	rc.AddCommand(newCleanupCommand(o))
	rc.AddCommand(newProvisionCommand(o))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setup loads env files and configuration and configures logging.
func (o *rootOptions) setup(cmd *cobra.Command, args []string) error {
	// Overload overwrites existing env vars.
	if err := godotenv.Overload(o.envFiles...); err != nil {
		if len(o.envFiles) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o.cfg = cfg

	// Logs go to stderr so command output on stdout stays clean.
	logging.SetupWriter(o.stderr, cfg.Logging.Level, cfg.Logging.Format)
	return nil
}
