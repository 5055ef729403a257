package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/zeta/internal/batch"
	"github.com/JonMunkholm/zeta/internal/core"
)

func newMergeCommand(o *rootOptions) *cobra.Command {
	var cleanupFirst bool

	cmd := &cobra.Command{
		Use:   "merge FILE...",
		Short: "Synchronize batch files into the canonical table",
		Long: `
Runs each file through upload, load, merge and cleanup, one after another.
A failed file leaves its staging blob and table in place; run "zeta cleanup"
before retrying, or pass --cleanup-first.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.merge(cmd.Context(), args, cleanupFirst)
		},
	}
	cmd.Flags().BoolVar(&cleanupFirst, "cleanup-first", false, "remove leftover staging artifacts before the first file")
	return cmd
}

func (o *rootOptions) merge(ctx context.Context, paths []string, cleanupFirst bool) error {
	a, err := newApp(ctx, o.cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cleanupFirst {
		if err := a.service.Cleanup(ctx); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}

	failed := 0
	for _, path := range paths {
		file, err := batch.FromPath(path)
		if err != nil {
			fmt.Fprintf(o.stdout, "%s: %v\n", path, err)
			failed++
			continue
		}

		status, err := a.service.Run(ctx, file, core.TriggerCLI)
		printStatus(o.stdout, status)
		if err != nil {
			if core.IsUserFacing(err) {
				fmt.Fprintf(o.stdout, "%s: %s\n", file.Name, core.FormatUserError(err))
			}
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d batches failed", failed, len(paths))
	}
	return nil
}

// printStatus writes a one-line run summary.
func printStatus(w io.Writer, s core.RunStatus) {
	var elapsed string
	if s.Finished != nil {
		elapsed = s.Finished.Sub(s.Started).Round(time.Millisecond).String()
	}

	if s.Succeeded() {
		fmt.Fprintf(w, "%s: done run=%s rows=%d inserted=%d updated=%d (%s)\n",
			s.File, s.ID, s.LoadedRows, s.Inserted, s.Updated, elapsed)
		if s.CleanupErr != "" {
			fmt.Fprintf(w, "%s: warning: cleanup incomplete: %s\n", s.File, s.CleanupErr)
		}
		return
	}

	stage := s.FailedStage
	if stage == "" {
		stage = "start"
	}
	fmt.Fprintf(w, "%s: failed at %s [%s] run=%s: %s\n", s.File, stage, s.ErrorCode, s.ID, s.Error)
}
