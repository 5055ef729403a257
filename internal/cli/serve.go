package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/zeta/internal/core"
	"github.com/JonMunkholm/zeta/internal/web"
)

func newServeCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trigger API, scheduled cleanup and inbox watcher",
		Long: `
Serves the batch API on SERVER_HOST:SERVER_PORT. When CLEANUP_ENABLED is set,
staging artifacts are swept on CLEANUP_SCHEDULE. When INBOX_DIR is set, CSV
files written there are run through the pipeline.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.serve(cmd.Context())
		},
	}
}

func (o *rootOptions) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := o.cfg
	slog.Info("configuration loaded", "config", cfg.String())

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Background jobs stop before the server so nothing new starts during
	// shutdown.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	var jobsDone []<-chan struct{}
	if cfg.Cleanup.Enabled {
		stopped, err := a.service.StartMaintenance(jobCtx, cfg.Cleanup.Schedule)
		if err != nil {
			return err
		}
		jobsDone = append(jobsDone, stopped)
	}
	if cfg.Inbox.Dir != "" {
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			err := a.service.WatchInbox(jobCtx, core.InboxConfig{
				Dir:          cfg.Inbox.Dir,
				ProcessedDir: cfg.Inbox.ProcessedDir,
				Debounce:     cfg.Inbox.Debounce,
				RetryDelay:   cfg.Inbox.RetryDelay,
			})
			if err != nil {
				slog.Error("inbox watcher failed", "error", err)
			}
		}()
		jobsDone = append(jobsDone, stopped)
	}

	server := web.NewServer(a.service, cfg)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	cancelJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	if status := a.service.LimiterStatus(); status.Active > 0 {
		slog.Info("waiting for runs to complete", "active", status.Active)
	}
	if err := a.service.Shutdown(shutdownCtx); err != nil {
		slog.Warn("runs did not complete in time", "error", err)
	}

	for _, done := range jobsDone {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			slog.Warn("background job did not stop in time")
			return nil
		}
	}
	slog.Info("shutdown complete")
	return nil
}
