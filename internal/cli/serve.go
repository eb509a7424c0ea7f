package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "calmerge/internal/log"
	"calmerge/internal/web"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion scheduler and the HTTP API",
		Long: `Start one ingestion pass per source in the background, keep refreshing
on the configured schedule, and serve /events.json, /health, /metrics and
the static UI.

Example:
  CALMERGE_SOURCE_A_URL=https://a.example.com/cal.ics calmerge serve
  calmerge serve --config /etc/calmerge.yaml --listen :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *RootOptions) error {
	appLog.Info("calmerge starting", "version", Version)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLog.Error("close failed", err)
		}
	}()

	// Startup passes run in the background; the listener does not wait.
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	srv := web.NewServer(cfg, a.query, a.store, a.metrics.Handler())
	if err := srv.Serve(ctx); err != nil {
		cancel()
		return err
	}

	appLog.Info("calmerge exiting")
	return nil
}
