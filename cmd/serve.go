package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which runs the crawl service:
// the queue consumer plus the operational HTTP server.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl service",
		Long: `Runs the queue consumer and the operational HTTP server until
interrupted. Crawl schedules live in the durable queue; restarting the
service picks up exactly where it left off.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := appInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appInstance.Logger.Info("service stopped")
	return nil
}
