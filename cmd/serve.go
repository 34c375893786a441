package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/appshelf/appshelf/internal/app"
)

// newServeCmd creates the serve command, which runs the HTTP API and the
// background workers until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the appshelf HTTP API and background workers.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			defer a.Close()

			return a.Run(ctx)
		},
	}
}
