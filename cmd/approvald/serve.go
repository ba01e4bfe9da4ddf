package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/container"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := container.NewContainer(cfg, logger)
			if err != nil {
				return err
			}
			if err := c.Start(ctx); err != nil {
				_ = c.Close()
				return err
			}
			logger.Info("Approval service started",
				zap.String("address", c.Server().Address()),
				zap.String("database", cfg.Database.Driver))

			serveErr := c.Serve(ctx)
			closeErr := c.Close()
			if serveErr != nil {
				return serveErr
			}
			return closeErr
		},
	}
}
