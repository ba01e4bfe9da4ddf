package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/container"
	"github.com/garyjia/devportal-approvals/pkg/database"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			dbCfg := cfg.Database
			dbCfg.AutoMigrate = false
			db, err := container.ProvideDatabase(cmd.Context(), dbCfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.NewMigrator(db, logger).Up(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("Migrations complete", zap.Int("applied", applied))
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}
