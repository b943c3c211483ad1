package cli

import (
	"github.com/sinas-platform/sinas/engine/infra/postgres"
	"github.com/sinas-platform/sinas/pkg/logger"
	"github.com/spf13/cobra"
)

// MigrateCmd applies pending schema migrations and exits.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := setupContext(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			if err := postgres.ApplyMigrationsWithLock(ctx, postgresConfig(cfg).DSN()); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("Migrations applied")
			return nil
		},
	}
}
