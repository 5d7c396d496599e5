package cmd

import (
	"context"
	"database/sql"
	"errors"

	"duo-sync-backend/migrations"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres document schema",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(cmd.Context(), func(db *sql.DB) error {
				if err := migrations.Migrate(db); err != nil {
					return err
				}
				log.Info().Msg("Migrations applied")
				return nil
			})
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(cmd.Context(), func(db *sql.DB) error {
				return migrations.Status(db)
			})
		},
	}
}

func withMigrationDB(ctx context.Context, fn func(db *sql.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != "postgres" {
		return errors.New("migrations only apply to the postgres store driver")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pool, err := connectPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return fn(db)
}
