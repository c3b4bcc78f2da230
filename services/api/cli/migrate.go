package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unchainedshop/workqueue/internal/postgres/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Apply the embedded schema migrations to PostgreSQL.

The migrations are idempotent; running migrate against an up-to-date
database is a no-op. The DSN comes from --postgres-dsn, the
POSTGRES_DSN environment variable, or the config file.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pool, err := pgxpool.New(ctx, viper.GetString("postgres_dsn"))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		fmt.Printf("schema up to date (%d migrations)\n", len(migrations.Files))
		return nil
	},
}
