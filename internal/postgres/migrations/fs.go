// Package migrations embeds the SQL schema files and applies them in
// order. Used by the `migrate` CLI command and the integration suite.
package migrations

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in application order.
var Files = []string{
	"001_create_work_items.sql",
	"002_create_recurring_work.sql",
}

// Apply runs every migration against the pool. The files are written to
// be idempotent (CREATE ... IF NOT EXISTS), so re-running is safe.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	for _, name := range Files {
		ddl, err := FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}
