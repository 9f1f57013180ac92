package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the schema for driver.  Every statement is idempotent so
// Migrate is safe to run on each start.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	raw, err := migrations.ReadFile("migrations/" + driver + ".sql")
	if err != nil {
		return fmt.Errorf("no migrations for driver %q: %w", driver, err)
	}
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w\n%s", err, stmt)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
