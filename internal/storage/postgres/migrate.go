package postgres

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies embedded schema migrations for the ledger table. Versions are
// recorded per table in schema_migrations so it is safe to run on every start.
func (l *Ledger) Migrate(ctx context.Context) ([]string, error) {
	if _, err := l.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT        PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var applied []string
	for _, e := range entries {
		version := strings.TrimSuffix(e.Name(), ".sql") + ":" + l.table

		var exists bool
		if err := l.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		raw, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", version, err)
		}
		stmt := strings.ReplaceAll(string(raw), "{{table}}", l.table)
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := l.pool.Exec(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)", version,
		); err != nil {
			return applied, fmt.Errorf("record migration %s: %w", version, err)
		}
		applied = append(applied, version)
	}
	return applied, nil
}
