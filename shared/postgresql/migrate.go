package postgresql

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
)

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// Migrate applies every *.sql file of fsys that is not yet recorded in schema_migrations, in
// file name order, each in its own transaction. It returns the versions it applied.
func (c *Client) Migrate(ctx context.Context, fsys fs.FS) ([]string, error) {
	if _, err := c.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var done []string
	if err := c.db.SelectContext(ctx, &done, "SELECT version FROM schema_migrations"); err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(done))
	for _, v := range done {
		applied[v] = true
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	var ran []string
	for _, name := range files {
		if applied[name] {
			continue
		}

		script, err := fs.ReadFile(fsys, name)
		if err != nil {
			return ran, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		if err := c.applyMigration(ctx, name, string(script)); err != nil {
			return ran, err
		}

		c.logger.Info("Migration applied",
			slog.String("version", name),
		)
		ran = append(ran, name)
	}

	return ran, nil
}

func (c *Client) applyMigration(ctx context.Context, name, script string) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", name, err)
	}
	return nil
}
