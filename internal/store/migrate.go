package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
)

// Migrate applies pending *.sql files from migrationsFS in name order and returns how
// many were applied. Each file runs in its own transaction together with its
// schema_migrations row, so a failing file leaves no trace.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) (int, error) {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("reading migration files: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		ok, err := s.applyMigration(ctx, migrationsFS, name)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
			slog.Info("migration applied", "version", name)
		} else {
			slog.Debug("migration already applied, skipping", "version", name)
		}
	}
	return applied, nil
}

// applyMigration runs one file unless it is already recorded.
func (s *PostgresStore) applyMigration(ctx context.Context, migrationsFS fs.FS, name string) (bool, error) {
	body, err := fs.ReadFile(migrationsFS, name)
	if err != nil {
		return false, fmt.Errorf("reading migration %s: %w", name, err)
	}

	applied := false
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialize concurrent migrators on the version key.
		tag, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING", name)
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		applied = true
		return nil
	})
	return applied, err
}
