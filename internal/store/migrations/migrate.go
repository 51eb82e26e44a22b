// Package migrations holds the embedded schema for the SQL stores.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplyPostgres applies all embedded PostgreSQL files in lexical order.
// Migrations are expected to be idempotent.
func ApplyPostgres(ctx context.Context, pool *pgxpool.Pool) error {
	return apply(PostgresFS, "postgres", func(file, stmt string) error {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		return nil
	})
}

// ApplySQLite applies all embedded SQLite files in lexical order.
func ApplySQLite(ctx context.Context, db *sql.DB) error {
	return apply(SQLiteFS, "sqlite", func(file, stmt string) error {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		return nil
	})
}

// Files lists the migration files under dir in the order they are applied.
func Files(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func apply(fsys fs.FS, dir string, exec func(file, stmt string) error) error {
	files, err := Files(fsys, dir)
	if err != nil {
		return err
	}

	for _, file := range files {
		data, err := fs.ReadFile(fsys, dir+"/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if err := exec(file, string(data)); err != nil {
			return err
		}
	}
	return nil
}
