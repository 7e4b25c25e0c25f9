package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"

	"github.com/example/slotsniper/internal/db"
)

//go:embed *.sql
var files embed.FS

// lockKey serializes migrations between a starting server and CLI commands.
const lockKey = 7_130_415

type conn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Query(ctx context.Context, sql string, args ...any) (db.Rows, error)
}

// Up applies every embedded migration not yet recorded in schema_migrations.
func Up(ctx context.Context, d *db.DB) error {
	return up(ctx, d, files)
}

func up(ctx context.Context, c conn, fsys fs.FS) error {
	names, err := migrationFiles(fsys)
	if err != nil {
		return err
	}
	if err := c.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}
	if err := c.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("migrate: lock: %w", err)
	}
	defer func() { _ = c.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey) }()

	applied, err := appliedVersions(ctx, c)
	if err != nil {
		return err
	}
	for _, name := range pending(names, applied) {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		if err := c.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
		if err := c.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("migrate: record %s: %w", name, err)
		}
		log.Printf("migrate: applied %s", name)
	}
	return nil
}

func migrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func appliedVersions(ctx context.Context, c conn) (map[string]bool, error) {
	rows, err := c.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("migrate: list applied: %w", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func pending(names []string, applied map[string]bool) []string {
	var out []string
	for _, n := range names {
		if !applied[n] {
			out = append(out, n)
		}
	}
	return out
}
