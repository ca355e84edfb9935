package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Migrations live in migrations/ as NNN_label.sql files. The numeric prefix
// is the schema version; files apply in ascending order, each in its own
// transaction, and applied versions are recorded in schema_version so a
// rerun is a no-op.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		version, label, err := parseMigrationName(name)
		if err != nil {
			return err
		}
		if version <= applied {
			continue
		}
		script, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyMigration(ctx, db, version, label, string(script)); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, label, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", version, label, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, version, label); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return tx.Commit()
}

// parseMigrationName splits "001_initial_schema.sql" into (1, "initial_schema").
func parseMigrationName(name string) (int, string, error) {
	prefix, label, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
	if !ok {
		return 0, "", fmt.Errorf("malformed migration filename %q", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", fmt.Errorf("malformed migration filename %q: %w", name, err)
	}
	return version, label, nil
}

// sqlStatements splits a script on semicolons, dropping empty and
// comment-only chunks.
func sqlStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		stmt := strings.TrimSpace(chunk)
		if stmt != "" && !commentOnly(stmt) {
			out = append(out, stmt)
		}
	}
	return out
}

func commentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
