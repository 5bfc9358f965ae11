// Package storage opens the per-butler SQLite database and applies its
// embedded migrations. Each subsystem (identity, approvals, scheduler,
// switchboard, spawner) owns its own table family and talks to the database
// through its own repository type built on top of the *sql.DB this package
// hands out — mirroring a split of agents.go, audit.go, and
// approvals/store.go across independent owners of the same connection.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open creates (or reuses) the SQLite database at dbPath, applies pragmas
// tuned for a single-writer embedded workload, and runs all pending
// migrations.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite is single-writer; keep one connection so database/sql serializes
	// callers instead of contending for the write lock across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[int]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, _, ok := splitMigrationName(entry.Name())
		if !ok {
			continue
		}
		if prev, exists := seen[version]; exists {
			return fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, entry.Name())
		}
		seen[version] = entry.Name()
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, description, ok := splitMigrationName(entry.Name())
		if !ok || version <= currentVersion {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}

		slog.Info("applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}

	return nil
}

// ApplyModuleMigrations runs every pluggable module's own migration SQL
// (keyed "<module-name>/<filename>" by module.Registry.Migrations()) exactly
// once, tracked in a separate table from the core schema_migrations version
// counter since module migration keys are names, not a single sortable
// sequence. Each module's SQL is expected to be idempotent (CREATE TABLE IF
// NOT EXISTS, CREATE INDEX IF NOT EXISTS) the same way the core migrations
// are, so a module added after a database already exists just picks up its
// table family on next startup.
func ApplyModuleMigrations(db *sql.DB, migrations map[string]string) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS module_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create module_migrations table: %w", err)
	}

	names := make([]string, 0, len(migrations))
	for name := range migrations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var exists int
		if err := db.QueryRow("SELECT COUNT(1) FROM module_migrations WHERE name = ?", name).Scan(&exists); err != nil {
			return fmt.Errorf("check module migration %s: %w", name, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin module migration %s: %w", name, err)
		}
		if _, err := tx.Exec(migrations[name]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply module migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO module_migrations (name, applied_at) VALUES (?, ?)", name, time.Now()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record module migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit module migration %s: %w", name, err)
		}
		slog.Info("applied module migration", "name", name)
	}
	return nil
}

func splitMigrationName(name string) (version int, description string, ok bool) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) < 2 {
		return 0, "", false
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
		return 0, "", false
	}
	return version, strings.TrimSuffix(parts[1], ".sql"), true
}
