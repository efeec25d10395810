// Package database is flowdial's sqlite store: settings, the blocklist, the
// call log and paired devices.
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by repository lookups that match no row.
var ErrNotFound = errors.New("not found")

// Connection pragmas applied by the modernc driver on every connection.
var pragmas = []string{
	"journal_mode(wal)",
	"busy_timeout(5000)",
	"foreign_keys(on)",
}

// DB is the open flowdial database.
type DB struct {
	*sql.DB
	path string
}

// Open opens dataDir/flowdial.db, creating the directory and file as needed,
// and brings the schema up to date.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	file := filepath.Join(dataDir, "flowdial.db")

	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	sqlDB, err := sql.Open("sqlite", "file:"+file+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serialises writers; the daemon's write rate is a few
	// rows per call.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, path: file}
	applied, err := db.migrate()
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	slog.Info("database opened", "path", file, "migrations_applied", applied)
	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

// migrate runs every embedded migration not yet recorded in
// schema_migrations, in file name order, each in its own transaction.
func (db *DB) migrate() (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return 0, fmt.Errorf("creating schema_migrations: %w", err)
	}

	done, err := db.appliedVersions()
	if err != nil {
		return 0, err
	}

	// fs.ReadDir returns entries sorted by name.
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("listing migrations: %w", err)
	}
	applied := 0
	for _, e := range entries {
		version, ok := strings.CutSuffix(e.Name(), ".sql")
		if !ok || done[version] {
			continue
		}
		body, err := migrationsFS.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := db.apply(version, string(body)); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (db *DB) appliedVersions() (map[string]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

func (db *DB) apply(version, body string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(body); err != nil {
		return fmt.Errorf("migration %s: %w", version, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	slog.Debug("applied migration", "version", version)
	return nil
}
