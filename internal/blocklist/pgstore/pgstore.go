// Package pgstore keeps the blocked-number list in PostgreSQL so several
// flowdial lines can share one list.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/flowdial/internal/database"
	"github.com/flowpbx/flowdial/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements blocklist.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql blocklist store opened")
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version,
		).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		slog.Info("applied migration", "store", "postgresql", "version", version)
	}
	return nil
}

// Create inserts b, updating the label when the normalized number exists.
func (s *Store) Create(ctx context.Context, b *models.BlockedNumber) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO blocked_numbers (number, normalized, label)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (normalized) DO UPDATE SET label = EXCLUDED.label
		 RETURNING id, number, created_at`,
		b.Number, b.Normalized, b.Label,
	).Scan(&b.ID, &b.Number, &b.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting blocked number: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]models.BlockedNumber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, number, normalized, label, created_at
		 FROM blocked_numbers ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing blocked numbers: %w", err)
	}
	defer rows.Close()

	var out []models.BlockedNumber
	for rows.Next() {
		var b models.BlockedNumber
		if err := rows.Scan(&b.ID, &b.Number, &b.Normalized, &b.Label, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning blocked number row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Delete returns database.ErrNotFound when id does not exist.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_numbers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting blocked number: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (s *Store) ExistsNormalized(ctx context.Context, normalized string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocked_numbers WHERE normalized = $1)`, normalized,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("looking up blocked number: %w", err)
	}
	return exists, nil
}
