package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/flowdial/internal/database/models"
)

type blockedNumberRepo struct {
	db *DB
}

// NewBlockedNumberRepository creates a new BlockedNumberRepository.
func NewBlockedNumberRepository(db *DB) BlockedNumberRepository {
	return &blockedNumberRepo{db: db}
}

// Create inserts b. Adding a number whose normalized form already exists
// updates the stored label instead.
func (r *blockedNumberRepo) Create(ctx context.Context, b *models.BlockedNumber) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO blocked_numbers (number, normalized, label)
		 VALUES (?, ?, ?)
		 ON CONFLICT(normalized) DO UPDATE SET label = excluded.label`,
		b.Number, b.Normalized, b.Label,
	)
	if err != nil {
		return fmt.Errorf("inserting blocked number: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT id, number, created_at FROM blocked_numbers WHERE normalized = ?`, b.Normalized,
	).Scan(&b.ID, &b.Number, &b.CreatedAt)
	if err != nil {
		return fmt.Errorf("reading back blocked number: %w", err)
	}
	return nil
}

func (r *blockedNumberRepo) List(ctx context.Context) ([]models.BlockedNumber, error) {
	rows, err := r.db.QueryContext(ctx,
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

// Delete removes a blocked number by ID. Returns ErrNotFound if no row
// matched.
func (r *blockedNumberRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM blocked_numbers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting blocked number: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking deleted rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *blockedNumberRepo) ExistsNormalized(ctx context.Context, normalized string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocked_numbers WHERE normalized = ?`, normalized,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("looking up blocked number: %w", err)
	}
	return n > 0, nil
}

func (r *blockedNumberRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocked_numbers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting blocked numbers: %w", err)
	}
	return n, nil
}
