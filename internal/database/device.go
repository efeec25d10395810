package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/flowdial/internal/database/models"
)

type deviceRepo struct {
	db *DB
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db *DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) Create(ctx context.Context, d *models.Device) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, platform) VALUES (?, ?, ?)`,
		d.ID, d.Name, d.Platform,
	)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}

	stored, err := r.GetByID(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("reading back device: %w", err)
	}
	d.CreatedAt = stored.CreatedAt
	return nil
}

// GetByID returns ErrNotFound for unknown devices.
func (r *deviceRepo) GetByID(ctx context.Context, id string) (*models.Device, error) {
	var d models.Device
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, platform, revoked, created_at, last_seen_at
		 FROM devices WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Platform, &d.Revoked, &d.CreatedAt, &d.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return &d, nil
}

func (r *deviceRepo) List(ctx context.Context) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, platform, revoked, created_at, last_seen_at
		 FROM devices ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Platform, &d.Revoked, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Touch records that the device just made an authenticated request.
func (r *deviceRepo) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("touching device: %w", err)
	}
	return nil
}

// Revoke disables a device and drops its push token.
func (r *deviceRepo) Revoke(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE devices SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("deleting push token of revoked device: %w", err)
	}
	return nil
}
