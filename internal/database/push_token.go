package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/flowdial/internal/database/models"
)

type pushTokenRepo struct {
	db *DB
}

// NewPushTokenRepository creates a PushTokenRepository.
func NewPushTokenRepository(db *DB) PushTokenRepository {
	return &pushTokenRepo{db: db}
}

// Upsert stores the device's token. A device has at most one token; a new
// registration replaces the old one and keeps its row ID.
func (r *pushTokenRepo) Upsert(ctx context.Context, t *models.PushToken) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO push_tokens (device_id, token, platform, app_version)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   token = excluded.token,
		   platform = excluded.platform,
		   app_version = excluded.app_version,
		   updated_at = datetime('now')
		 RETURNING id`,
		t.DeviceID, t.Token, t.Platform, t.AppVersion,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("storing push token for device %s: %w", t.DeviceID, err)
	}
	return nil
}

// ListActive returns the tokens of devices that are still paired, most
// recently registered first.
func (r *pushTokenRepo) ListActive(ctx context.Context) ([]models.PushToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id, t.device_id, t.token, t.platform, t.app_version, t.created_at, t.updated_at
		 FROM push_tokens t
		 JOIN devices d ON d.id = t.device_id AND d.revoked = 0
		 ORDER BY t.updated_at DESC, t.id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing push tokens: %w", err)
	}
	defer rows.Close()

	var out []models.PushToken
	for rows.Next() {
		var t models.PushToken
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.Token, &t.Platform,
			&t.AppVersion, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning push token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteByDevice forgets the token of a device that signed out.
func (r *pushTokenRepo) DeleteByDevice(ctx context.Context, deviceID string) error {
	return r.deleteWhere(ctx, "device_id", deviceID)
}

// DeleteByToken forgets a token FCM reported as unregistered.
func (r *pushTokenRepo) DeleteByToken(ctx context.Context, token string) error {
	return r.deleteWhere(ctx, "token", token)
}

// deleteWhere removes rows matching column. column is never user input.
func (r *pushTokenRepo) deleteWhere(ctx context.Context, column, value string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE `+column+` = ?`, value); err != nil {
		return fmt.Errorf("deleting push token by %s: %w", column, err)
	}
	return nil
}
