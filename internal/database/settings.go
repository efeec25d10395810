package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Keys stored in the settings table.
const (
	SettingPairingPINHash = "pairing_pin_hash"
	SettingJWTSecret      = "jwt_secret"
)

// settingsRepo reads keys through to sqlite on first use and remembers
// them, misses included. All writes go through Set, so the memo never goes
// stale while the daemon runs.
type settingsRepo struct {
	db *DB

	mu   sync.Mutex
	memo map[string]string
}

// NewSettingsRepository creates a SettingsRepository.
func NewSettingsRepository(db *DB) SettingsRepository {
	return &settingsRepo{db: db, memo: make(map[string]string)}
}

// Get returns the value for key, or "" when it was never set.
func (r *settingsRepo) Get(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.memo[key]; ok {
		return v, nil
	}

	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("reading setting %q: %w", key, err)
	}
	r.memo[key] = v
	return v, nil
}

// Set stores value under key.
func (r *settingsRepo) Set(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		key, value,
	); err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}
	r.memo[key] = value
	return nil
}
