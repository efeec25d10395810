package database

import (
	"context"
	"time"

	"github.com/flowpbx/flowdial/internal/database/models"
)

// SettingsRepository stores daemon state that outlives a restart, such as
// the token signing key and the pairing PIN hash.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// BlockedNumberRepository manages the set of auto-rejected callers.
type BlockedNumberRepository interface {
	Create(ctx context.Context, b *models.BlockedNumber) error
	List(ctx context.Context) ([]models.BlockedNumber, error)
	Delete(ctx context.Context, id int64) error
	ExistsNormalized(ctx context.Context, normalized string) (bool, error)
	Count(ctx context.Context) (int64, error)
}

// CallLogFilter specifies filtering and pagination for call log queries.
type CallLogFilter struct {
	Limit       int
	Offset      int
	Search      string // matches number or display_name
	Direction   string // "incoming", "outgoing", or "" for all
	Disposition string
}

// CallLogRepository manages the call history.
type CallLogRepository interface {
	Create(ctx context.Context, e *models.CallLogEntry) error
	GetByCallID(ctx context.Context, callID string) (*models.CallLogEntry, error)
	Update(ctx context.Context, e *models.CallLogEntry) error
	List(ctx context.Context, filter CallLogFilter) ([]models.CallLogEntry, int, error)
	CountByDisposition(ctx context.Context) (map[string]int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeviceRepository manages paired companion devices.
type DeviceRepository interface {
	Create(ctx context.Context, d *models.Device) error
	GetByID(ctx context.Context, id string) (*models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	Touch(ctx context.Context, id string) error
	Revoke(ctx context.Context, id string) error
}

// PushTokenRepository manages FCM tokens of paired devices.
type PushTokenRepository interface {
	Upsert(ctx context.Context, token *models.PushToken) error
	ListActive(ctx context.Context) ([]models.PushToken, error)
	DeleteByDevice(ctx context.Context, deviceID string) error
	DeleteByToken(ctx context.Context, token string) error
}
