package models

import "time"

// BlockedNumber is a caller that is rejected automatically. Normalized is
// the last ten digits of Number and is unique.
type BlockedNumber struct {
	ID         int64     `json:"id"`
	Number     string    `json:"number"`
	Normalized string    `json:"normalized"`
	Label      string    `json:"label"`
	CreatedAt  time.Time `json:"created_at"`
}

// Call log directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Call log dispositions.
const (
	DispositionAnswered = "answered"
	DispositionMissed   = "missed"
	DispositionBlocked  = "blocked"
	DispositionFailed   = "failed"
)

// CallLogEntry records one tracked call.
type CallLogEntry struct {
	ID          int64      `json:"id"`
	CallID      string     `json:"call_id"`
	Direction   string     `json:"direction"`
	Number      string     `json:"number"`
	DisplayName string     `json:"display_name"`
	Disposition string     `json:"disposition"`
	StartTime   time.Time  `json:"start_time"`
	AnswerTime  *time.Time `json:"answer_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Duration    *int       `json:"duration,omitempty"`
}

// Device is a paired companion device allowed to use the API.
type Device struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Platform   string     `json:"platform"`
	Revoked    bool       `json:"revoked"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// PushToken is the FCM registration token of a paired device.
type PushToken struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Token      string    `json:"token"`
	Platform   string    `json:"platform"`
	AppVersion string    `json:"app_version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
