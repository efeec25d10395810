// Package blocklist decides whether incoming callers are rejected
// automatically. Numbers are compared by their last ten digits.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/flowpbx/flowdial/internal/database/models"
)

var (
	// ErrInvalidNumber is returned when a number contains no digits.
	ErrInvalidNumber = errors.New("blocklist: number has no digits")
	// ErrAlreadyBlocked is returned when the normalized number is listed.
	ErrAlreadyBlocked = errors.New("blocklist: number already blocked")
)

// suffixLen is the national number length used for matching.
const suffixLen = 10

// Normalize strips everything but digits and keeps the last ten. Numbers
// shorter than ten digits are returned whole.
func Normalize(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > suffixLen {
		return digits[len(digits)-suffixLen:]
	}
	return digits
}

// Store persists blocked numbers keyed by their normalized form. Both the
// SQLite repository and the PostgreSQL store implement it.
type Store interface {
	Create(ctx context.Context, b *models.BlockedNumber) error
	List(ctx context.Context) ([]models.BlockedNumber, error)
	Delete(ctx context.Context, id int64) error
	ExistsNormalized(ctx context.Context, normalized string) (bool, error)
}

// Policy answers blocked-number queries for the call orchestrator and
// manages the list for the API.
type Policy struct {
	store    Store
	logger   *slog.Logger
	rejected atomic.Int64
}

// New creates a Policy backed by store.
func New(store Store, logger *slog.Logger) *Policy {
	return &Policy{store: store, logger: logger.With("subsystem", "blocklist")}
}

// IsBlocked reports whether phone matches a blocked number. Private or
// withheld callers (no digits) are never blocked.
func (p *Policy) IsBlocked(ctx context.Context, phone string) (bool, error) {
	n := Normalize(phone)
	if n == "" {
		return false, nil
	}
	ok, err := p.store.ExistsNormalized(ctx, n)
	if err != nil {
		return false, fmt.Errorf("blocklist: checking %s: %w", n, err)
	}
	if ok {
		p.rejected.Add(1)
		p.logger.Debug("caller matched blocklist", "phone", phone, "normalized", n)
	}
	return ok, nil
}

// Block adds phone to the list.
func (p *Policy) Block(ctx context.Context, phone, label string) (*models.BlockedNumber, error) {
	n := Normalize(phone)
	if n == "" {
		return nil, ErrInvalidNumber
	}
	exists, err := p.store.ExistsNormalized(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("blocklist: checking %s: %w", n, err)
	}
	if exists {
		return nil, ErrAlreadyBlocked
	}
	b := &models.BlockedNumber{
		Number:     strings.TrimSpace(phone),
		Normalized: n,
		Label:      strings.TrimSpace(label),
	}
	if err := p.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("blocklist: adding %s: %w", n, err)
	}
	p.logger.Info("number blocked", "number", b.Number, "normalized", n)
	return b, nil
}

// Unblock removes the entry with the given ID.
func (p *Policy) Unblock(ctx context.Context, id int64) error {
	if err := p.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("blocklist: removing %d: %w", id, err)
	}
	p.logger.Info("number unblocked", "id", id)
	return nil
}

// List returns all blocked numbers.
func (p *Policy) List(ctx context.Context) ([]models.BlockedNumber, error) {
	list, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("blocklist: listing: %w", err)
	}
	return list, nil
}

// Rejected returns how many lookups matched since start.
func (p *Policy) Rejected() int64 { return p.rejected.Load() }

// Count returns the number of blocked numbers.
func (p *Policy) Count(ctx context.Context) (int, error) {
	list, err := p.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}
