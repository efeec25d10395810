// Package line holds what the GSM modem and SIP line backends share: the
// backend contract used by the daemon and API, and a call handle whose
// native lifecycle is driven by a finite state machine.
package line

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrBusy is returned by Dial while another call is in progress.
	ErrBusy = errors.New("line: a call is already in progress")
	// ErrInvalidNumber is returned by Dial for numbers that cannot be dialled.
	ErrInvalidNumber = errors.New("line: invalid number")
	// ErrNotReady is returned by Dial before the line can place calls.
	ErrNotReady = errors.New("line: not ready")
)

// Status describes the health of a backend.
type Status struct {
	Backend string    `json:"backend"`
	Ready   bool      `json:"ready"`
	State   string    `json:"state"`
	Detail  string    `json:"detail,omitempty"`
	Calls   int       `json:"calls"`
	Since   time.Time `json:"since"`
}

// Backend is a telephony line that reports calls to a call.Listener.
type Backend interface {
	// Run drives the line until ctx is cancelled.
	Run(ctx context.Context) error
	// Dial places an outgoing call. The call is reported to the listener
	// once the line has accepted it.
	Dial(ctx context.Context, number string) error
	Status() Status
}

// ValidateNumber trims number and checks it only holds dialable
// characters: digits, '*', '#', and a leading '+'.
func ValidateNumber(number string) (string, error) {
	n := strings.TrimSpace(number)
	n = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(n)
	if n == "" {
		return "", ErrInvalidNumber
	}
	for i, r := range n {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#':
		case r == '+' && i == 0:
		default:
			return "", ErrInvalidNumber
		}
	}
	if n == "+" {
		return "", ErrInvalidNumber
	}
	return n, nil
}
