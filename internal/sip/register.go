package sip

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// RegStatus is the registration state of the line.
type RegStatus string

const (
	RegRegistering  RegStatus = "registering"
	RegRegistered   RegStatus = "registered"
	RegFailed       RegStatus = "failed"
	RegUnregistered RegStatus = "unregistered"
)

// registration is the runtime registration state.
type registration struct {
	status    RegStatus
	lastErr   string
	attempt   int
	since     time.Time
	expiresAt time.Time
}

// registrationLoop keeps the line registered until ctx is cancelled.
func (l *Line) registrationLoop(ctx context.Context) {
	expiry := l.cfg.Expiry
	l.logger.Info("starting registration",
		"registrar", l.registrar.String(),
		"user", l.cfg.Username,
		"transport", l.cfg.Transport,
		"expiry", expiry,
	)

	backoff := newBackoff()
	for {
		granted, err := l.register(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			retryDelay := backoff.next()
			l.logger.Error("registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)
			l.setRegistration(RegFailed, err.Error(), backoff.attempt, time.Time{})

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		l.setRegistration(RegRegistered, "", 0, time.Now().Add(time.Duration(granted)*time.Second))
		if granted != expiry {
			l.logger.Info("registered (server adjusted expiry)",
				"requested_expiry", expiry,
				"granted_expiry", granted,
			)
		} else {
			l.logger.Info("registered", "expires_in", granted)
		}

		// Refresh at 80% of the granted expiry.
		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
			l.logger.Debug("refreshing registration")
		}
	}
}

// register sends one REGISTER and returns the expiry granted by the server.
// An expiry of zero removes the binding.
func (l *Line) register(ctx context.Context, expiry int) (int, error) {
	req := l.newRegister(expiry)
	_, res, err := l.exchange(ctx, req, hooks{}, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, err
	}
	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}
	return grantedExpiry(res, expiry), nil
}

// unregister removes the binding. It is best effort.
func (l *Line) unregister(ctx context.Context) {
	l.mu.Lock()
	registered := l.reg.status == RegRegistered
	l.mu.Unlock()
	if !registered {
		return
	}
	if _, err := l.register(ctx, 0); err != nil {
		l.logger.Warn("unregister failed", "error", err)
	} else {
		l.logger.Info("unregistered")
	}
	l.setRegistration(RegUnregistered, "", 0, time.Time{})
}

func (l *Line) newRegister(expiry int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, *l.registrar.Clone())
	req.SetTransport(strings.ToUpper(l.cfg.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", l.cfg.Username, l.registrar.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", "<"+l.contact.String()+">"))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	return req
}

func (l *Line) setRegistration(status RegStatus, lastErr string, attempt int, expiresAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reg.status != status {
		l.reg.since = time.Now()
	}
	l.reg.status = status
	l.reg.lastErr = lastErr
	l.reg.attempt = attempt
	l.reg.expiresAt = expiresAt
}

// grantedExpiry reads the expiry from a 200 OK to REGISTER: the Contact
// expires parameter first, then the Expires header. The registrar may shorten
// the requested expiry.
func grantedExpiry(res *sip.Response, requested int) int {
	if h := res.GetHeader("Contact"); h != nil {
		if v := parseContactExpires(h.Value()); v > 0 {
			return v
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if v := parseExpiresHeader(h.Value()); v > 0 {
			return v
		}
	}
	return requested
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. It returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value. It returns 0 on error.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff is exponential backoff with jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
