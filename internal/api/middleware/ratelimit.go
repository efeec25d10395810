package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// ByIP charges requests to the client address. chi's RealIP should run first
// when the daemon sits behind a proxy.
func ByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ByDevice charges requests to the paired device, falling back to the client
// address on routes without device auth.
func ByDevice(r *http.Request) string {
	if id := DeviceIDFromContext(r.Context()); id != "" {
		return "device:" + id
	}
	return ByIP(r)
}

// RateLimitConfig sizes the token bucket given to each key.
type RateLimitConfig struct {
	Rate  rate.Limit
	Burst int
	// Idle is how long an unused bucket survives before it is dropped.
	Idle time.Duration
	Key  KeyFunc
}

// DefaultRateLimitConfig is used for paired device traffic: 20 requests a
// second per device, bursting to 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:  rate.Limit(20),
		Burst: 40,
		Idle:  10 * time.Minute,
		Key:   ByDevice,
	}
}

// PairingRateLimitConfig allows one pairing attempt every 10 seconds per
// address with a burst of 5. A short numeric PIN is only as strong as this.
func PairingRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:  rate.Every(10 * time.Second),
		Burst: 5,
		Idle:  10 * time.Minute,
		Key:   ByIP,
	}
}

type bucket struct {
	*rate.Limiter
	used time.Time
}

// Limiter holds one token bucket per key and sweeps idle ones.
type Limiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter starts a limiter. Call Stop to end its sweeper.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.Key == nil {
		cfg.Key = ByIP
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 10 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.used = l.now()
	l.mu.Unlock()
	return b.Allow()
}

// Stop ends the sweeper. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop() {
	t := time.NewTicker(l.cfg.Idle / 2)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			if n := l.sweep(); n > 0 {
				slog.Debug("rate limiter swept idle buckets", "removed", n)
			}
		}
	}
}

// sweep drops buckets idle for longer than cfg.Idle and reports how many.
func (l *Limiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.Idle)
	n := 0
	for k, b := range l.buckets {
		if b.used.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// RateLimit rejects requests over their limit with 429 and a
// Retry-After hint.
func RateLimit(l *Limiter) func(http.Handler) http.Handler {
	wait := retryAfter(l.cfg.Rate)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.cfg.Key(r)
			if l.Allow(key) {
				next.ServeHTTP(w, r)
				return
			}
			slog.Warn("rate limit exceeded", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", wait)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
}

// retryAfter rounds the time to the next token up to whole seconds.
func retryAfter(limit rate.Limit) string {
	if limit <= 0 {
		return "60"
	}
	secs := int(1/float64(limit) + 0.999)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
