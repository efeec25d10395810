package notify

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/flowdial/internal/database/models"
)

// Payload types carried in the "type" data field.
const (
	TypeIncoming = "incoming"
	TypeOutgoing = "outgoing"
	TypeOngoing  = "ongoing"
	TypeEnded    = "ended"
	TypeLaunch   = "launch"
	TypeMissed   = "missed"
)

// Payload is the data message delivered to a device.
type Payload struct {
	Type     string
	Phone    string
	Duration int
}

// Data returns the payload as string key/value pairs.
func (p Payload) Data() map[string]string {
	d := map[string]string{"type": p.Type}
	if p.Phone != "" {
		d["phone"] = p.Phone
	}
	if p.Type == TypeOngoing {
		d["duration"] = strconv.Itoa(p.Duration)
	}
	return d
}

// ErrTokenInvalid is returned by a Sender when the device token is no
// longer registered and should be forgotten.
var ErrTokenInvalid = errors.New("notify: push token no longer valid")

// Sender delivers one payload to one device token.
type Sender interface {
	Send(ctx context.Context, token string, p Payload) error
}

// TokenStore lists the tokens to notify and forgets invalid ones.
type TokenStore interface {
	ListActive(ctx context.Context) ([]models.PushToken, error)
	DeleteByToken(ctx context.Context, token string) error
}

const pushQueueSize = 32

// PushConfig tunes the push sink.
type PushConfig struct {
	// OngoingEvery is the minimum interval between duration updates.
	OngoingEvery time.Duration
	// SendTimeout bounds a single delivery.
	SendTimeout time.Duration
}

// DefaultPushConfig sends a duration update at most every 15 seconds.
func DefaultPushConfig() PushConfig {
	return PushConfig{
		OngoingEvery: 15 * time.Second,
		SendTimeout:  10 * time.Second,
	}
}

// Push forwards effects to every paired device. Effect methods never block:
// payloads are queued and delivered by Run.
type Push struct {
	sender  Sender
	tokens  TokenStore
	logger  *slog.Logger
	cfg     PushConfig
	ongoing *rate.Limiter
	queue   chan Payload

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewPush creates a push sink.
func NewPush(sender Sender, tokens TokenStore, cfg PushConfig, logger *slog.Logger) *Push {
	return &Push{
		sender:  sender,
		tokens:  tokens,
		logger:  logger.With("subsystem", "push"),
		cfg:     cfg,
		ongoing: rate.NewLimiter(rate.Every(cfg.OngoingEvery), 1),
		queue:   make(chan Payload, pushQueueSize),
	}
}

func (p *Push) enqueue(pl Payload) {
	select {
	case p.queue <- pl:
	default:
		p.dropped.Add(1)
		p.logger.Warn("push queue full, payload dropped", "type", pl.Type)
	}
}

func (p *Push) ShowIncoming(phone string) { p.enqueue(Payload{Type: TypeIncoming, Phone: phone}) }
func (p *Push) ShowOutgoing(phone string) { p.enqueue(Payload{Type: TypeOutgoing, Phone: phone}) }

// ShowOngoing is throttled; the first update of a call always goes out.
// The orchestrator serializes effect calls, so ongoing needs no lock.
func (p *Push) ShowOngoing(phone string, durationSeconds int) {
	if durationSeconds == 0 {
		p.ongoing = rate.NewLimiter(rate.Every(p.cfg.OngoingEvery), 1)
	}
	if !p.ongoing.Allow() {
		return
	}
	p.enqueue(Payload{Type: TypeOngoing, Phone: phone, Duration: durationSeconds})
}

func (p *Push) StopCallUI() { p.enqueue(Payload{Type: TypeEnded}) }
func (p *Push) LaunchCallScreen(phone string) {
	p.enqueue(Payload{Type: TypeLaunch, Phone: phone})
}
func (p *Push) ShowMissedCall(phone string) { p.enqueue(Payload{Type: TypeMissed, Phone: phone}) }

// Stats returns delivery counters.
func (p *Push) Stats() (sent, failed, dropped int64) {
	return p.sent.Load(), p.failed.Load(), p.dropped.Load()
}

// Run delivers queued payloads until ctx is cancelled.
func (p *Push) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pl := <-p.queue:
			p.deliver(ctx, pl)
		}
	}
}

func (p *Push) deliver(ctx context.Context, pl Payload) {
	tokens, err := p.tokens.ListActive(ctx)
	if err != nil {
		p.logger.Error("failed to list push tokens", "error", err)
		return
	}
	for _, t := range tokens {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		err := p.sender.Send(sctx, t.Token, pl)
		cancel()

		switch {
		case err == nil:
			p.sent.Add(1)
		case errors.Is(err, ErrTokenInvalid):
			p.failed.Add(1)
			p.logger.Info("removing invalid push token", "device_id", t.DeviceID)
			if err := p.tokens.DeleteByToken(ctx, t.Token); err != nil {
				p.logger.Error("failed to delete push token", "device_id", t.DeviceID, "error", err)
			}
		default:
			p.failed.Add(1)
			p.logger.Warn("push delivery failed", "device_id", t.DeviceID, "type", pl.Type, "error", err)
		}
	}
}
