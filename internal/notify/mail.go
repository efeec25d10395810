package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/flowdial/internal/email"
)

// MissedCallMailer sends one missed call email.
type MissedCallMailer interface {
	SendMissedCall(ctx context.Context, mc email.MissedCall) error
}

const mailQueueSize = 16

// Mail emails missed calls to one address. Every other effect is ignored.
type Mail struct {
	mailer MissedCallMailer
	to     string
	logger *slog.Logger
	queue  chan email.MissedCall
	now    func() time.Time
}

// NewMail creates a missed call email sink.
func NewMail(mailer MissedCallMailer, to string, logger *slog.Logger) *Mail {
	return &Mail{
		mailer: mailer,
		to:     to,
		logger: logger.With("subsystem", "mail"),
		queue:  make(chan email.MissedCall, mailQueueSize),
		now:    time.Now,
	}
}

func (m *Mail) ShowIncoming(string)     {}
func (m *Mail) ShowOutgoing(string)     {}
func (m *Mail) ShowOngoing(string, int) {}
func (m *Mail) StopCallUI()             {}
func (m *Mail) LaunchCallScreen(string) {}

func (m *Mail) ShowMissedCall(phone string) {
	mc := email.MissedCall{To: m.to, Number: phone, Timestamp: m.now()}
	select {
	case m.queue <- mc:
	default:
		m.logger.Warn("mail queue full, missed call email dropped", "phone", phone)
	}
}

// Run sends queued emails until ctx is cancelled.
func (m *Mail) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case mc := <-m.queue:
			sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := m.mailer.SendMissedCall(sctx, mc); err != nil {
				m.logger.Error("failed to send missed call email", "phone", mc.Number, "error", err)
			}
			cancel()
		}
	}
}
