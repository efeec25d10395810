// Package notify implements call UI effect sinks. Log writes effects to the
// structured log, Push forwards them to paired devices and Mail emails
// missed calls. Multi fans out to several sinks.
package notify

import (
	"log/slog"

	"github.com/flowpbx/flowdial/internal/call"
)

// Log writes every effect to a logger. It is the effect sink of a headless
// line with no paired devices.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("subsystem", "effects")}
}

func (l *Log) ShowIncoming(phone string) {
	l.logger.Info("incoming call", "phone", phone)
}

func (l *Log) ShowOutgoing(phone string) {
	l.logger.Info("outgoing call", "phone", phone)
}

func (l *Log) ShowOngoing(phone string, durationSeconds int) {
	l.logger.Debug("call ongoing", "phone", phone, "duration", durationSeconds)
}

func (l *Log) StopCallUI() {
	l.logger.Info("call ui stopped")
}

func (l *Log) LaunchCallScreen(phone string) {
	l.logger.Info("call screen launched", "phone", phone)
}

func (l *Log) ShowMissedCall(phone string) {
	l.logger.Info("missed call", "phone", phone)
}

// Multi fans each effect out to several sinks in order.
type Multi []call.Effects

func (m Multi) ShowIncoming(phone string) {
	for _, e := range m {
		e.ShowIncoming(phone)
	}
}

func (m Multi) ShowOutgoing(phone string) {
	for _, e := range m {
		e.ShowOutgoing(phone)
	}
}

func (m Multi) ShowOngoing(phone string, durationSeconds int) {
	for _, e := range m {
		e.ShowOngoing(phone, durationSeconds)
	}
}

func (m Multi) StopCallUI() {
	for _, e := range m {
		e.StopCallUI()
	}
}

func (m Multi) LaunchCallScreen(phone string) {
	for _, e := range m {
		e.LaunchCallScreen(phone)
	}
}

func (m Multi) ShowMissedCall(phone string) {
	for _, e := range m {
		e.ShowMissedCall(phone)
	}
}
