// Package calllog persists the history of tracked calls from the call
// orchestrator's lifecycle hooks.
package calllog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/database"
	"github.com/flowpbx/flowdial/internal/database/models"
)

const (
	queueSize    = 64
	writeTimeout = 5 * time.Second
)

// Recorder turns call lifecycle events into call log rows. Hook is safe to
// call from the orchestrator's lock; the database work happens in Run.
type Recorder struct {
	repo    database.CallLogRepository
	logger  *slog.Logger
	events  chan call.Event
	dropped atomic.Int64

	// open is owned by the Run goroutine.
	open map[string]*models.CallLogEntry
}

// New creates a Recorder writing to repo.
func New(repo database.CallLogRepository, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.With("subsystem", "calllog"),
		events: make(chan call.Event, queueSize),
		open:   make(map[string]*models.CallLogEntry),
	}
}

// Hook returns the orchestrator hook feeding this recorder. Events are
// dropped when the queue is full.
func (r *Recorder) Hook() call.Hook {
	return func(ev call.Event) {
		select {
		case r.events <- ev:
		default:
			r.dropped.Add(1)
			r.logger.Warn("call log queue full, event dropped", "call_id", ev.CallID)
		}
	}
}

// Dropped returns the number of events lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run processes events until ctx is cancelled. Queued events are written
// before Run returns. Writes run detached from ctx, each bounded by
// writeTimeout, so an event taken after cancellation is still stored.
func (r *Recorder) Run(ctx context.Context) {
	store := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.drain(store)
			return
		case ev := <-r.events:
			r.process(store, ev)
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			r.process(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) process(ctx context.Context, ev call.Event) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	r.handle(ctx, ev)
}

func (r *Recorder) handle(ctx context.Context, ev call.Event) {
	switch ev.Kind {
	case call.EventAdded:
		r.start(ctx, ev)
	case call.EventBlocked:
		if e := r.open[ev.CallID]; e != nil {
			e.Disposition = models.DispositionBlocked
			r.finish(ctx, e, ev.At)
		}
	case call.EventState:
		e := r.open[ev.CallID]
		if e == nil {
			return
		}
		switch ev.State.Kind {
		case call.KindActive:
			if e.AnswerTime == nil {
				at := ev.At.UTC()
				e.AnswerTime = &at
				e.Disposition = models.DispositionAnswered
				r.update(ctx, e)
			}
		case call.KindDisconnected:
			r.finish(ctx, e, ev.At)
		}
	case call.EventRemoved:
		if e := r.open[ev.CallID]; e != nil {
			r.finish(ctx, e, ev.At)
		}
	}
}

func (r *Recorder) start(ctx context.Context, ev call.Event) {
	e := &models.CallLogEntry{
		CallID:      ev.CallID,
		Direction:   models.DirectionIncoming,
		Number:      ev.Phone,
		DisplayName: ev.DisplayName,
		Disposition: models.DispositionMissed,
		StartTime:   ev.At.UTC(),
	}
	if ev.Outgoing {
		e.Direction = models.DirectionOutgoing
		e.Disposition = models.DispositionFailed
	}
	if err := r.repo.Create(ctx, e); err != nil {
		r.logger.Error("failed to create call log entry", "call_id", ev.CallID, "error", err)
		return
	}
	r.open[ev.CallID] = e
	r.logger.Debug("call log entry created", "call_id", ev.CallID, "direction", e.Direction)
}

func (r *Recorder) finish(ctx context.Context, e *models.CallLogEntry, at time.Time) {
	end := at.UTC()
	e.EndTime = &end
	dur := 0
	if e.AnswerTime != nil {
		dur = int(end.Sub(*e.AnswerTime).Seconds())
		if dur < 0 {
			dur = 0
		}
	}
	e.Duration = &dur
	r.update(ctx, e)
	delete(r.open, e.CallID)
	r.logger.Info("call logged",
		"call_id", e.CallID,
		"direction", e.Direction,
		"disposition", e.Disposition,
		"duration", dur,
	)
}

func (r *Recorder) update(ctx context.Context, e *models.CallLogEntry) {
	if err := r.repo.Update(ctx, e); err != nil {
		r.logger.Error("failed to update call log entry", "call_id", e.CallID, "error", err)
	}
}

// StartRetention periodically deletes entries older than maxAge. A zero
// maxAge keeps history forever. The goroutine stops with ctx.
func StartRetention(ctx context.Context, repo database.CallLogRepository, maxAge, interval time.Duration, logger *slog.Logger) {
	if maxAge <= 0 {
		return
	}
	logger = logger.With("subsystem", "calllog")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := repo.DeleteBefore(ctx, time.Now().Add(-maxAge))
				if err != nil {
					logger.Error("call log retention cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("call log retention cleanup", "deleted", n, "max_age", maxAge.String())
				}
			}
		}
	}()
}
