// Package api serves the HTTP API used by paired companion devices and
// dashboards: call state and control, the blocklist, the call log and
// device pairing.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/flowdial/internal/api/middleware"
	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/database"
	"github.com/flowpbx/flowdial/internal/database/models"
	"github.com/flowpbx/flowdial/internal/line"
)

// CallController is the call orchestrator as seen by the API.
type CallController interface {
	Snapshot() call.Snapshot
	Subscribe(buffer int) (<-chan call.Snapshot, func())
	OnAction(ctx context.Context, a call.Action)
}

// LineController is the active line backend as seen by the API.
type LineController interface {
	Dial(ctx context.Context, number string) error
	Status() line.Status
}

// Blocklist manages blocked callers.
type Blocklist interface {
	List(ctx context.Context) ([]models.BlockedNumber, error)
	Block(ctx context.Context, phone, label string) (*models.BlockedNumber, error)
	Unblock(ctx context.Context, id int64) error
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Calls       CallController
	Line        LineController
	Blocklist   Blocklist
	CallLog     database.CallLogRepository
	Devices     database.DeviceRepository
	PushTokens  database.PushTokenRepository
	Settings    database.SettingsRepository
	JWTSecret   []byte
	CORSOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	calls       CallController
	line        LineController
	blocklist   Blocklist
	callLog     database.CallLogRepository
	devices     database.DeviceRepository
	pushTokens  database.PushTokenRepository
	settings    database.SettingsRepository
	jwtSecret   []byte
	logger      *slog.Logger
	pairLimiter *middleware.Limiter
	apiLimiter  *middleware.Limiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:      chi.NewRouter(),
		calls:       d.Calls,
		line:        d.Line,
		blocklist:   d.Blocklist,
		callLog:     d.CallLog,
		devices:     d.Devices,
		pushTokens:  d.PushTokens,
		settings:    d.Settings,
		jwtSecret:   d.JWTSecret,
		logger:      logger.With("subsystem", "api"),
		pairLimiter: middleware.NewLimiter(middleware.PairingRateLimitConfig()),
		apiLimiter:  middleware.NewLimiter(middleware.DefaultRateLimitConfig()),
	}

	s.routes(d.CORSOrigins, d.Metrics)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.pairLimiter.Stop()
	s.apiLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(corsOrigins []string, metrics http.Handler) {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.CORS(corsOrigins))

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SecurityHeaders)

		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.pairLimiter)).Post("/pair", s.handlePair)

		// Paired device routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireDeviceAuth(s.jwtSecret, deviceChecker{s.devices}))
			r.Use(middleware.RateLimit(s.apiLimiter))

			r.Route("/call", func(r chi.Router) {
				r.Get("/state", s.handleCallState)
				r.Get("/events", s.handleCallEvents)
				r.Post("/action", s.handleCallAction)
				r.Post("/dial", s.handleDial)
			})

			r.Get("/line", s.handleLineStatus)

			r.Route("/blocked", func(r chi.Router) {
				r.Get("/", s.handleListBlocked)
				r.Post("/", s.handleBlockNumber)
				r.Delete("/{id}", s.handleUnblockNumber)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCallLog)
				r.Get("/{callID}", s.handleGetCallLog)
			})

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Delete("/{id}", s.handleRevokeDevice)
				r.Put("/me/push-token", s.handleRegisterPushToken)
				r.Delete("/me/push-token", s.handleDeletePushToken)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.line.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"backend":    st.Backend,
		"line_ready": st.Ready,
	})
}

// deviceChecker adapts the device repository to the auth middleware. A
// successful check records the device as seen.
type deviceChecker struct {
	devices database.DeviceRepository
}

func (c deviceChecker) Active(ctx context.Context, id string) (bool, error) {
	d, err := c.devices.GetByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if d.Revoked {
		return false, nil
	}
	if err := c.devices.Touch(ctx, id); err != nil {
		slog.Warn("api: failed to record device activity", "device_id", id, "error", err)
	}
	return true, nil
}
