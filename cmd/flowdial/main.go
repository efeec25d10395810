package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/flowdial/internal/api"
	"github.com/flowpbx/flowdial/internal/blocklist"
	"github.com/flowpbx/flowdial/internal/blocklist/pgstore"
	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/calllog"
	"github.com/flowpbx/flowdial/internal/config"
	"github.com/flowpbx/flowdial/internal/database"
	"github.com/flowpbx/flowdial/internal/email"
	"github.com/flowpbx/flowdial/internal/line"
	"github.com/flowpbx/flowdial/internal/metrics"
	"github.com/flowpbx/flowdial/internal/modem"
	"github.com/flowpbx/flowdial/internal/notify"
	"github.com/flowpbx/flowdial/internal/sip"
)

// backend is a line that also reports SIM readiness.
type backend interface {
	line.Backend
	call.SIMInfo
}

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.ListPorts {
		ports, err := modem.Ports()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting flowdial",
		"http_port", cfg.HTTPPort,
		"backend", cfg.Backend,
		"data_dir", cfg.DataDir,
	)

	if err := run(cfg, logger, startTime); err != nil {
		slog.Error("flowdial stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("flowdial stopped")
}

func run(cfg *config.Config, logger *slog.Logger, startTime time.Time) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	settings := database.NewSettingsRepository(db)
	jwtSecret, err := resolveJWTSecret(ctx, cfg, settings)
	if err != nil {
		return err
	}
	if err := storePairingPIN(ctx, cfg, settings); err != nil {
		return err
	}

	callLogRepo := database.NewCallLogRepository(db)
	pushTokens := database.NewPushTokenRepository(db)

	var store blocklist.Store = database.NewBlockedNumberRepository(db)
	if cfg.BlocklistDSN != "" {
		pg, err := pgstore.New(ctx, cfg.BlocklistDSN)
		if err != nil {
			return fmt.Errorf("opening shared blocklist: %w", err)
		}
		defer pg.Close()
		store = pg
	}
	policy := blocklist.New(store, logger)

	recorder := calllog.New(callLogRepo, logger)

	effects := notify.Multi{notify.NewLog(logger)}
	var push *notify.Push
	if cfg.FCMCredentials != "" {
		sender, err := notify.NewFCMSender(ctx, cfg.FCMCredentials)
		if err != nil {
			return fmt.Errorf("initializing push: %w", err)
		}
		push = notify.NewPush(sender, pushTokens, notify.DefaultPushConfig(), logger)
		effects = append(effects, push)
	} else {
		slog.Info("no fcm-credentials configured, push notifications disabled")
	}
	var mail *notify.Mail
	if cfg.MissedCallEmail != "" {
		sender := email.NewSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}, logger)
		mail = notify.NewMail(sender, cfg.MissedCallEmail, logger)
		effects = append(effects, mail)
	}

	orch := call.New(effects,
		call.WithLogger(logger),
		call.WithBlockedNumberPolicy(policy),
		call.WithHook(recorder.Hook()),
	)
	defer orch.Destroy()

	lineBackend, err := openBackend(cfg, orch, logger)
	if err != nil {
		return err
	}
	orch.SetSIMInfo(lineBackend)

	reg := prometheus.NewRegistry()
	providers := metrics.Providers{
		Calls:     orch,
		Line:      lineBackend,
		CallLog:   callLogRepo,
		Blocklist: policy,
		Recorder:  recorder,
	}
	if push != nil {
		providers.Push = push
	}
	reg.MustRegister(
		metrics.NewCollector(providers, startTime),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := api.NewServer(api.Deps{
		Calls:       orch,
		Line:        lineBackend,
		Blocklist:   policy,
		CallLog:     callLogRepo,
		Devices:     database.NewDeviceRepository(db),
		PushTokens:  pushTokens,
		Settings:    settings,
		JWTSecret:   jwtSecret,
		CORSOrigins: cfg.CORSOriginList(),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:      logger,
	})
	defer handler.Close()

	// No write timeout: /api/v1/call/events is a long-lived stream.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	tasks := newRunner(ctx)
	lineErr := make(chan error, 1)
	tasks.line(func(ctx context.Context) { lineErr <- lineBackend.Run(ctx) })
	tasks.worker(recorder.Run)
	if push != nil {
		tasks.worker(push.Run)
	}
	if mail != nil {
		tasks.worker(mail.Run)
	}
	calllog.StartRetention(tasks.workCtx, callLogRepo, cfg.CallLogMaxAge(), time.Hour, logger)

	httpErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-lineErr:
		if err != nil {
			runErr = fmt.Errorf("line backend: %w", err)
		} else {
			runErr = errors.New("line backend stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	tasks.stop(orch.Destroy)
	return runErr
}

// runner owns the line backend and the workers that consume its call
// events. The line stops first so the events of a call ended by shutdown
// still reach the workers.
type runner struct {
	lineCtx    context.Context
	lineCancel context.CancelFunc
	lineDone   chan struct{}
	workCtx    context.Context
	workCancel context.CancelFunc
	workers    sync.WaitGroup
}

func newRunner(ctx context.Context) *runner {
	r := &runner{lineDone: make(chan struct{})}
	r.lineCtx, r.lineCancel = context.WithCancel(ctx)
	r.workCtx, r.workCancel = context.WithCancel(context.WithoutCancel(ctx))
	return r
}

// line starts the line backend. Call it once.
func (r *runner) line(run func(context.Context)) {
	go func() {
		defer close(r.lineDone)
		run(r.lineCtx)
	}()
}

func (r *runner) worker(run func(context.Context)) {
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		run(r.workCtx)
	}()
}

// stop cancels the line and waits for it, runs between, then cancels the
// workers and waits for them.
func (r *runner) stop(between func()) {
	r.lineCancel()
	<-r.lineDone
	if between != nil {
		between()
	}
	r.workCancel()
	r.workers.Wait()
}

// openBackend creates the configured line with orch as its listener.
func openBackend(cfg *config.Config, orch *call.Orchestrator, logger *slog.Logger) (backend, error) {
	switch cfg.Backend {
	case config.BackendSIP:
		l, err := sip.New(sip.Config{
			ListenAddr:   cfg.SIPListen,
			Registrar:    cfg.SIPRegistrar,
			Transport:    cfg.SIPTransport,
			Username:     cfg.SIPUser,
			AuthUsername: cfg.SIPAuthUser,
			Password:     cfg.SIPPassword,
			DisplayName:  cfg.SIPDisplayName,
			ContactHost:  cfg.SIPContactHost,
			MediaIP:      cfg.MediaIP(),
			RTPPort:      cfg.SIPRTPPort,
			Expiry:       cfg.SIPExpiry,
		}, orch, logger)
		if err != nil {
			return nil, fmt.Errorf("creating sip line: %w", err)
		}
		return l, nil
	default:
		m, err := modem.Open(modem.Config{
			Port:         cfg.ModemPort,
			Baud:         cfg.ModemBaud,
			PollInterval: cfg.ModemPollInterval,
		}, orch, logger)
		if err != nil {
			return nil, fmt.Errorf("opening modem: %w", err)
		}
		orch.SetAudioDelegate(m)
		return m, nil
	}
}

// resolveJWTSecret picks the device token signing key: the configured
// secret, then the one persisted by an earlier run, else a new one that is
// persisted so paired devices survive restarts.
func resolveJWTSecret(ctx context.Context, cfg *config.Config, settings database.SettingsRepository) ([]byte, error) {
	persist := false
	if cfg.JWTSecret == "" {
		stored, err := settings.Get(ctx, database.SettingJWTSecret)
		if err != nil {
			return nil, fmt.Errorf("reading stored jwt secret: %w", err)
		}
		cfg.JWTSecret = stored
		persist = stored == ""
	}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, err
	}
	if persist {
		if err := settings.Set(ctx, database.SettingJWTSecret, cfg.JWTSecret); err != nil {
			return nil, fmt.Errorf("storing jwt secret: %w", err)
		}
	}
	return key, nil
}

// storePairingPIN replaces the stored PIN hash with the configured PIN. An
// unset PIN leaves pairing as it was.
func storePairingPIN(ctx context.Context, cfg *config.Config, settings database.SettingsRepository) error {
	if cfg.PairingPIN == "" {
		current, err := settings.Get(ctx, database.SettingPairingPINHash)
		if err != nil {
			return fmt.Errorf("reading pairing pin: %w", err)
		}
		if current == "" {
			slog.Warn("no pairing-pin configured, new devices cannot pair")
		}
		return nil
	}
	hash, err := database.HashSecret(cfg.PairingPIN)
	if err != nil {
		return fmt.Errorf("hashing pairing pin: %w", err)
	}
	if err := settings.Set(ctx, database.SettingPairingPINHash, hash); err != nil {
		return fmt.Errorf("storing pairing pin: %w", err)
	}
	return nil
}
