// Package sip is a line backend that registers with a SIP registrar as a
// single user agent and carries calls over SIP. It handles signalling only:
// SDP advertises the configured media endpoint and the audio itself belongs
// to the platform's RTP engine.
package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/line"
)

// Config configures the SIP line.
type Config struct {
	// ListenAddr is the local host:port for SIP signalling.
	ListenAddr string
	// Registrar is the registrar host[:port]. Calls are routed through it.
	Registrar string
	// Transport is "udp" or "tcp".
	Transport    string
	Username     string
	AuthUsername string
	Password     string
	DisplayName  string
	// ContactHost is the address peers use to reach this line. Defaults to
	// MediaIP.
	ContactHost string
	MediaIP     string
	RTPPort     int
	// Expiry is the requested registration lifetime in seconds.
	Expiry int
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:5060"
	}
	c.Transport = strings.ToLower(c.Transport)
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.Expiry <= 0 {
		c.Expiry = 300
	}
	if c.RTPPort <= 0 {
		c.RTPPort = 4000
	}
	if c.ContactHost == "" {
		c.ContactHost = c.MediaIP
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Registrar == "":
		return errors.New("sip: registrar is required")
	case c.Username == "":
		return errors.New("sip: username is required")
	case c.MediaIP == "":
		return errors.New("sip: media ip is required")
	case c.Transport != "udp" && c.Transport != "tcp":
		return fmt.Errorf("sip: unsupported transport %q", c.Transport)
	}
	return nil
}

func (c Config) authUser() string {
	if c.AuthUsername != "" {
		return c.AuthUsername
	}
	return c.Username
}

// Line implements line.Backend and call.SIMInfo for one SIP account. The
// line carries one call at a time.
type Line struct {
	cfg      Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	listener call.Listener
	logger   *slog.Logger

	registrar sip.Uri
	contact   sip.Uri

	// ctx bounds outgoing call setup; stop is called when Run returns.
	ctx  context.Context
	stop context.CancelFunc

	mu    sync.Mutex
	calls map[string]*Call // keyed by Call-ID
	reg   registration
}

// New creates the SIP stack. Nothing is sent until Run.
func New(cfg Config, listener call.Listener, logger *slog.Logger) (*Line, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	l := &Line{
		cfg:      cfg,
		listener: listener,
		logger:   logger.With("subsystem", "sip"),
		calls:    make(map[string]*Call),
		reg:      registration{status: RegRegistering, since: time.Now()},
	}
	if err := sip.ParseUri("sip:"+cfg.Registrar, &l.registrar); err != nil {
		return nil, fmt.Errorf("parsing registrar %q: %w", cfg.Registrar, err)
	}
	_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing listen address %q: %w", cfg.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing listen port %q: %w", portStr, err)
	}
	l.contact = sip.Uri{Scheme: "sip", User: cfg.Username, Host: cfg.ContactHost, Port: port}

	l.ua, err = sipgo.NewUA(
		sipgo.WithUserAgent("flowdial"),
		sipgo.WithUserAgentHostname(cfg.ContactHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}
	l.srv, err = sipgo.NewServer(l.ua, sipgo.WithServerLogger(l.logger))
	if err != nil {
		l.ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}
	l.client, err = sipgo.NewClient(l.ua, sipgo.WithClientLogger(l.logger.With("role", "client")))
	if err != nil {
		l.srv.Close()
		l.ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	l.ctx, l.stop = context.WithCancel(context.Background())
	l.registerHandlers()
	return l, nil
}

func (l *Line) registerHandlers() {
	l.srv.OnInvite(l.handleInvite)
	l.srv.OnAck(l.handleAck)
	l.srv.OnBye(l.handleBye)
	l.srv.OnCancel(l.handleCancel)
	l.srv.OnInfo(l.handleInfo)
	l.srv.OnOptions(l.handleOptions)
}

// Run listens for requests and keeps the line registered until ctx is
// cancelled. On the way out it ends the current call and removes the
// registration.
func (l *Line) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listenErr := make(chan error, 1)
	go func() {
		l.logger.Info("sip listener starting", "addr", l.cfg.ListenAddr, "transport", l.cfg.Transport)
		listenErr <- l.srv.ListenAndServe(ctx, l.cfg.Transport, l.cfg.ListenAddr)
	}()

	regDone := make(chan struct{})
	go func() {
		defer close(regDone)
		l.registrationLoop(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-listenErr:
		if err != nil {
			err = fmt.Errorf("sip listener: %w", err)
		}
		cancel()
	}
	<-regDone

	l.hangupAll()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	l.unregister(sctx)
	scancel()

	l.stop()
	l.ua.Close()
	l.logger.Info("sip line stopped")
	return err
}

// hangupAll ends every call when the line stops.
func (l *Line) hangupAll() {
	l.mu.Lock()
	calls := make([]*Call, 0, len(l.calls))
	for _, c := range l.calls {
		calls = append(calls, c)
	}
	l.mu.Unlock()

	for _, c := range calls {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.Disconnect(ctx); err != nil {
			l.logger.Debug("hangup on stop failed", "call_id", c.ID(), "error", err)
		}
		cancel()
		l.endCall(c, "line stopped")
	}
}

// Status implements line.Backend.
func (l *Line) Status() line.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return line.Status{
		Backend: "sip",
		Ready:   l.reg.status == RegRegistered,
		State:   string(l.reg.status),
		Detail:  l.reg.lastErr,
		Calls:   len(l.calls),
		Since:   l.reg.since,
	}
}

// SIMState maps registration health onto the SIM model: a registered line
// is ready, anything else is not.
func (l *Line) SIMState(context.Context) (call.SIMState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reg.status == RegRegistered {
		return call.SIMReady, nil
	}
	return call.SIMNotReady, nil
}

// Dial places a call to number through the registrar. It returns once the
// call is created; progress is reported through the call's state.
func (l *Line) Dial(ctx context.Context, number string) error {
	n, err := line.ValidateNumber(number)
	if err != nil {
		return err
	}

	c := newOutboundCall(l, n)
	req, err := c.newInvite()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithCancel(l.ctx)
	c.cancelDial = cancel

	l.mu.Lock()
	if len(l.calls) > 0 {
		l.mu.Unlock()
		cancel()
		return line.ErrBusy
	}
	if l.reg.status != RegRegistered {
		status := l.reg.status
		l.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", line.ErrNotReady, status)
	}
	l.calls[c.callID] = c
	l.mu.Unlock()

	l.logger.Info("dialling", "call_id", c.callID, "number", n)
	c.Advance(ctx, call.NativeDialing)
	l.listener.OnCallAdded(ctx, c)
	go l.placeCall(dialCtx, c, req)
	return nil
}

// lookup returns the call with the given Call-ID.
func (l *Line) lookup(callID string) *Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[callID]
}

// endCall disconnects and removes c. It is safe to call more than once.
func (l *Line) endCall(c *Call, reason string) {
	l.mu.Lock()
	if l.calls[c.callID] != c {
		l.mu.Unlock()
		return
	}
	delete(l.calls, c.callID)
	l.mu.Unlock()

	c.settle()
	c.Advance(context.Background(), call.NativeDisconnected)
	l.logger.Info("call ended", "call_id", c.callID, "reason", reason)
	l.listener.OnCallRemoved(c)
	c.Close()
	if c.cancelDial != nil {
		c.cancelDial()
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
