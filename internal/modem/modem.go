// Package modem is a line backend for GSM voice modems driven over a
// serial port with 3GPP AT commands. Calls are discovered by polling
// +CLCC; voice audio stays on the modem's own codec path.
package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warthog618/modem/at"
	"go.bug.st/serial"

	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/line"
)

// ErrNoCarrier is returned by Dial when the network refuses the call.
var ErrNoCarrier = errors.New("modem: no carrier")

// simRefreshEvery is the number of polls between +CPIN queries.
const simRefreshEvery = 30

// Config configures the modem backend.
type Config struct {
	Port           string
	Baud           int
	PollInterval   time.Duration
	CommandTimeout time.Duration
}

// commander sends one AT command and returns its info lines. *at.AT
// implements it.
type commander interface {
	Command(cmd string, options ...at.CommandOption) ([]string, error)
}

// Modem implements line.Backend, call.SIMInfo and call.AudioDelegate for
// one GSM modem.
type Modem struct {
	cfg      Config
	cmd      commander
	port     io.Closer
	listener call.Listener
	logger   *slog.Logger
	kick     chan struct{}

	mu     sync.Mutex
	calls  map[int]*Call
	sim    call.SIMState
	since  time.Time
	detail string
	polls  int
}

// Ports lists the serial ports present on the host.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return ports, nil
}

// Open opens the serial port, initialises the modem and enables caller
// line identification.
func Open(cfg Config, listener call.Listener, logger *slog.Logger) (*Modem, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.Port, err)
	}

	a := at.New(port, at.WithTimeout(cfg.CommandTimeout))
	if err := a.Init(); err != nil {
		port.Close()
		return nil, fmt.Errorf("initialising modem on %s: %w", cfg.Port, err)
	}
	for _, c := range []string{"+CMEE=2", "+CLIP=1", "+CRC=1"} {
		if _, err := a.Command(c); err != nil {
			logger.Warn("modem setup command failed", "command", c, "error", err)
		}
	}

	m := newModem(a, port, cfg, listener, logger)

	// Unsolicited call indications trigger an immediate poll.
	for _, prefix := range []string{"RING", "+CRING", "NO CARRIER", "BUSY", "+CLIP"} {
		if err := a.AddIndication(prefix, func([]string) { m.poke() }); err != nil {
			logger.Debug("indication not registered", "prefix", prefix, "error", err)
		}
	}

	m.logger.Info("modem opened", "port", cfg.Port, "baud", cfg.Baud)
	return m, nil
}

func newModem(cmd commander, port io.Closer, cfg Config, listener call.Listener, logger *slog.Logger) *Modem {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Modem{
		cfg:      cfg,
		cmd:      cmd,
		port:     port,
		listener: listener,
		logger:   logger.With("subsystem", "modem"),
		kick:     make(chan struct{}, 1),
		calls:    make(map[int]*Call),
		sim:      call.SIMUnknown,
		since:    time.Now(),
	}
}

// Run polls the modem until ctx is cancelled, then closes the port.
func (m *Modem) Run(ctx context.Context) error {
	m.refreshSIM()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	defer func() {
		if m.port != nil {
			m.port.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.dropAll()
			return nil
		case <-ticker.C:
		case <-m.kick:
		}
		m.poll(ctx)
	}
}

// poke requests an immediate poll.
func (m *Modem) poke() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Modem) poll(ctx context.Context) {
	m.mu.Lock()
	m.polls++
	refresh := m.polls%simRefreshEvery == 0
	m.mu.Unlock()
	if refresh {
		m.refreshSIM()
	}

	lines, err := m.cmd.Command("+CLCC")
	if err != nil {
		m.logger.Warn("call list query failed", "error", err)
		return
	}
	listed, err := parseCLCC(lines)
	if err != nil {
		m.logger.Warn("call list unreadable", "error", err)
		return
	}
	m.reconcile(ctx, listed)
}

// reconcile brings tracked calls in line with the modem's call list. New
// calls are reported to the listener after their first state is set so the
// listener sees the call's direction; vanished calls are disconnected and
// then removed.
func (m *Modem) reconcile(ctx context.Context, listed []listedCall) {
	type update struct {
		c      *Call
		native call.NativeState
	}
	var added, removed []*Call
	var updates []update
	seen := make(map[int]bool, len(listed))

	m.mu.Lock()
	for _, lc := range listed {
		if !lc.Voice {
			continue
		}
		native, ok := lc.native()
		if !ok {
			continue
		}
		seen[lc.Index] = true

		c, tracked := m.calls[lc.Index]
		if !tracked {
			c = newCall(m, lc)
			if lc.Outgoing {
				c.Advance(ctx, call.NativeDialing)
			} else {
				c.Advance(ctx, call.NativeRinging)
			}
			m.calls[lc.Index] = c
			added = append(added, c)
		}
		updates = append(updates, update{c, native})
	}
	for idx, c := range m.calls {
		if !seen[idx] {
			delete(m.calls, idx)
			removed = append(removed, c)
		}
	}
	m.mu.Unlock()

	for _, c := range added {
		m.logger.Info("call detected", "call_id", c.ID(), "index", c.index, "phone", c.CallerPhoneNumber(), "outgoing", c.outgoing)
		m.listener.OnCallAdded(ctx, c)
	}
	for _, u := range updates {
		if u.c.Advance(ctx, u.native) {
			m.logger.Debug("call state changed", "call_id", u.c.ID(), "native_state", u.native.String())
		}
	}
	for _, c := range removed {
		m.logger.Info("call ended", "call_id", c.ID(), "index", c.index)
		c.Advance(ctx, call.NativeDisconnected)
		m.listener.OnCallRemoved(c)
		c.Close()
	}
}

// dropAll ends every tracked call when the backend stops.
func (m *Modem) dropAll() {
	m.reconcile(context.Background(), nil)
}

func (m *Modem) refreshSIM() {
	var sim call.SIMState
	lines, err := m.cmd.Command("+CPIN?")
	if err != nil {
		sim = simStateFromError(err)
	} else {
		sim = parseCPIN(lines)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sim != m.sim {
		m.logger.Info("sim state changed", "from", int(m.sim), "to", int(sim), "message", sim.Message())
		m.sim = sim
		m.since = time.Now()
		m.detail = ""
		if err != nil {
			m.detail = err.Error()
		}
	}
}

// SIMState returns the SIM state of the last +CPIN query.
func (m *Modem) SIMState(context.Context) (call.SIMState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sim, nil
}

// Status implements line.Backend.
func (m *Modem) Status() line.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := "sim_not_ready"
	if m.sim.Ready() {
		state = "ready"
	}
	return line.Status{
		Backend: "modem",
		Ready:   m.sim.Ready(),
		State:   state,
		Detail:  m.detail,
		Calls:   len(m.calls),
		Since:   m.since,
	}
}

// Dial places a voice call with ATD. The call appears on the next poll.
func (m *Modem) Dial(ctx context.Context, number string) error {
	n, err := line.ValidateNumber(number)
	if err != nil {
		return err
	}
	m.mu.Lock()
	busy := len(m.calls) > 0
	ready := m.sim.Ready()
	m.mu.Unlock()
	if busy {
		return line.ErrBusy
	}
	if !ready {
		return fmt.Errorf("%w: %s", line.ErrNotReady, m.Status().State)
	}

	m.logger.Info("dialling", "number", n)
	if _, err := m.cmd.Command("D" + n + ";"); err != nil {
		if strings.Contains(err.Error(), "NO CARRIER") {
			return ErrNoCarrier
		}
		return fmt.Errorf("dialling %s: %w", n, err)
	}
	m.poke()
	return nil
}

// SetMicMuted implements call.AudioDelegate with +CMUT.
func (m *Modem) SetMicMuted(_ context.Context, muted bool) error {
	v := "0"
	if muted {
		v = "1"
	}
	if _, err := m.cmd.Command("+CMUT=" + v); err != nil {
		return fmt.Errorf("setting mute: %w", err)
	}
	return nil
}

// SetSpeaker implements call.AudioDelegate by switching the modem audio
// channel between handset (1) and loudspeaker (3) with +CSDVC.
func (m *Modem) SetSpeaker(_ context.Context, on bool) error {
	v := "1"
	if on {
		v = "3"
	}
	if _, err := m.cmd.Command("+CSDVC=" + v); err != nil {
		return fmt.Errorf("setting speaker: %w", err)
	}
	return nil
}

// Call is a modem call identified by its +CLCC index.
type Call struct {
	*line.Call

	m        *Modem
	index    int
	outgoing bool
}

func newCall(m *Modem, lc listedCall) *Call {
	return &Call{
		Call:     line.NewCall(uuid.NewString(), lc.Number, lc.Name),
		m:        m,
		index:    lc.Index,
		outgoing: lc.Outgoing,
	}
}

func (c *Call) command(cmd string) error {
	if _, err := c.m.cmd.Command(cmd); err != nil {
		return fmt.Errorf("modem call %d: %s: %w", c.index, cmd, err)
	}
	c.m.poke()
	return nil
}

// Answer accepts a ringing call with ATA.
func (c *Call) Answer(context.Context) error { return c.command("A") }

// Disconnect releases this call with +CHLD=1x, falling back to +CHUP.
func (c *Call) Disconnect(context.Context) error {
	if err := c.command(fmt.Sprintf("+CHLD=1%d", c.index)); err != nil {
		c.m.logger.Debug("release by index failed, hanging up", "call_id", c.ID(), "error", err)
		return c.command("+CHUP")
	}
	return nil
}

// Hold places the active call on hold with +CHLD=2.
func (c *Call) Hold(context.Context) error { return c.command("+CHLD=2") }

// Unhold retrieves the held call; +CHLD=2 swaps active and held calls.
func (c *Call) Unhold(context.Context) error { return c.command("+CHLD=2") }

// PlayDTMFTone sends one DTMF tone with +VTS.
func (c *Call) PlayDTMFTone(_ context.Context, tone rune) error {
	if !call.ValidTone(tone) {
		return fmt.Errorf("modem: invalid dtmf tone %q", tone)
	}
	return c.command(fmt.Sprintf("+VTS=%c", tone))
}

// StopDTMFTone is a no-op: the modem plays fixed-length tones.
func (c *Call) StopDTMFTone(context.Context) error { return nil }
