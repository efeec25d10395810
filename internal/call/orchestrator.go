package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Effects is the UI command sink. Calls are fire-and-forget and must not
// block; implementations log their own failures.
type Effects interface {
	ShowIncoming(phone string)
	ShowOutgoing(phone string)
	ShowOngoing(phone string, durationSeconds int)
	StopCallUI()
	LaunchCallScreen(phone string)
	ShowMissedCall(phone string)
}

// BlockedNumberPolicy decides whether an incoming caller is auto-rejected.
type BlockedNumberPolicy interface {
	IsBlocked(ctx context.Context, phone string) (bool, error)
}

// SIMInfo reports SIM readiness of the line.
type SIMInfo interface {
	SIMState(ctx context.Context) (SIMState, error)
}

// AudioDelegate performs microphone and speaker routing.
type AudioDelegate interface {
	SetMicMuted(ctx context.Context, muted bool) error
	SetSpeaker(ctx context.Context, on bool) error
}

// EventKind identifies a call lifecycle event reported to hooks.
type EventKind int

const (
	EventAdded EventKind = iota
	EventBlocked
	EventState
	EventRemoved
)

// Event is delivered synchronously to hooks while the orchestrator holds
// its lock. Hooks must return quickly and must not call back into the
// orchestrator.
type Event struct {
	Kind        EventKind
	CallID      string
	Phone       string
	DisplayName string
	Outgoing    bool
	State       State
	At          time.Time
}

// Hook observes call lifecycle events.
type Hook func(Event)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithBlockedNumberPolicy(p BlockedNumberPolicy) Option {
	return func(o *Orchestrator) { o.blocked = p }
}

func WithSIMInfo(s SIMInfo) Option {
	return func(o *Orchestrator) { o.sim = s }
}

// WithTicker replaces the one-second ticker used for Active durations.
func WithTicker(f TickerFunc) Option {
	return func(o *Orchestrator) { o.timer.newTicker = f }
}

// WithHook registers a lifecycle hook. May be given more than once.
func WithHook(h Hook) Option {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, h) }
}

// WithCommandTimeout bounds each native or audio command.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.commandTimeout = d }
}

const defaultCommandTimeout = 10 * time.Second

// Orchestrator maps native call events of the single tracked call to State
// and issues the side effects of each transition. All entry points are
// serialized on mu; native and audio commands run after it is released.
type Orchestrator struct {
	logger         *slog.Logger
	effects        Effects
	blocked        BlockedNumberPolicy
	sim            SIMInfo
	hooks          []Hook
	commandTimeout time.Duration
	stream         *Stream

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	handle      Handle
	info        Info
	token       uint64
	native      NativeState
	unsubscribe func()
	pumpDone    chan struct{}
	removing    bool
	delegate    AudioDelegate
	state       State
	timer       durationTimer
	destroyed   bool
}

// New creates an orchestrator publishing to a fresh Stream that starts at
// Idle. A nil effects sink discards all UI commands.
func New(effects Effects, opts ...Option) *Orchestrator {
	if effects == nil {
		effects = NopEffects{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		logger:         slog.Default(),
		effects:        effects,
		commandTimeout: defaultCommandTimeout,
		stream:         NewStream(),
		ctx:            ctx,
		cancel:         cancel,
		state:          Idle(),
		timer:          durationTimer{newTicker: newStdTicker},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("subsystem", "call")
	return o
}

// Current returns the current call state.
func (o *Orchestrator) Current() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns the latest published snapshot.
func (o *Orchestrator) Snapshot() Snapshot {
	return o.stream.Current()
}

// Subscribe observes every published snapshot, starting with the current
// one.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Snapshot, func()) {
	return o.stream.Subscribe(buffer)
}

// command is a native or audio call made after the lock is released.
type command struct {
	name   string
	callID string
	fn     func(ctx context.Context) error
}

// OnCallAdded starts tracking h, replacing any call tracked before.
func (o *Orchestrator) OnCallAdded(ctx context.Context, h Handle) {
	if h == nil {
		return
	}
	o.mu.Lock()
	cmds := o.addLocked(ctx, h)
	o.mu.Unlock()

	o.dispatch(o.ctx, cmds)
}

func (o *Orchestrator) addLocked(ctx context.Context, h Handle) []command {
	if o.destroyed {
		return nil
	}
	if o.handle != nil {
		o.logger.Info("replacing tracked call", "call_id", o.handle.ID(), "new_call_id", h.ID())
		o.emitLocked(EventRemoved)
		o.releaseLocked()
	}

	// Subscribe before reading the state so no change made during
	// admission is lost. A change published between the two calls
	// repeats the admitted state and is skipped by applyNative.
	events, unsubscribe := h.Subscribe()
	native := h.State()
	o.native = native
	o.token++
	o.handle = h
	o.pumpDone = nil
	o.removing = false
	o.info = Info{Phone: h.CallerPhoneNumber(), Outgoing: native.outgoing()}

	o.logger.Info("call added",
		"call_id", h.ID(),
		"phone", o.info.Phone,
		"outgoing", o.info.Outgoing,
		"native_state", native.String(),
	)
	o.emitLocked(EventAdded)

	simError := o.checkSIMLocked(ctx)

	if !o.info.Outgoing && o.isBlocked(ctx, o.info.Phone) {
		o.logger.Info("rejecting blocked caller", "call_id", h.ID(), "phone", o.info.Phone)
		o.effects.StopCallUI()
		o.emitLocked(EventBlocked)
		unsubscribe()
		return []command{o.hangupCommand(h)}
	}

	st, effects, ok := admit(o.info, native)
	if ok && st.Kind == KindActive {
		o.info.Answered = true
	}
	if o.info.Outgoing {
		effects = append(effects, Effect{Kind: EffectLaunchCallScreen, Phone: o.info.Phone})
	}
	cmds := o.runEffectsLocked(effects)
	if ok && !simError {
		o.publishLocked(st)
	}

	o.unsubscribe = unsubscribe
	o.pumpDone = make(chan struct{})
	o.wg.Add(1)
	go o.pump(o.token, events, o.pumpDone)

	return cmds
}

// checkSIMLocked publishes SIMError when the line's SIM is not ready. The
// check happens only when a call is added.
func (o *Orchestrator) checkSIMLocked(ctx context.Context) bool {
	if o.sim == nil {
		return false
	}
	sim, err := o.sim.SIMState(ctx)
	if err != nil {
		o.logger.Warn("querying sim state", "error", err)
		return false
	}
	if sim.Ready() {
		return false
	}
	o.logger.Warn("sim not ready", "sim_state", int(sim), "call_id", o.handle.ID())
	o.publishLocked(SIMError(sim, sim.Message()))
	return true
}

func (o *Orchestrator) isBlocked(ctx context.Context, phone string) bool {
	if o.blocked == nil || phone == "" {
		return false
	}
	blocked, err := o.blocked.IsBlocked(ctx, phone)
	if err != nil {
		o.logger.Warn("checking blocked number", "phone", phone, "error", err)
		return false
	}
	return blocked
}

// OnCallRemoved stops tracking h. It does nothing when no call is tracked
// or h is not the tracked call, and never changes the published state
// itself. Native events the handle published before removal are applied
// first.
func (o *Orchestrator) OnCallRemoved(h Handle) {
	o.mu.Lock()
	if o.destroyed || o.handle == nil || o.removing {
		o.mu.Unlock()
		return
	}
	if h != nil && h.ID() != o.handle.ID() {
		o.logger.Debug("ignoring removal of untracked call", "call_id", h.ID())
		o.mu.Unlock()
		return
	}
	token, done := o.token, o.pumpDone
	o.removing = true
	if o.unsubscribe != nil {
		// The closed channel still yields buffered events to the pump.
		o.unsubscribe()
		o.unsubscribe = nil
	}
	o.mu.Unlock()

	if done != nil {
		<-done
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed || o.token != token {
		return
	}
	o.removing = false

	o.logger.Info("call removed", "call_id", o.handle.ID(), "state", o.state.String())
	o.releaseLocked()
	o.effects.StopCallUI()
	o.emitLocked(EventRemoved)
	o.handle = nil
	o.info = Info{}
}

// releaseLocked unsubscribes from the tracked handle and cancels the timer.
// Later events from the old subscription are discarded by token.
func (o *Orchestrator) releaseLocked() {
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	o.timer.cancel()
	o.token++
}

// OnAction routes a user command to the tracked handle or audio delegate.
// Commands with nothing to act on are ignored.
func (o *Orchestrator) OnAction(ctx context.Context, a Action) {
	o.mu.Lock()
	cmds := o.actionLocked(a)
	o.mu.Unlock()

	o.dispatch(ctx, cmds)
}

func (o *Orchestrator) actionLocked(a Action) []command {
	if o.destroyed {
		return nil
	}

	if a.audio() {
		d := o.delegate
		if d == nil {
			o.logger.Debug("no audio delegate, ignoring action", "action", a.String())
			return nil
		}
		enabled := a.Enabled
		if o.state.Kind == KindActive {
			st := o.state
			if a.Kind == ActionMute {
				st.Muted = enabled
			} else {
				st.SpeakerOn = enabled
			}
			o.publishLocked(st)
		}
		if a.Kind == ActionMute {
			return []command{{name: "set_mic_muted", fn: func(ctx context.Context) error {
				return d.SetMicMuted(ctx, enabled)
			}}}
		}
		return []command{{name: "set_speaker", fn: func(ctx context.Context) error {
			return d.SetSpeaker(ctx, enabled)
		}}}
	}

	h := o.handle
	if h == nil {
		o.logger.Debug("no tracked call, ignoring action", "action", a.String())
		return nil
	}

	c := command{name: a.String(), callID: h.ID()}
	switch a.Kind {
	case ActionAnswer:
		o.effects.LaunchCallScreen(o.info.Phone)
		c.fn = h.Answer
	case ActionHangup:
		return []command{o.hangupCommand(h)}
	case ActionHold:
		if o.state.Kind == KindActive {
			st := o.state
			st.OnHold = a.Enabled
			o.publishLocked(st)
		}
		if a.Enabled {
			c.fn = h.Hold
		} else {
			c.fn = h.Unhold
		}
	case ActionStartDialTone:
		tone := a.Tone
		c.fn = func(ctx context.Context) error { return h.PlayDTMFTone(ctx, tone) }
	case ActionStopDialTone:
		c.fn = h.StopDTMFTone
	default:
		return nil
	}
	return []command{c}
}

func (o *Orchestrator) hangupCommand(h Handle) command {
	return command{name: "hangup", callID: h.ID(), fn: h.Disconnect}
}

// SetAudioDelegate binds the audio delegate. The last call wins; nil
// unbinds it.
func (o *Orchestrator) SetAudioDelegate(d AudioDelegate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return
	}
	o.delegate = d
}

// SetSIMInfo binds the SIM source after construction, for lines that need
// the orchestrator as their listener before they exist.
func (o *Orchestrator) SetSIMInfo(s SIMInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sim = s
}

// Destroy stops UI effects, unbinds the audio delegate and stops all
// background work. Later calls on the orchestrator do nothing.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	o.releaseLocked()
	o.effects.StopCallUI()
	o.delegate = nil
	o.handle = nil
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.stream.close()
	o.logger.Info("call orchestrator stopped")
}

// pump applies native events of one subscription in arrival order.
func (o *Orchestrator) pump(token uint64, events <-chan NativeState, done chan struct{}) {
	defer o.wg.Done()
	defer close(done)
	for {
		select {
		case <-o.ctx.Done():
			return
		case native, ok := <-events:
			if !ok {
				return
			}
			o.applyNative(token, native)
		}
	}
}

func (o *Orchestrator) applyNative(token uint64, native NativeState) {
	o.mu.Lock()
	if o.destroyed || o.handle == nil || token != o.token {
		o.mu.Unlock()
		return
	}

	if native == o.native {
		o.mu.Unlock()
		return
	}
	o.native = native

	st, effects, ok := Transition(o.info, native)
	if !ok {
		o.logger.Debug("ignoring native state", "call_id", o.handle.ID(), "native_state", native.String())
		o.mu.Unlock()
		return
	}
	if st.Kind == KindActive {
		o.info.Answered = true
	} else {
		o.timer.cancel()
	}
	o.logger.Debug("native state changed",
		"call_id", o.handle.ID(),
		"native_state", native.String(),
		"state", st.String(),
	)
	cmds := o.runEffectsLocked(effects)
	o.publishLocked(st)
	o.mu.Unlock()

	o.dispatch(o.ctx, cmds)
}

func (o *Orchestrator) tick(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed || !o.timer.current(gen) {
		return
	}
	st, effects, ok := Tick(o.info, o.state)
	if !ok {
		o.timer.cancel()
		return
	}
	o.runEffectsLocked(effects)
	o.publishLocked(st)
}

// runEffectsLocked issues UI and timer effects in order and returns the
// native commands among them for dispatch after unlocking. Effects run
// before the matching state is published.
func (o *Orchestrator) runEffectsLocked(effects []Effect) []command {
	var cmds []command
	for _, e := range effects {
		switch e.Kind {
		case EffectShowIncoming:
			o.effects.ShowIncoming(e.Phone)
		case EffectShowOutgoing:
			o.effects.ShowOutgoing(e.Phone)
		case EffectShowOngoing:
			o.effects.ShowOngoing(e.Phone, e.DurationSeconds)
		case EffectStopCallUI:
			o.effects.StopCallUI()
		case EffectLaunchCallScreen:
			o.effects.LaunchCallScreen(e.Phone)
		case EffectShowMissedCall:
			o.effects.ShowMissedCall(e.Phone)
		case EffectStartTimer:
			o.timer.start(o.tick)
		case EffectCancelTimer:
			o.timer.cancel()
		case EffectHangup:
			if o.handle != nil {
				cmds = append(cmds, o.hangupCommand(o.handle))
			}
		}
	}
	return cmds
}

func (o *Orchestrator) publishLocked(st State) {
	o.state = st
	snap := Snapshot{State: st, At: time.Now()}
	if o.handle != nil {
		snap.CallID = o.handle.ID()
		snap.Phone = o.info.Phone
		snap.DisplayName = o.handle.CallerDisplayName()
		snap.Outgoing = o.info.Outgoing
	}
	o.stream.publish(snap)
	o.emitLocked(EventState)
}

func (o *Orchestrator) emitLocked(kind EventKind) {
	if len(o.hooks) == 0 || o.handle == nil {
		return
	}
	ev := Event{
		Kind:        kind,
		CallID:      o.handle.ID(),
		Phone:       o.info.Phone,
		DisplayName: o.handle.CallerDisplayName(),
		Outgoing:    o.info.Outgoing,
		State:       o.state,
		At:          time.Now(),
	}
	for _, h := range o.hooks {
		h(ev)
	}
}

// dispatch runs commands outside the lock. Failures are logged, never
// retried; their outcome shows up only in later native events.
func (o *Orchestrator) dispatch(ctx context.Context, cmds []command) {
	for _, c := range cmds {
		cctx, cancel := context.WithTimeout(ctx, o.commandTimeout)
		err := c.fn(cctx)
		cancel()
		if err != nil {
			o.logger.Warn("call command failed", "command", c.name, "call_id", c.callID, "error", err)
		}
	}
}

// NopEffects discards all UI commands.
type NopEffects struct{}

func (NopEffects) ShowIncoming(string) {}
func (NopEffects) ShowOutgoing(string) {}
func (NopEffects) ShowOngoing(string, int) {}
func (NopEffects) StopCallUI() {}
func (NopEffects) LaunchCallScreen(string) {}
func (NopEffects) ShowMissedCall(string) {}
