package call

// EffectKind identifies a side-effect command produced by a transition.
type EffectKind int

const (
	EffectShowIncoming EffectKind = iota
	EffectShowOutgoing
	EffectShowOngoing
	EffectStopCallUI
	EffectLaunchCallScreen
	EffectShowMissedCall
	EffectStartTimer
	EffectCancelTimer
	EffectHangup
)

var effectNames = [...]string{
	EffectShowIncoming:     "show_incoming",
	EffectShowOutgoing:     "show_outgoing",
	EffectShowOngoing:      "show_ongoing",
	EffectStopCallUI:       "stop_call_ui",
	EffectLaunchCallScreen: "launch_call_screen",
	EffectShowMissedCall:   "show_missed_call",
	EffectStartTimer:       "start_timer",
	EffectCancelTimer:      "cancel_timer",
	EffectHangup:           "hangup",
}

func (k EffectKind) String() string {
	if int(k) < len(effectNames) {
		return effectNames[k]
	}
	return "effect"
}

// Effect is one side-effect command. Phone and DurationSeconds are set for
// the UI effects that carry them.
type Effect struct {
	Kind            EffectKind
	Phone           string
	DurationSeconds int
}

// Info is what the transition function knows about the tracked call.
type Info struct {
	Phone    string
	Outgoing bool

	// Answered is set once the call has reached Active.
	Answered bool
}

// Transition maps a native state of the tracked call to the application
// state and the effects that accompany it. ok is false for native states
// with no application mapping; those are ignored.
func Transition(info Info, native NativeState) (State, []Effect, bool) {
	switch native {
	case NativeConnecting:
		return Connecting(), nil, true

	case NativeDialing:
		return Ringing(Outgoing), []Effect{
			{Kind: EffectShowOutgoing, Phone: info.Phone},
		}, true

	case NativeRinging:
		if info.Outgoing {
			return Ringing(Outgoing), nil, true
		}
		return Ringing(Incoming), []Effect{
			{Kind: EffectShowIncoming, Phone: info.Phone},
		}, true

	case NativeActive:
		return Active(0, false, false, false), []Effect{
			{Kind: EffectStartTimer},
			{Kind: EffectShowOngoing, Phone: info.Phone},
		}, true

	case NativeHolding:
		return Held(), nil, true

	case NativeDisconnected:
		effects := []Effect{
			{Kind: EffectStopCallUI},
			{Kind: EffectCancelTimer},
		}
		if !info.Outgoing && !info.Answered {
			effects = append(effects, Effect{Kind: EffectShowMissedCall, Phone: info.Phone})
		}
		return Disconnected(), effects, true
	}
	return State{}, nil, false
}

// Tick advances an Active state by one second. ok is false when s is not
// Active, in which case the timer should stop.
func Tick(info Info, s State) (State, []Effect, bool) {
	if s.Kind != KindActive {
		return s, nil, false
	}
	next := s
	next.DurationSeconds++
	return next, []Effect{
		{Kind: EffectShowOngoing, Phone: info.Phone, DurationSeconds: next.DurationSeconds},
	}, true
}

// admit returns the state and effects for a call first seen in native
// state. It guarantees exactly one show-incoming or show-outgoing command
// unless the call is already past the ringing phase.
func admit(info Info, native NativeState) (State, []Effect, bool) {
	st, effects, ok := Transition(info, native)
	if ok && st.Kind != KindConnecting {
		return st, effects, true
	}
	show := Effect{Kind: EffectShowIncoming, Phone: info.Phone}
	if info.Outgoing {
		show.Kind = EffectShowOutgoing
	}
	return st, append([]Effect{show}, effects...), ok
}
