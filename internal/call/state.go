package call

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which variant of State is populated.
type Kind int

const (
	KindIdle Kind = iota
	KindRinging
	KindConnecting
	KindActive
	KindOnHold
	KindDisconnected
	KindSIMError
)

func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindRinging:
		return "ringing"
	case KindConnecting:
		return "connecting"
	case KindActive:
		return "active"
	case KindOnHold:
		return "on_hold"
	case KindDisconnected:
		return "disconnected"
	case KindSIMError:
		return "sim_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Direction is the direction of a ringing call.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// State is the application's view of call progress. Only the fields that
// belong to Kind are meaningful; use the constructors below.
type State struct {
	Kind Kind

	// Ringing.
	Direction Direction

	// Active.
	DurationSeconds int
	Muted           bool
	SpeakerOn       bool
	OnHold          bool

	// SIMError.
	SIMState SIMState
	Message  string
}

func Idle() State { return State{Kind: KindIdle} }
func Connecting() State { return State{Kind: KindConnecting} }
func Held() State { return State{Kind: KindOnHold} }

// Disconnected is the terminal display state between hangup and release of
// the native handle.
func Disconnected() State { return State{Kind: KindDisconnected} }

func Ringing(dir Direction) State {
	return State{Kind: KindRinging, Direction: dir}
}

// Active returns a connected call state. Negative durations are clamped to 0.
func Active(durationSeconds int, muted, speakerOn, onHold bool) State {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	return State{
		Kind:            KindActive,
		DurationSeconds: durationSeconds,
		Muted:           muted,
		SpeakerOn:       speakerOn,
		OnHold:          onHold,
	}
}

func SIMError(sim SIMState, message string) State {
	return State{Kind: KindSIMError, SIMState: sim, Message: message}
}

// IsIncomingRing reports whether the state is an incoming call alerting.
func (s State) IsIncomingRing() bool {
	return s.Kind == KindRinging && s.Direction == Incoming
}

// Status returns a short human-readable description of the state.
func (s State) Status() string {
	switch s.Kind {
	case KindIdle:
		return "Idle"
	case KindRinging:
		if s.Direction == Outgoing {
			return "Calling…"
		}
		return "Incoming call"
	case KindConnecting:
		return "Connecting…"
	case KindActive:
		if s.OnHold {
			return "On hold " + FormatDuration(s.DurationSeconds)
		}
		return FormatDuration(s.DurationSeconds)
	case KindOnHold:
		return "On hold"
	case KindDisconnected:
		return "Call ended"
	case KindSIMError:
		if s.Message != "" {
			return s.Message
		}
		return s.SIMState.Message()
	default:
		return s.Kind.String()
	}
}

func (s State) String() string {
	switch s.Kind {
	case KindRinging:
		return fmt.Sprintf("ringing(%s)", s.Direction)
	case KindActive:
		return fmt.Sprintf("active(%ds muted=%t speaker=%t hold=%t)",
			s.DurationSeconds, s.Muted, s.SpeakerOn, s.OnHold)
	case KindSIMError:
		return fmt.Sprintf("sim_error(%d)", int(s.SIMState))
	default:
		return s.Kind.String()
	}
}

// FormatDuration renders seconds as m:ss, or h:mm:ss past an hour.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, sec := seconds/3600, (seconds/60)%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}

type stateJSON struct {
	Kind            string `json:"kind"`
	Status          string `json:"status"`
	Direction       string `json:"direction,omitempty"`
	DurationSeconds *int   `json:"duration_seconds,omitempty"`
	Muted           *bool  `json:"muted,omitempty"`
	SpeakerOn       *bool  `json:"speaker_on,omitempty"`
	OnHold          *bool  `json:"on_hold,omitempty"`
	SIMState        *int   `json:"sim_state,omitempty"`
	Message         string `json:"message,omitempty"`
}

// MarshalJSON encodes only the fields of the populated variant.
func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{Kind: s.Kind.String(), Status: s.Status()}
	switch s.Kind {
	case KindRinging:
		out.Direction = s.Direction.String()
	case KindActive:
		d, m, sp, h := s.DurationSeconds, s.Muted, s.SpeakerOn, s.OnHold
		out.DurationSeconds, out.Muted, out.SpeakerOn, out.OnHold = &d, &m, &sp, &h
	case KindSIMError:
		code := int(s.SIMState)
		out.SIMState = &code
		out.Message = s.Message
	}
	return json.Marshal(out)
}

// SIMState mirrors the platform SIM readiness codes.
type SIMState int

const (
	SIMUnknown        SIMState = 0
	SIMAbsent         SIMState = 1
	SIMPINRequired    SIMState = 2
	SIMPUKRequired    SIMState = 3
	SIMNetworkLocked  SIMState = 4
	SIMReady          SIMState = 5
	SIMNotReady       SIMState = 6
	SIMPermDisabled   SIMState = 7
	SIMCardIOError    SIMState = 8
	SIMCardRestricted SIMState = 9
)

// Ready reports whether calls can be placed with this SIM.
func (s SIMState) Ready() bool { return s == SIMReady }

// Message is the user-facing text shown for a SIMError state.
func (s SIMState) Message() string {
	switch s {
	case SIMReady:
		return "SIM ready"
	case SIMAbsent:
		return "No SIM card inserted"
	case SIMPINRequired:
		return "SIM is locked, enter PIN"
	case SIMPUKRequired:
		return "SIM is locked, enter PUK"
	case SIMNetworkLocked:
		return "SIM is network locked"
	case SIMNotReady:
		return "SIM is not ready"
	case SIMPermDisabled:
		return "SIM is permanently disabled"
	case SIMCardIOError:
		return "SIM card error"
	case SIMCardRestricted:
		return "SIM card restricted"
	default:
		return "SIM state unknown"
	}
}
