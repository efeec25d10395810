package call

import (
	"errors"
	"fmt"
	"strings"
)

// ActionKind identifies a user-intent command.
type ActionKind int

const (
	ActionAnswer ActionKind = iota
	ActionHangup
	ActionHold
	ActionMute
	ActionSpeaker
	ActionStartDialTone
	ActionStopDialTone
)

var actionNames = map[ActionKind]string{
	ActionAnswer:        "answer",
	ActionHangup:        "hangup",
	ActionHold:          "hold",
	ActionMute:          "mute",
	ActionSpeaker:       "speaker",
	ActionStartDialTone: "start_dial_tone",
	ActionStopDialTone:  "stop_dial_tone",
}

func (k ActionKind) String() string {
	if n, ok := actionNames[k]; ok {
		return n
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Action is a stateless command carrying only what one platform call needs.
type Action struct {
	Kind    ActionKind
	Enabled bool // Hold, Mute, Speaker
	Tone    rune // StartDialTone
}

func Answer() Action { return Action{Kind: ActionAnswer} }
func Hangup() Action { return Action{Kind: ActionHangup} }
func Hold(enabled bool) Action { return Action{Kind: ActionHold, Enabled: enabled} }
func Mute(enabled bool) Action { return Action{Kind: ActionMute, Enabled: enabled} }
func Speaker(enabled bool) Action { return Action{Kind: ActionSpeaker, Enabled: enabled} }
func StartDialTone(tone rune) Action { return Action{Kind: ActionStartDialTone, Tone: tone} }
func StopDialTone() Action { return Action{Kind: ActionStopDialTone} }
func (a Action) audio() bool { return a.Kind == ActionMute || a.Kind == ActionSpeaker }
func (a Action) String() string { return a.Kind.String() }

// ErrUnknownAction is returned by ParseAction for unrecognised names.
var ErrUnknownAction = errors.New("unknown call action")

// ParseAction builds an Action from its wire name. enabled is used by
// hold, mute and speaker; tone by start_dial_tone.
func ParseAction(name string, enabled bool, tone string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "answer":
		return Answer(), nil
	case "hangup":
		return Hangup(), nil
	case "hold":
		return Hold(enabled), nil
	case "mute":
		return Mute(enabled), nil
	case "speaker":
		return Speaker(enabled), nil
	case "start_dial_tone", "dtmf":
		r := []rune(tone)
		if len(r) != 1 || !ValidTone(r[0]) {
			return Action{}, fmt.Errorf("invalid dial tone %q", tone)
		}
		return StartDialTone(r[0]), nil
	case "stop_dial_tone":
		return StopDialTone(), nil
	default:
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
}

// ValidTone reports whether r is a DTMF signal (0-9, *, #, A-D).
func ValidTone(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == '*' || r == '#':
		return true
	case r >= 'A' && r <= 'D':
		return true
	}
	return false
}
