package line

import (
	"context"
	"sync"

	"github.com/looplab/fsm"

	"github.com/flowpbx/flowdial/internal/call"
)

// Events of the call lifecycle machine. Each event is named after its
// destination state.
var lifecycle = fsm.Events{
	{Name: "connecting", Src: []string{"new"}, Dst: "connecting"},
	{Name: "dialing", Src: []string{"new", "connecting"}, Dst: "dialing"},
	{Name: "ringing", Src: []string{"new", "connecting", "dialing"}, Dst: "ringing"},
	{Name: "active", Src: []string{"new", "connecting", "dialing", "ringing", "holding"}, Dst: "active"},
	{Name: "holding", Src: []string{"active"}, Dst: "holding"},
	{Name: "disconnecting", Src: []string{"connecting", "dialing", "ringing", "active", "holding"}, Dst: "disconnecting"},
	{Name: "disconnected", Src: []string{"new", "connecting", "dialing", "ringing", "active", "holding", "disconnecting"}, Dst: "disconnected"},
}

var nativeByName = map[string]call.NativeState{
	"new":           call.NativeNew,
	"connecting":    call.NativeConnecting,
	"dialing":       call.NativeDialing,
	"ringing":       call.NativeRinging,
	"active":        call.NativeActive,
	"holding":       call.NativeHolding,
	"disconnecting": call.NativeDisconnecting,
	"disconnected":  call.NativeDisconnected,
}

// Call is the backend-independent part of a call handle: identity, caller
// details and the native lifecycle. Backends embed it and add commands.
type Call struct {
	call.Notifier

	id    string
	phone string

	mu   sync.Mutex
	name string
	fsm  *fsm.FSM
}

// NewCall creates a call in the "new" state.
func NewCall(id, phone, name string) *Call {
	c := &Call{id: id, phone: phone, name: name}
	c.fsm = fsm.NewFSM("new", lifecycle, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			c.Publish(nativeByName[e.Dst])
		},
	})
	return c
}

func (c *Call) ID() string                { return c.id }
func (c *Call) CallerPhoneNumber() string { return c.phone }

func (c *Call) CallerDisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetDisplayName updates the caller name, for lines that learn it late.
func (c *Call) SetDisplayName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

func (c *Call) State() call.NativeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return nativeByName[c.fsm.Current()]
}

// Advance moves the call to the native state to and notifies subscribers.
// It reports whether the state changed; repeated or disallowed moves are
// ignored.
func (c *Call) Advance(ctx context.Context, to call.NativeState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Event(ctx, to.String()) == nil
}

// Can reports whether the call may move to the native state to.
func (c *Call) Can(to call.NativeState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Can(to.String())
}

// Ended reports whether the call reached Disconnected.
func (c *Call) Ended() bool {
	return c.State() == call.NativeDisconnected
}
