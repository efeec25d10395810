package call

import (
	"context"
	"fmt"
	"sync"
)

// NativeState is a state code reported by a line backend for one call.
type NativeState int

const (
	NativeNew NativeState = iota
	NativeConnecting
	NativeDialing
	NativeRinging
	NativeActive
	NativeHolding
	NativeDisconnecting
	NativeDisconnected
)

var nativeNames = [...]string{
	NativeNew:           "new",
	NativeConnecting:    "connecting",
	NativeDialing:       "dialing",
	NativeRinging:       "ringing",
	NativeActive:        "active",
	NativeHolding:       "holding",
	NativeDisconnecting: "disconnecting",
	NativeDisconnected:  "disconnected",
}

func (n NativeState) String() string {
	if n >= 0 && int(n) < len(nativeNames) {
		return nativeNames[n]
	}
	return fmt.Sprintf("native(%d)", int(n))
}

// outgoing reports whether a call first seen in this state was placed locally.
func (n NativeState) outgoing() bool {
	return n == NativeConnecting || n == NativeDialing
}

// Handle is one native call owned by a line backend. Commands are
// fire-and-forget: success is only observable through later state events.
type Handle interface {
	ID() string
	State() NativeState
	CallerPhoneNumber() string
	CallerDisplayName() string

	// Subscribe returns a stream of native state changes in delivery order
	// and a function that ends the subscription. Sends on the stream must
	// never block the backend. The end function must close the stream once
	// the events already sent are buffered: call removal waits for the
	// stream to close before it finishes.
	Subscribe() (<-chan NativeState, func())

	Answer(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	PlayDTMFTone(ctx context.Context, tone rune) error
	StopDTMFTone(ctx context.Context) error
}

// Listener receives call lifecycle notifications from a line backend.
type Listener interface {
	OnCallAdded(ctx context.Context, h Handle)
	OnCallRemoved(h Handle)
}

const notifierBuffer = 32

// Notifier fans native state changes out to subscribers. Backends embed it
// to implement Handle.Subscribe.
type Notifier struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan NativeState
	closed bool
}

// Subscribe registers a new listener. The returned cancel function is
// idempotent and closes the channel.
func (n *Notifier) Subscribe() (<-chan NativeState, func()) {
	ch := make(chan NativeState, notifierBuffer)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if n.subs == nil {
		n.subs = make(map[int]chan NativeState)
	}
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers s to every subscriber. A subscriber whose buffer is full
// misses the event; Publish never blocks. It reports whether every
// subscriber received the event.
func (n *Notifier) Publish(s NativeState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	delivered := true
	for _, ch := range n.subs {
		select {
		case ch <- s:
		default:
			delivered = false
		}
	}
	return delivered
}

// Close ends all subscriptions. Later Subscribe calls get a closed channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
