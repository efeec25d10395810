package call

import (
	"sync"
	"time"
)

// Snapshot is one published value of the call state stream.
type Snapshot struct {
	State       State     `json:"state"`
	CallID      string    `json:"call_id,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Outgoing    bool      `json:"outgoing"`
	At          time.Time `json:"at"`
}

// Stream holds the current Snapshot and fans every update out to
// subscribers. It always has a current value.
type Stream struct {
	mu   sync.Mutex
	cur  Snapshot
	next int
	subs map[int]chan Snapshot
}

// NewStream returns a stream whose current value is Idle.
func NewStream() *Stream {
	return &Stream{
		cur:  Snapshot{State: Idle(), At: time.Now()},
		subs: make(map[int]chan Snapshot),
	}
}

// Current returns the latest published snapshot.
func (s *Stream) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Subscribe returns a channel that first yields the current snapshot and
// then every later one. When a slow subscriber's buffer is full the oldest
// queued value is dropped, so the newest value is always delivered.
func (s *Stream) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	ch <- s.cur
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Stream) publish(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = snap
	for _, ch := range s.subs {
		for {
			select {
			case ch <- snap:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// close ends all subscriptions.
func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
