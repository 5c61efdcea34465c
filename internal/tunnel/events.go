package tunnel

import (
	"sync"
	"time"
)

// MaxEvents is the number of connection events kept in memory.
const MaxEvents = 1000

// Event types
const (
	EventNew   = "NEW"
	EventClose = "CLOSE"
)

// UnknownTarget is reported for sessions that never resolved a target.
const UnknownTarget = "Unknown"

// Event records a session being accepted or closed.
type Event struct {
	Time   time.Time `json:"time"`
	Client string    `json:"client"`
	Target string    `json:"target"`
	Type   string    `json:"type"`
	// Duration is the session length in seconds; zero for NEW events.
	Duration float64 `json:"duration,omitempty"`
}

// eventRing is a fixed-size buffer of the most recent events.
type eventRing struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func newEventRing(size int) *eventRing {
	if size < 1 {
		size = 1
	}
	return &eventRing{events: make([]Event, size)}
}

func (r *eventRing) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next++
	if r.next == len(r.events) {
		r.next = 0
		r.full = true
	}
}

// recent returns up to n events, oldest first.
func (r *eventRing) recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.events)
	}
	if n <= 0 || size == 0 {
		return []Event{}
	}
	if n > size {
		n = size
	}

	out := make([]Event, n)
	start := r.next - n
	for i := 0; i < n; i++ {
		idx := start + i
		if idx < 0 {
			idx += len(r.events)
		}
		out[i] = r.events[idx]
	}
	return out
}
