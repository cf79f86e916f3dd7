package events

import (
	"sync"

	"github.com/google/uuid"
)

// Ring keeps the last N events for the API and fans new ones out to live
// subscribers.
type Ring struct {
	mu     sync.Mutex
	buf    []Event
	next   int
	full   bool
	subs   map[string]chan Event
	closed bool
}

// NewRing returns a Ring holding size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{buf: make([]Event, size), subs: make(map[string]chan Event)}
}

func (r *Ring) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber; drop rather than stall the dispatcher
		}
	}
}

// Recent returns up to n events, oldest first. n <= 0 returns all held.
func (r *Ring) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	out = append(out, r.buf[:r.next]...)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Subscribe returns a channel of events notified from now on.
func (r *Ring) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, 32)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return id, ch
	}
	r.subs[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscription.
func (r *Ring) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[id]; ok {
		close(ch)
		delete(r.subs, id)
	}
}

// Close ends every subscription.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}
