package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tiderelay/internal/sensor"
)

const loopbackQueue = 1024

// Hub is an in-memory air interface joining Loopback nodes. A full inbox
// drops the datagram, matching radio behaviour.
type Hub struct {
	mu    sync.RWMutex
	nodes map[sensor.Identity]*Loopback
	// Drop, when set, is consulted for every delivery and discards the
	// datagram when it returns true.
	Drop func(from, to sensor.Identity, data []byte) bool
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[sensor.Identity]*Loopback)}
}

// Node attaches a station with identity id.
func (h *Hub) Node(id sensor.Identity) *Loopback {
	l := &Loopback{
		hub:   h,
		id:    id,
		peers: NewPeerTable(),
		inbox: make(chan Datagram, loopbackQueue),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.nodes[id] = l
	h.mu.Unlock()
	return l
}

func (h *Hub) deliver(from sensor.Identity, to *Loopback, data []byte) {
	h.mu.RLock()
	drop := h.Drop
	h.mu.RUnlock()
	if drop != nil && drop(from, to.id, data) {
		return
	}
	d := Datagram{From: from, Data: append([]byte(nil), data...), Received: time.Now()}
	select {
	case to.inbox <- d:
	case <-to.done:
	default:
	}
}

// Loopback is a Transport attached to a Hub.
type Loopback struct {
	hub   *Hub
	id    sensor.Identity
	peers *PeerTable
	inbox chan Datagram

	closeOnce sync.Once
	done      chan struct{}
}

var _ Transport = (*Loopback)(nil)

func (l *Loopback) Identity() sensor.Identity { return l.id }

func (l *Loopback) Peers() *PeerTable { return l.peers }

func (l *Loopback) Send(_ context.Context, to sensor.Identity, data []byte) error {
	if !l.peers.Has(to) {
		return fmt.Errorf("%w: send to %s: %w", ErrTransport, to, ErrUnknownPeer)
	}
	l.hub.mu.RLock()
	target, ok := l.hub.nodes[to]
	l.hub.mu.RUnlock()
	if ok {
		l.hub.deliver(l.id, target, data)
	}
	return nil
}

func (l *Loopback) Broadcast(_ context.Context, data []byte) error {
	l.hub.mu.RLock()
	targets := make([]*Loopback, 0, len(l.hub.nodes))
	for id, n := range l.hub.nodes {
		if id != l.id {
			targets = append(targets, n)
		}
	}
	l.hub.mu.RUnlock()
	for _, t := range targets {
		l.hub.deliver(l.id, t, data)
	}
	return nil
}

func (l *Loopback) EnsurePeer(_ context.Context, id sensor.Identity) (bool, error) {
	return l.peers.Add(id, time.Now()), nil
}

func (l *Loopback) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case d := <-l.inbox:
			h(ctx, d)
		}
	}
}

// Next returns the next inbound datagram without a Serve loop. Tests use it
// on the sensor side of a hub.
func (l *Loopback) Next(timeout time.Duration) (Datagram, bool) {
	select {
	case d := <-l.inbox:
		return d, true
	case <-time.After(timeout):
		return Datagram{}, false
	}
}

func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.hub.mu.Lock()
		if l.hub.nodes[l.id] == l {
			delete(l.hub.nodes, l.id)
		}
		l.hub.mu.Unlock()
	})
	return nil
}
