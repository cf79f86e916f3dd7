// Package radio carries datagrams between the relay and sensors. The relay
// never talks to the radio directly: a bridge (UDP or serial) owns the
// air interface and frames every datagram with the remote identity.
package radio

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/tiderelay/internal/sensor"
)

var (
	// ErrTransport wraps every send and receive failure.
	ErrTransport = errors.New("radio transport failure")
	// ErrUnknownPeer is returned when unicasting to an identity that has no
	// point-to-point channel.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Datagram is one inbound record and its sender.
type Datagram struct {
	From     sensor.Identity
	Data     []byte
	Received time.Time
}

// Handler consumes inbound datagrams. Transports call it serially from their
// receive loop.
type Handler func(ctx context.Context, d Datagram)

// Transport is an unreliable datagram link with no ordering or delivery
// guarantee.
type Transport interface {
	// Send unicasts data to a known peer.
	Send(ctx context.Context, to sensor.Identity, data []byte) error
	// Broadcast sends data to every station in range.
	Broadcast(ctx context.Context, data []byte) error
	// EnsurePeer opens a point-to-point channel to id and reports whether
	// it was newly added.
	EnsurePeer(ctx context.Context, id sensor.Identity) (bool, error)
	// Serve delivers inbound datagrams to h until ctx is done.
	Serve(ctx context.Context, h Handler) error
	Close() error
}

// PeerTable records the identities a transport may unicast to.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[sensor.Identity]time.Time
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[sensor.Identity]time.Time)}
}

// Add inserts id and reports whether it was absent.
func (p *PeerTable) Add(id sensor.Identity, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[id]; ok {
		return false
	}
	p.peers[id] = now
	return true
}

func (p *PeerTable) Has(id sensor.Identity) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.peers[id]
	return ok
}

// List returns the known peers in address order.
func (p *PeerTable) List() []sensor.Identity {
	p.mu.RLock()
	out := make([]sensor.Identity, 0, len(p.peers))
	for id := range p.peers {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (p *PeerTable) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}
