package radio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/sensor"
)

// maxDatagram bounds one bridge frame: identity plus the largest record.
const maxDatagram = 2048

// readPoll is how often the receive loop wakes to check for cancellation.
const readPoll = 100 * time.Millisecond

// UDPSocket is the subset of *net.UDPConn the bridge needs.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPConfig configures a UDP bridge endpoint.
type UDPConfig struct {
	// Listen is the local address, e.g. ":4210".
	Listen string
	// BroadcastAddr receives broadcast frames, e.g. "255.255.255.255:4211".
	// Empty sends broadcasts only to learned peers.
	BroadcastAddr string
	// Local is the identity stamped on outbound frames.
	Local sensor.Identity
	// RcvBuf sets the socket receive buffer when positive.
	RcvBuf int
}

// Tap observes frames crossing the bridge, e.g. for pcap recording.
type Tap func(inbound bool, remote *net.UDPAddr, frame []byte)

// UDP bridges the radio over UDP. Every datagram is identity ‖ record;
// inbound identities are the sender, outbound the local station.
type UDP struct {
	sock  UDPSocket
	local sensor.Identity
	bcast *net.UDPAddr
	peers *PeerTable
	log   zerolog.Logger

	mu    sync.RWMutex
	addrs map[sensor.Identity]*net.UDPAddr
	tap   Tap
}

var _ Transport = (*UDP)(nil)

// ListenUDP opens a UDP bridge socket.
func ListenUDP(cfg UDPConfig, log zerolog.Logger) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrTransport, cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", ErrTransport, cfg.Listen, err)
	}
	u, err := NewUDP(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return u, nil
}

// NewUDP wraps an open socket.
func NewUDP(sock UDPSocket, cfg UDPConfig, log zerolog.Logger) (*UDP, error) {
	u := &UDP{
		sock:  sock,
		local: cfg.Local,
		peers: NewPeerTable(),
		log:   log,
		addrs: make(map[sensor.Identity]*net.UDPAddr),
	}
	if cfg.BroadcastAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.BroadcastAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve broadcast %s: %w", ErrTransport, cfg.BroadcastAddr, err)
		}
		u.bcast = addr
	}
	if cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(cfg.RcvBuf); err != nil {
			log.Warn().Err(err).Int("bytes", cfg.RcvBuf).Msg("failed to set UDP receive buffer")
		}
	}
	return u, nil
}

func (u *UDP) Peers() *PeerTable { return u.peers }

func (u *UDP) LocalAddr() net.Addr { return u.sock.LocalAddr() }

// SetTap installs fn to observe every frame. Pass nil to remove.
func (u *UDP) SetTap(fn Tap) {
	u.mu.Lock()
	u.tap = fn
	u.mu.Unlock()
}

// Learn records addr as the return path for id.
func (u *UDP) Learn(id sensor.Identity, addr *net.UDPAddr) {
	u.mu.Lock()
	u.addrs[id] = addr
	u.mu.Unlock()
}

func (u *UDP) addrOf(id sensor.Identity) (*net.UDPAddr, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	a, ok := u.addrs[id]
	return a, ok
}

func (u *UDP) frame(data []byte) []byte {
	b := make([]byte, 0, sensor.IdentityLen+len(data))
	b = append(b, u.local[:]...)
	return append(b, data...)
}

func (u *UDP) write(frame []byte, to *net.UDPAddr) error {
	if _, err := u.sock.WriteToUDP(frame, to); err != nil {
		return fmt.Errorf("%w: write to %s: %w", ErrTransport, to, err)
	}
	u.mu.RLock()
	tap := u.tap
	u.mu.RUnlock()
	if tap != nil {
		tap(false, to, frame)
	}
	return nil
}

func (u *UDP) Send(_ context.Context, to sensor.Identity, data []byte) error {
	if !u.peers.Has(to) {
		return fmt.Errorf("%w: send to %s: %w", ErrTransport, to, ErrUnknownPeer)
	}
	addr, ok := u.addrOf(to)
	if !ok {
		return fmt.Errorf("%w: no return address for %s: %w", ErrTransport, to, ErrUnknownPeer)
	}
	return u.write(u.frame(data), addr)
}

// Broadcast sends to the broadcast address and to every learned peer
// address not already covered by it.
func (u *UDP) Broadcast(_ context.Context, data []byte) error {
	frame := u.frame(data)
	var errs []error
	sent := map[string]bool{}
	if u.bcast != nil {
		if err := u.write(frame, u.bcast); err != nil {
			errs = append(errs, err)
		}
		sent[u.bcast.String()] = true
	}
	u.mu.RLock()
	targets := make([]*net.UDPAddr, 0, len(u.addrs))
	for _, a := range u.addrs {
		targets = append(targets, a)
	}
	u.mu.RUnlock()
	for _, a := range targets {
		if sent[a.String()] {
			continue
		}
		sent[a.String()] = true
		if err := u.write(frame, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *UDP) EnsurePeer(_ context.Context, id sensor.Identity) (bool, error) {
	return u.peers.Add(id, time.Now()), nil
}

// Serve reads frames until ctx is done. Frames too short to carry an
// identity, and frames from the local identity, are dropped.
func (u *UDP) Serve(ctx context.Context, h Handler) error {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		u.sock.SetReadDeadline(time.Now().Add(readPoll))
		n, addr, err := u.sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		if n < sensor.IdentityLen {
			u.log.Debug().Int("bytes", n).Stringer("addr", addr).Msg("dropping runt frame")
			continue
		}

		u.mu.RLock()
		tap := u.tap
		u.mu.RUnlock()
		if tap != nil {
			tap(true, addr, append([]byte(nil), buf[:n]...))
		}

		from, _ := sensor.FromBytes(buf[:sensor.IdentityLen])
		if from == u.local {
			continue
		}
		if addr != nil {
			u.Learn(from, addr)
		}
		h(ctx, Datagram{
			From:     from,
			Data:     append([]byte(nil), buf[sensor.IdentityLen:n]...),
			Received: time.Now(),
		})
	}
}

func (u *UDP) Close() error { return u.sock.Close() }

// MockUDPSocket is an in-memory UDPSocket. Reads drain Packets then time
// out; writes are recorded in Written.
type MockUDPSocket struct {
	mu           sync.Mutex
	Packets      []MockUDPPacket
	ReadIndex    int
	Written      []MockUDPPacket
	Closed       bool
	ReadBuffer   int
	LocalAddress *net.UDPAddr
	ReadError    error
	WriteError   error
}

// MockUDPPacket is one datagram seen by MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

func NewMockUDPSocket(packets ...MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		Packets:      packets,
		LocalAddress: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4210},
	}
}

// Push queues another inbound datagram.
func (m *MockUDPSocket) Push(p MockUDPPacket) {
	m.mu.Lock()
	m.Packets = append(m.Packets, p)
	m.mu.Unlock()
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.Closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if m.ReadIndex >= len(m.Packets) {
		m.mu.Unlock()
		// yield like a real deadline would
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	p := m.Packets[m.ReadIndex]
	m.ReadIndex++
	m.mu.Unlock()
	return copy(b, p.Data), p.Addr, nil
}

func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	m.Written = append(m.Written, MockUDPPacket{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

// Writes returns a copy of the recorded writes.
func (m *MockUDPSocket) Writes() []MockUDPPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockUDPPacket(nil), m.Written...)
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.ReadBuffer = bytes
	m.mu.Unlock()
	return nil
}

func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.Closed = true
	m.mu.Unlock()
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr { return m.LocalAddress }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
