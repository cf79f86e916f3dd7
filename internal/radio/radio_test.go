package radio

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/serialmux"
)

var (
	relayID  = sensor.MustParse("02:00:00:00:00:01")
	sensorID = sensor.MustParse("AA:BB:CC:DD:EE:FF")
)

type collector struct {
	mu  sync.Mutex
	got []Datagram
	ch  chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 64)} }

func (c *collector) handle(_ context.Context, d Datagram) {
	c.mu.Lock()
	c.got = append(c.got, d)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Datagram {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d datagrams", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Datagram(nil), c.got...)
}

func TestPeerTable(t *testing.T) {
	p := NewPeerTable()
	now := time.Now()
	assert.True(t, p.Add(sensorID, now))
	assert.False(t, p.Add(sensorID, now))
	assert.True(t, p.Add(relayID, now))
	assert.True(t, p.Has(sensorID))
	assert.Equal(t, []sensor.Identity{relayID, sensorID}, p.List())
	assert.Equal(t, 2, p.Len())
}

func TestLoopback(t *testing.T) {
	hub := NewHub()
	relay := hub.Node(relayID)
	dev := hub.Node(sensorID)
	ctx := context.Background()

	err := relay.Send(ctx, sensorID, []byte{1})
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.ErrorIs(t, err, ErrTransport)

	added, err := relay.EnsurePeer(ctx, sensorID)
	require.NoError(t, err)
	assert.True(t, added)
	require.NoError(t, relay.Send(ctx, sensorID, []byte{1, 2}))

	d, ok := dev.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, relayID, d.From)
	assert.Equal(t, []byte{1, 2}, d.Data)

	require.NoError(t, dev.Broadcast(ctx, []byte{9}))
	d, ok = relay.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, sensorID, d.From)

	// broadcasts do not loop back to the sender
	_, ok = dev.Next(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestLoopback_DropAndClose(t *testing.T) {
	hub := NewHub()
	relay := hub.Node(relayID)
	dev := hub.Node(sensorID)
	hub.Drop = func(from, to sensor.Identity, data []byte) bool { return data[0] == 0 }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- relay.Serve(ctx, c.handle) }()

	require.NoError(t, dev.Broadcast(ctx, []byte{0}))
	require.NoError(t, dev.Broadcast(ctx, []byte{1}))
	got := c.wait(t, 1)
	assert.Equal(t, []byte{1}, got[0].Data)

	require.NoError(t, relay.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop on Close")
	}
}

func frame(id sensor.Identity, record ...byte) []byte {
	return append(append([]byte(nil), id[:]...), record...)
}

func TestUDP_ServeLearnsAndReplies(t *testing.T) {
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 4211}
	sock := NewMockUDPSocket(
		MockUDPPacket{Data: []byte{1, 2}, Addr: remote},
		MockUDPPacket{Data: frame(relayID, 3), Addr: remote},
		MockUDPPacket{Data: frame(sensorID, 0, 0, 0, 0), Addr: remote},
	)
	u, err := NewUDP(sock, UDPConfig{Local: relayID, RcvBuf: 1 << 20}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1<<20, sock.ReadBuffer)

	var taps int
	var tapMu sync.Mutex
	u.SetTap(func(bool, *net.UDPAddr, []byte) { tapMu.Lock(); taps++; tapMu.Unlock() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCollector()
	go u.Serve(ctx, c.handle)

	got := c.wait(t, 1)
	assert.Equal(t, sensorID, got[0].From)
	assert.Equal(t, []byte{0, 0, 0, 0}, got[0].Data)

	err = u.Send(ctx, sensorID, []byte{5})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = u.EnsurePeer(ctx, sensorID)
	require.NoError(t, err)
	require.NoError(t, u.Send(ctx, sensorID, []byte{5}))

	writes := sock.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, remote, writes[0].Addr)
	assert.Equal(t, frame(relayID, 5), writes[0].Data)

	tapMu.Lock()
	defer tapMu.Unlock()
	// runt dropped before the tap; self frame and sensor frame tapped; one send
	assert.Equal(t, 3, taps)
}

func TestUDP_BroadcastCoversLearnedPeers(t *testing.T) {
	sock := NewMockUDPSocket()
	u, err := NewUDP(sock, UDPConfig{Local: relayID, BroadcastAddr: "127.0.0.1:4211"}, zerolog.Nop())
	require.NoError(t, err)
	u.Learn(sensorID, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 4211})
	u.Learn(sensor.MustParse("AA:BB:CC:DD:EE:00"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4211})

	require.NoError(t, u.Broadcast(context.Background(), []byte{0xfe, 0xca, 0xa7, 0xb0}))
	assert.Len(t, sock.Writes(), 2)

	sock.WriteError = errors.New("network down")
	err = u.Broadcast(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestUDP_ServeStopsOnClose(t *testing.T) {
	sock := NewMockUDPSocket()
	u, err := NewUDP(sock, UDPConfig{Local: relayID}, zerolog.Nop())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- u.Serve(context.Background(), func(context.Context, Datagram) {}) }()
	require.NoError(t, u.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop after Close")
	}
}

func TestUDP_RealSocket(t *testing.T) {
	a, err := ListenUDP(UDPConfig{Listen: "127.0.0.1:0", Local: relayID}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP(UDPConfig{Listen: "127.0.0.1:0", Local: sensorID, BroadcastAddr: a.LocalAddr().String()}, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCollector()
	go a.Serve(ctx, c.handle)

	require.NoError(t, b.Broadcast(ctx, []byte{0, 0, 0, 0}))
	got := c.wait(t, 1)
	assert.Equal(t, sensorID, got[0].From)
	assert.Equal(t, []byte{0, 0, 0, 0}, got[0].Data)
}

func TestParseRX(t *testing.T) {
	from, data, ok, err := ParseRX("RX AA:BB:CC:DD:EE:FF 00000000")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sensorID, from)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	_, _, ok, err = ParseRX("OK")
	assert.False(t, ok)
	assert.NoError(t, err)

	_, _, ok, err = ParseRX("RX AA:BB:CC:DD:EE:FF zz")
	assert.True(t, ok)
	assert.Error(t, err)

	_, _, _, err = ParseRX("RX nope 00")
	assert.Error(t, err)
}

func TestSerial(t *testing.T) {
	mux, port := serialmux.NewTestSerialMux("bridge")
	s := NewSerial(mux, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mux.Monitor(ctx)
	c := newCollector()
	go s.Serve(ctx, c.handle)

	// Serve subscribes asynchronously; retry feeding until a line lands
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, port.Feed("RX AA:BB:CC:DD:EE:FF 00000000\n"))
		select {
		case <-c.ch:
		case <-time.After(50 * time.Millisecond):
			if time.Now().Before(deadline) {
				continue
			}
			t.Fatal("serial datagram never delivered")
		}
		break
	}
	c.mu.Lock()
	assert.Equal(t, sensorID, c.got[0].From)
	c.mu.Unlock()

	assert.ErrorIs(t, s.Send(ctx, sensorID, []byte{1}), ErrUnknownPeer)
	added, err := s.EnsurePeer(ctx, sensorID)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.EnsurePeer(ctx, sensorID)
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, s.Send(ctx, sensorID, []byte{0xab}))
	require.NoError(t, s.Broadcast(ctx, []byte{0xfe, 0xca, 0xa7, 0xb0}))
	assert.Equal(t,
		"PEER AA:BB:CC:DD:EE:FF\nTX AA:BB:CC:DD:EE:FF ab\nBC fecaa7b0\n",
		port.Written())
}

func TestRecorderReplay(t *testing.T) {
	var buf bytes.Buffer
	local := &net.UDPAddr{IP: net.IPv4(192, 168, 4, 1), Port: 4210}
	remote := &net.UDPAddr{IP: net.IPv4(192, 168, 4, 20), Port: 4211}
	rec, err := NewRecorder(&buf, local)
	require.NoError(t, err)

	tap := rec.Tap()
	tap(true, remote, frame(sensorID, 0, 0, 0, 0))
	tap(false, remote, frame(relayID, 1, 2, 3, 4, 5, 6, 7, 8))
	tap(true, remote, frame(sensorID, 9))

	var got []Datagram
	stats, err := Replay(context.Background(), bytes.NewReader(buf.Bytes()), ReplayOptions{Port: local.Port},
		func(_ context.Context, d Datagram) { got = append(got, d) })
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Packets: 3, Delivered: 2, Skipped: 1}, stats)
	require.Len(t, got, 2)
	assert.Equal(t, sensorID, got[0].From)
	assert.Equal(t, []byte{0, 0, 0, 0}, got[0].Data)
	assert.Equal(t, []byte{9}, got[1].Data)
}

func TestReplay_BadCapture(t *testing.T) {
	_, err := Replay(context.Background(), bytes.NewReader([]byte("not a pcap")), ReplayOptions{}, nil)
	assert.Error(t, err)
}
