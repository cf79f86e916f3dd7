package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiderelay/internal/config"
	"github.com/banshee-data/tiderelay/internal/health"
	"github.com/banshee-data/tiderelay/internal/radio"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/testutil"
	"github.com/banshee-data/tiderelay/internal/wire"
)

var sensorID = sensor.MustParse("AA:BB:CC:DD:EE:FF")

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	raw := fmt.Sprintf(`{
		"storage": {"backend": %q, "db_path": %q, "bolt_path": %q, "blob_dir": %q},
		"api": {"listen": "127.0.0.1:0", "health_listen": "127.0.0.1:0"},
		"beacon": {"upload_active": true}
	}`, backend,
		filepath.Join(dir, "relay.db"),
		filepath.Join(dir, "relay.bolt"),
		filepath.Join(dir, "packets"))
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	return cfg
}

func startApp(t *testing.T, a *app) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("relay did not shut down")
			return nil
		}
	}
}

func encode(t *testing.T, rec wire.Record) []byte {
	t.Helper()
	b, err := wire.Tagged{}.Encode(rec)
	require.NoError(t, err)
	return b
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestRelay_EndToEnd(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	hub := radio.NewHub()
	relay := hub.Node(cfg.GetIdentity())
	dev := hub.Node(sensorID)

	a, err := newApp(cfg, runOptions{Transport: relay}, zerolog.Nop())
	require.NoError(t, err)
	stop := startApp(t, a)

	ctx := context.Background()
	require.NoError(t, dev.Broadcast(ctx, encode(t, wire.Broadcast{Type: wire.NewSensor})))
	d, ok := dev.Next(2 * time.Second)
	require.True(t, ok, "no time sync reply")
	rec, err := wire.Tagged{}.Decode(d.Data)
	require.NoError(t, err)
	assert.IsType(t, wire.TimeSync{}, rec)

	_, err = dev.EnsurePeer(ctx, cfg.GetIdentity())
	require.NoError(t, err)
	for n := uint8(1); n <= 2; n++ {
		require.NoError(t, dev.Send(ctx, cfg.GetIdentity(), encode(t, testutil.DataPacket(9, n, 2, 7, 0.01))))
	}

	assert.Eventually(t, func() bool {
		st, found, err := a.store.Sequence(ctx, sensorID, 9)
		return err == nil && found && st.Complete
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		rows, err := a.exporter.Rows(ctx, sensorID, 9)
		return err == nil && len(rows) == 2*wire.DepthSamples
	}, 2*time.Second, 10*time.Millisecond)

	h := a.httpHandler()
	var sensors []map[string]any
	assert.Equal(t, http.StatusOK, get(t, h, "/api/sensors", &sensors))
	assert.Len(t, sensors, 1)
	var upload map[string]bool
	assert.Equal(t, http.StatusOK, get(t, h, "/api/upload", &upload))
	assert.True(t, upload["active"])
	assert.Equal(t, http.StatusOK, get(t, h, "/api/health", nil))
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", nil))

	require.NoError(t, stop())
}

func TestRelay_StorageFailureDegrades(t *testing.T) {
	cfg := testConfig(t, config.BackendBolt)
	missing := filepath.Join(t.TempDir(), "no", "such", "dir", "relay.bolt")
	cfg.Storage.BoltPath = &missing
	no := false
	cfg.Storage.ExportReadings = &no

	hub := radio.NewHub()
	a, err := newApp(cfg, runOptions{Transport: hub.Node(cfg.GetIdentity())}, zerolog.Nop())
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.store)
	assert.Equal(t, []string{health.Storage}, a.health.Failing())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, a.httpHandler(), "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, a.httpHandler(), "/api/sequences?sensor="+sensorID.String(), nil))
}

func TestRelay_Replay(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	capture := filepath.Join(t.TempDir(), "bridge.pcap")

	f, err := os.Create(capture)
	require.NoError(t, err)
	local := &net.UDPAddr{IP: net.IPv4(192, 168, 4, 1), Port: 4210}
	remote := &net.UDPAddr{IP: net.IPv4(192, 168, 4, 20), Port: 4211}
	rec, err := radio.NewRecorder(f, local)
	require.NoError(t, err)
	frame := func(r wire.Record) []byte { return append(append([]byte(nil), sensorID[:]...), encode(t, r)...) }
	ts := testutil.Epoch
	require.NoError(t, rec.Write(ts, remote, local, frame(wire.Broadcast{Type: wire.NewSensor})))
	require.NoError(t, rec.Write(ts.Add(time.Second), remote, local, frame(testutil.DataPacket(3, 1, 1, 7, 0.02))))
	// outbound frames are skipped by the port filter
	require.NoError(t, rec.Write(ts.Add(2*time.Second), local, remote, frame(wire.TimeSync{Timestamp: 1})))
	require.NoError(t, f.Close())

	a, err := newApp(cfg, runOptions{Replay: capture}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.run(context.Background()))

	st, found, err := a.store.Sequence(context.Background(), sensorID, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, st.Complete)
}

func TestRelay_UDPBridgeRecords(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	listenAddr, bcast := "127.0.0.1:0", "127.0.0.1:9"
	cfg.Radio.Listen, cfg.Radio.BroadcastAddr = &listenAddr, &bcast
	capture := filepath.Join(t.TempDir(), "bridge.pcap")

	a, err := newApp(cfg, runOptions{Record: capture}, zerolog.Nop())
	require.NoError(t, err)
	relayAddr := a.transport.(*radio.UDP).LocalAddr().(*net.UDPAddr)
	stop := startApp(t, a)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	frame := append(append([]byte(nil), sensorID[:]...), encode(t, wire.Broadcast{Type: wire.NewSensor})...)
	_, err = conn.WriteToUDP(frame, relayAddr)
	require.NoError(t, err)

	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, cfg.GetIdentity(), sensor.Identity(buf[:sensor.IdentityLen]))
	rec, err := wire.Tagged{}.Decode(buf[sensor.IdentityLen:n])
	require.NoError(t, err)
	assert.IsType(t, wire.TimeSync{}, rec)

	require.NoError(t, stop())

	f, err := os.Open(capture)
	require.NoError(t, err)
	defer f.Close()
	var froms []sensor.Identity
	stats, err := radio.Replay(context.Background(), f, radio.ReplayOptions{}, func(_ context.Context, d radio.Datagram) {
		froms = append(froms, d.From)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Delivered)
	assert.Equal(t, []sensor.Identity{sensorID, cfg.GetIdentity()}, froms)
}
