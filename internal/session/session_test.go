package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiderelay/internal/fsutil"
	"github.com/banshee-data/tiderelay/internal/radio"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/timeutil"
	"github.com/banshee-data/tiderelay/internal/wire"
)

var (
	relayID  = sensor.MustParse("02:00:00:00:00:01")
	sensorID = sensor.MustParse("AA:BB:CC:DD:EE:FF")
)

func TestLog_AppendReadClear(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	l, err := NewLog(fs, "/data/log.bin")
	require.NoError(t, err)

	recs := []Record{
		{UnixS: 1700000000, DepthMM: 1234, Flags: FlagTimeValid},
		{UnixS: 1700000010, DepthMM: -5, R: 10, G: 20, B: 30, Flags: FlagTimeValid | FlagColorValid},
	}
	for _, r := range recs {
		require.NoError(t, l.Append(r))
	}
	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := l.ReadAll()
	require.NoError(t, err)
	if diff := cmp.Diff(recs, got); diff != "" {
		t.Errorf("ReadAll mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, l.Clear())
	got, err = l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLog_TornTailIgnored(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	l, err := NewLog(fs, "/data/log.bin")
	require.NoError(t, err)
	require.NoError(t, l.Append(Record{UnixS: 1, DepthMM: 2}))
	require.NoError(t, fs.AppendFile("/data/log.bin", []byte{1, 2, 3}, 0o644))

	got, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int16(2), got[0].DepthMM)
}

func TestLog_Missing(t *testing.T) {
	l, err := NewLog(fsutil.NewMemoryFileSystem(), "/data/log.bin")
	require.NoError(t, err)
	n, err := l.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := l.ReadAll()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeRecord_WrongSize(t *testing.T) {
	_, err := DecodeRecord(make([]byte, RecordSize-1))
	assert.Error(t, err)
}

func TestSession_LoadSave(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	s, err := Load(fs, "/data/session.json")
	require.NoError(t, err)
	assert.True(t, s.RotatePending, "fresh session must rotate")
	assert.Zero(t, s.SequenceID)

	s.SequenceID = 41
	s.Synced = true
	s.Receiver = relayID
	s.Offset = 90 * time.Second
	s.RotatePending = false
	require.NoError(t, s.Save())

	again, err := Load(fs, "/data/session.json")
	require.NoError(t, err)
	if diff := cmp.Diff(s.State, again.State); diff != "" {
		t.Errorf("reloaded state mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_LoadCorrupt(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("/s.json", []byte("{"), 0o644))
	_, err := Load(fs, "/s.json")
	assert.Error(t, err)
}

func TestSession_AdvanceWrap(t *testing.T) {
	s := &Session{State: State{SequenceID: 7}}
	s.Advance()
	assert.Equal(t, uint16(8), s.SequenceID)
	assert.False(t, s.RotatePending)

	s.SequenceID = 0xFFFF
	s.Advance()
	assert.Zero(t, s.SequenceID)
	assert.True(t, s.RotatePending)
}

func TestChunk(t *testing.T) {
	recs := make([]Record, wire.DepthSamples*2+1)
	for i := range recs {
		recs[i] = Record{UnixS: uint32(1000 + 10*i), DepthMM: int16(i)}
	}
	water := func(rs []Record) (float32, [wire.SalinitySamples]float32) {
		return 12.5, [wire.SalinitySamples]float32{float32(len(rs)), 35}
	}
	packets, err := Chunk(recs, 9, 4, water)
	require.NoError(t, err)
	require.Len(t, packets, 3)

	for i, p := range packets {
		assert.Equal(t, uint16(9), p.SequenceID)
		assert.Equal(t, uint8(i+1), p.PacketNum)
		assert.Equal(t, uint16(3), p.Total)
		assert.Equal(t, recs[i*wire.DepthSamples].UnixS, p.Timestamp)
	}

	r, err := wire.DecodeReadings(packets[1].Payload[:])
	require.NoError(t, err)
	assert.Equal(t, uint16(4), r.SensorID)
	assert.InDelta(t, 0.360, r.Depth[0], 1e-6)
	assert.InDelta(t, 0.719, r.Depth[wire.DepthSamples-1], 1e-6)
	assert.Equal(t, float32(12.5), r.Temperature[0])

	last, err := wire.DecodeReadings(packets[2].Payload[:])
	require.NoError(t, err)
	assert.InDelta(t, 0.720, last.Depth[0], 1e-6)
	assert.Zero(t, last.Depth[1])
	assert.Equal(t, float32(1), last.Salinity[0])
}

func TestChunk_Empty(t *testing.T) {
	packets, err := Chunk(nil, 0, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, packets)
}

func TestChunk_TooMany(t *testing.T) {
	_, err := Chunk(make([]Record, wire.DepthSamples*256), 0, 0, nil)
	assert.Error(t, err)
}

type deviceFixture struct {
	clock *timeutil.MockClock
	fs    *fsutil.MemoryFileSystem
	relay *radio.Loopback
	radio *radio.Loopback
	dev   *Device
	sess  *Session
	log   *Log
}

func newDevice(t *testing.T, codec wire.Codec, tr func(radio.Transport) radio.Transport) *deviceFixture {
	t.Helper()
	hub := radio.NewHub()
	f := &deviceFixture{
		clock: timeutil.NewMockClock(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)),
		fs:    fsutil.NewMemoryFileSystem(),
		relay: hub.Node(relayID),
		radio: hub.Node(sensorID),
	}
	var err error
	f.sess, err = Load(f.fs, "/data/session.json")
	require.NoError(t, err)
	f.log, err = NewLog(f.fs, "/data/log.bin")
	require.NoError(t, err)
	var transport radio.Transport = f.radio
	if tr != nil {
		transport = tr(f.radio)
	}
	f.dev = NewDevice(DeviceConfig{
		Transport: transport,
		Codec:     codec,
		Session:   f.sess,
		Log:       f.log,
		Clock:     f.clock,
		Logger:    zerolog.Nop(),
		SensorID:  3,
		Depth:     func(time.Time) int16 { return 1500 },
	})
	_, err = f.relay.EnsurePeer(context.Background(), sensorID)
	require.NoError(t, err)
	return f
}

func (f *deviceFixture) fromRelay(t *testing.T, codec wire.Codec, rec wire.Record) radio.Datagram {
	t.Helper()
	b, err := codec.Encode(rec)
	require.NoError(t, err)
	return radio.Datagram{From: relayID, Data: b}
}

func (f *deviceFixture) relayRecords(t *testing.T, codec wire.Codec) []wire.Record {
	t.Helper()
	var out []wire.Record
	for {
		d, ok := f.relay.Next(50 * time.Millisecond)
		if !ok {
			return out
		}
		rec, err := codec.Decode(d.Data)
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestDevice_Announce(t *testing.T) {
	f := newDevice(t, wire.Tagged{}, nil)
	require.NoError(t, f.dev.Announce(context.Background()))
	got := f.relayRecords(t, wire.Tagged{})
	assert.Equal(t, []wire.Record{wire.Broadcast{Type: wire.NewSensor}}, got)
}

func TestDevice_TimeSync(t *testing.T) {
	f := newDevice(t, wire.Tagged{}, nil)
	ctx := context.Background()

	require.NoError(t, f.dev.Sample())
	synced := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.dev.Handle(ctx, f.fromRelay(t, wire.Tagged{}, wire.TimeSync{Timestamp: uint64(synced.Unix())}))

	assert.True(t, f.sess.Synced)
	assert.Equal(t, relayID, f.sess.Receiver)
	assert.Equal(t, synced, f.dev.Now())
	assert.True(t, f.radio.Peers().Has(relayID))
	assert.True(t, f.fs.Exists("/data/session.json"))

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.dev.Sample())

	recs, err := f.log.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Zero(t, recs[0].UnixS)
	assert.Zero(t, recs[0].Flags&FlagTimeValid)
	assert.Equal(t, uint32(synced.Unix()+10), recs[1].UnixS)
	assert.NotZero(t, recs[1].Flags&FlagTimeValid)
	assert.Equal(t, int16(1500), recs[1].DepthMM)
}

func TestDevice_FlushOnUploadRequest(t *testing.T) {
	f := newDevice(t, wire.Tagged{}, nil)
	ctx := context.Background()
	for i := 0; i < wire.DepthSamples+1; i++ {
		require.NoError(t, f.dev.Sample())
	}

	f.dev.Handle(ctx, f.fromRelay(t, wire.Tagged{}, wire.NewUploadRequest()))

	got := f.relayRecords(t, wire.Tagged{})
	require.Len(t, got, 3)
	assert.Equal(t, wire.Rotate{SequenceID: 0}, got[0])
	for i, rec := range got[1:] {
		p, ok := rec.(wire.DataPacket)
		require.True(t, ok)
		assert.Equal(t, uint16(0), p.SequenceID)
		assert.Equal(t, uint8(i+1), p.PacketNum)
		assert.Equal(t, uint16(2), p.Total)
	}

	n, err := f.log.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint16(1), f.sess.SequenceID)
	assert.False(t, f.sess.RotatePending)

	reloaded, err := Load(f.fs, "/data/session.json")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), reloaded.SequenceID)

	// Second flush uses the next id without a rotate.
	require.NoError(t, f.dev.Sample())
	f.dev.Handle(ctx, f.fromRelay(t, wire.Tagged{}, wire.NewUploadRequest()))
	got = f.relayRecords(t, wire.Tagged{})
	require.Len(t, got, 1)
	assert.Equal(t, uint16(1), got[0].(wire.DataPacket).SequenceID)
}

func TestDevice_FlushEmptyLog(t *testing.T) {
	f := newDevice(t, wire.Tagged{}, nil)
	require.NoError(t, f.dev.Flush(context.Background(), relayID))
	assert.Empty(t, f.relayRecords(t, wire.Tagged{}))
	assert.True(t, f.sess.RotatePending)
}

func TestDevice_FlushLegacySkipsRotate(t *testing.T) {
	f := newDevice(t, wire.Legacy{}, nil)
	require.NoError(t, f.dev.Sample())
	require.NoError(t, f.dev.Flush(context.Background(), relayID))

	got := f.relayRecords(t, wire.Legacy{})
	require.Len(t, got, 1)
	_, ok := got[0].(wire.DataPacket)
	assert.True(t, ok)
	assert.Equal(t, uint16(1), f.sess.SequenceID)
}

type failingSend struct {
	radio.Transport
	err error
}

func (f failingSend) Send(ctx context.Context, to sensor.Identity, data []byte) error {
	return f.err
}

func TestDevice_FlushFailureKeepsLog(t *testing.T) {
	sendErr := errors.New("radio busy")
	f := newDevice(t, wire.Tagged{}, func(tr radio.Transport) radio.Transport {
		return failingSend{Transport: tr, err: sendErr}
	})
	require.NoError(t, f.dev.Sample())

	err := f.dev.Flush(context.Background(), relayID)
	require.ErrorIs(t, err, sendErr)

	n, err := f.log.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.sess.SequenceID)
	assert.True(t, f.sess.RotatePending)
}

// failingPath fails writes to one path.
type failingPath struct {
	fsutil.FileSystem
	path string
	err  error
}

func (f failingPath) WriteFile(name string, data []byte, perm os.FileMode) error {
	if name == f.path {
		return f.err
	}
	return f.FileSystem.WriteFile(name, data, perm)
}

func TestDevice_FlushSaveFailureKeepsLog(t *testing.T) {
	f := newDevice(t, wire.Tagged{}, nil)
	ctx := context.Background()
	require.NoError(t, f.dev.Sample())
	require.NoError(t, f.dev.Flush(ctx, relayID))
	f.relayRecords(t, wire.Tagged{})

	saveErr := errors.New("flash worn out")
	f.sess.fs = failingPath{FileSystem: f.fs, path: "/data/session.json", err: saveErr}
	require.NoError(t, f.dev.Sample())
	err := f.dev.Flush(ctx, relayID)
	require.ErrorIs(t, err, saveErr)
	f.relayRecords(t, wire.Tagged{})

	n, err := f.log.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "records stay until the next id is saved")
	assert.Equal(t, uint16(1), f.sess.SequenceID)
	reloaded, err := Load(f.fs, "/data/session.json")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), reloaded.SequenceID)

	// the retry resends the same records under the same id
	f.sess.fs = f.fs
	require.NoError(t, f.dev.Flush(ctx, relayID))
	got := f.relayRecords(t, wire.Tagged{})
	require.Len(t, got, 1)
	assert.Equal(t, uint16(1), got[0].(wire.DataPacket).SequenceID)
	n, err = f.log.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint16(2), f.sess.SequenceID)
}

func TestDevice_IgnoresBadMagic(t *testing.T) {
	f := newDevice(t, wire.Tagged{}, nil)
	require.NoError(t, f.dev.Sample())
	f.dev.Handle(context.Background(), f.fromRelay(t, wire.Tagged{}, wire.UploadRequest{Magic: 1}))
	assert.Empty(t, f.relayRecords(t, wire.Tagged{}))
}

func TestDevice_ColorFlag(t *testing.T) {
	f := newDevice(t, wire.Tagged{}, nil)
	f.dev.cfg.Color = func() ([3]uint8, bool) { return [3]uint8{1, 2, 3}, true }
	require.NoError(t, f.dev.Sample())
	recs, err := f.log.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, FlagColorValid, recs[0].Flags)
	assert.Equal(t, uint8(3), recs[0].B)
}

func TestDevice_RunAnnouncesUntilSynced(t *testing.T) {
	f := newDevice(t, wire.Tagged{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.dev.Run(ctx) }()
	require.True(t, f.clock.WaitForTickers(2, time.Second))

	d, ok := f.relay.Next(time.Second)
	require.True(t, ok)
	rec, err := wire.Tagged{}.Decode(d.Data)
	require.NoError(t, err)
	assert.Equal(t, wire.Broadcast{Type: wire.NewSensor}, rec)

	require.NoError(t, f.relay.Send(ctx, sensorID, f.fromRelay(t, wire.Tagged{}, wire.TimeSync{Timestamp: 1750000000}).Data))
	require.Eventually(t, func() bool {
		n, _ := f.log.Count()
		f.clock.Advance(5 * time.Second)
		return n > 0 && f.fs.Exists("/data/session.json")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, f.sess.Synced)
	assert.Equal(t, relayID, f.sess.Receiver)
}
