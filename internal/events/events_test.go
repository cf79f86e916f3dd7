package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiderelay/internal/sensor"
)

var testSensor = sensor.MustParse("AA:BB:CC:DD:EE:FF")

func TestBusStampsAndFansOut(t *testing.T) {
	var a, b []Event
	bus := NewBus(NotifierFunc(func(e Event) { a = append(a, e) }))
	bus.Add(NotifierFunc(func(e Event) { b = append(b, e) }))
	bus.now = func() time.Time { return time.Unix(100, 0) }

	bus.Notify(Event{Type: PacketStored, Sensor: testSensor})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotEmpty(t, a[0].ID)
	assert.Equal(t, time.Unix(100, 0), a[0].Time)
	assert.Equal(t, a[0], b[0])
}

func TestRing(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Notify(Event{SequenceID: uint16(i)})
	}
	got := r.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, []uint16{3, 4, 5}, []uint16{got[0].SequenceID, got[1].SequenceID, got[2].SequenceID})

	last := r.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, uint16(5), last[0].SequenceID)

	id, ch := r.Subscribe()
	r.Notify(Event{SequenceID: 6})
	select {
	case e := <-ch:
		assert.Equal(t, uint16(6), e.SequenceID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
	r.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)

	_, ch = r.Subscribe()
	r.Close()
	_, open = <-ch
	assert.False(t, open)
}

func TestPage(t *testing.T) {
	got := Page(Event{Type: PacketStored, Sensor: testSensor, SequenceID: 12, PacketNum: 2, Received: 1, Total: 2})
	want := "PACKET RECEIVED\nSensor ID: aa:bb:cc:dd:ee:ff\nSequence ID: 12\nPacket Number: 2\nPackets Received\n1/2"
	assert.Equal(t, want, got)

	assert.Equal(t, "NEW SENSOR STARTED\nSensor ID: aa:bb:cc:dd:ee:ff", Page(Event{Type: SensorDiscovered, Sensor: testSensor}))
	assert.Empty(t, Page(Event{Type: SequenceExported}))

	r := NewRing(4)
	d := NewDisplay(r)
	assert.Empty(t, d.Current())
	r.Notify(Event{Type: SensorDiscovered, Sensor: testSensor})
	r.Notify(Event{Type: SequenceExported, Sensor: testSensor})
	assert.Contains(t, d.Current(), "NEW SENSOR STARTED")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Log: zerolog.New(&buf).Level(zerolog.InfoLevel)}

	sink.Notify(Event{Type: PacketStored, Sensor: testSensor})
	assert.Zero(t, buf.Len(), "packet.stored logs at debug")

	sink.Notify(Event{Type: SequenceComplete, Sensor: testSensor, SequenceID: 12, Total: 2, Received: 2})
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "sequence.complete", line["event"])
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", line["sensor"])
	assert.EqualValues(t, 12, line["sequence_id"])
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.bodies = append(f.bodies, payload)
	return f.err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}

func TestMQTTSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "tiderelay/", 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx)

	sink.Notify(Event{ID: "1", Type: SequenceComplete, Sensor: testSensor, SequenceID: 12})
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	sink.Wait()

	assert.Equal(t, "tiderelay/aabbccddeeff/sequence.complete", pub.topics[0])
	var got Event
	require.NoError(t, json.Unmarshal(pub.bodies[0], &got))
	assert.Equal(t, uint16(12), got.SequenceID)
	assert.Equal(t, testSensor, got.Sensor)

	// after shutdown Notify is ignored
	sink.Notify(Event{Type: PacketStored})
	assert.Equal(t, 1, pub.count())
}

func TestMQTTSink_DropsWhenFull(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	sink := NewMQTTSink(pub, "p", 1, zerolog.Nop())
	sink.Notify(Event{Type: PacketStored})
	sink.Notify(Event{Type: PacketStored})
	assert.Equal(t, 1, sink.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)
	assert.Equal(t, 1, pub.count(), "queued event is drained on shutdown")
}

func TestParseControl(t *testing.T) {
	for in, want := range map[string]bool{"upload on": true, " ON ": true, "start": true, "upload off": false, "stop": false} {
		got, ok := ParseControl(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseControl("reboot")
	assert.False(t, ok)
}
