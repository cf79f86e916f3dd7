// Package events carries relay activity to operators: the log, an MQTT
// broker, the debug tail and the display page endpoint.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tiderelay/internal/sensor"
)

// Type names an event.
type Type string

const (
	PacketStored     Type = "packet.stored"
	SequenceComplete Type = "sequence.complete"
	SequenceRotated  Type = "sequence.rotated"
	SequenceExported Type = "sequence.exported"
	SensorDiscovered Type = "sensor.discovered"
)

// Event is one observation. Fields that do not apply to a Type are zero.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Time       time.Time       `json:"time"`
	Sensor     sensor.Identity `json:"sensor"`
	SequenceID uint16          `json:"sequence_id,omitempty"`
	PacketNum  uint8           `json:"packet_num,omitempty"`
	Total      uint16          `json:"total,omitempty"`
	Received   uint16          `json:"received,omitempty"`
	New        bool            `json:"new,omitempty"`
	Complete   bool            `json:"complete,omitempty"`
	Session    string          `json:"session,omitempty"`
	Summary    *Summary        `json:"summary,omitempty"`
}

// Summary describes an exported sequence.
type Summary struct {
	Packets     int     `json:"packets"`
	Samples     int     `json:"samples"`
	DepthMean   float64 `json:"depth_mean"`
	DepthStdDev float64 `json:"depth_stddev"`
	DepthMin    float64 `json:"depth_min"`
	DepthMax    float64 `json:"depth_max"`
}

// Stamp fills ID and Time if unset.
func (e *Event) Stamp(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = now
	}
}

// Notifier receives events. Notify must not block the caller for long; slow
// sinks buffer or drop.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Nop discards events.
var Nop Notifier = NotifierFunc(func(Event) {})

// Bus fans events out to every registered sink in registration order.
type Bus struct {
	mu    sync.RWMutex
	sinks []Notifier
	now   func() time.Time
}

// NewBus returns a Bus delivering to sinks.
func NewBus(sinks ...Notifier) *Bus {
	return &Bus{sinks: sinks, now: time.Now}
}

// Add registers another sink.
func (b *Bus) Add(n Notifier) {
	b.mu.Lock()
	b.sinks = append(b.sinks, n)
	b.mu.Unlock()
}

func (b *Bus) Notify(e Event) {
	e.Stamp(b.now())
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Notify(e)
	}
}
