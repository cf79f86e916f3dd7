package events

import (
	"github.com/rs/zerolog"
)

// LogSink writes events to a zerolog logger. Per-packet events log at
// debug; completions, rotations and discoveries at info.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Notify(e Event) {
	ev := s.Log.Debug()
	switch e.Type {
	case SequenceComplete, SequenceRotated, SequenceExported, SensorDiscovered:
		ev = s.Log.Info()
	}
	ev = ev.Str("event", string(e.Type)).
		Str("sensor", e.Sensor.String())
	switch e.Type {
	case PacketStored, SequenceComplete:
		ev = ev.Uint16("sequence_id", e.SequenceID).
			Uint8("packet_num", e.PacketNum).
			Uint16("total", e.Total).
			Uint16("received", e.Received).
			Bool("new", e.New)
	case SequenceRotated:
		ev = ev.Uint16("sequence_id", e.SequenceID)
	case SequenceExported:
		ev = ev.Uint16("sequence_id", e.SequenceID)
		if e.Summary != nil {
			ev = ev.Int("samples", e.Summary.Samples).
				Float64("depth_mean", e.Summary.DepthMean).
				Float64("depth_stddev", e.Summary.DepthStdDev)
		}
	case SensorDiscovered:
		ev = ev.Bool("new", e.New).Str("session", e.Session)
	}
	ev.Msg(string(e.Type))
}
