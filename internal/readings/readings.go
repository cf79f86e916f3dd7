// Package readings expands completed sequences into per-sample rows in the
// sqlite readings table.
package readings

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tiderelay/internal/events"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/wire"
)

// SampleInterval separates consecutive depth samples within a packet.
const SampleInterval = 10 * time.Second

// Sample indices carrying the water quality readings.
const (
	TemperatureSample = 0
	SalinityFirst     = 0
	SalinitySecond    = 179
)

// Row is one depth sample.
type Row struct {
	Sensor      sensor.Identity `json:"sensor"`
	SequenceID  uint16          `json:"sequence_id"`
	PacketNum   uint8           `json:"packet_num"`
	Sample      int             `json:"sample"`
	SensorID    uint16          `json:"sensor_id"`
	Time        time.Time       `json:"time"`
	Depth       float64         `json:"depth"`
	Temperature *float64        `json:"temperature,omitempty"`
	Salinity    *float64        `json:"salinity,omitempty"`
}

func ptr(v float32) *float64 {
	f := float64(v)
	return &f
}

// Expand turns one data packet into its DepthSamples rows.
func Expand(id sensor.Identity, p wire.DataPacket) ([]Row, error) {
	r, err := wire.DecodeReadings(p.Payload[:])
	if err != nil {
		return nil, fmt.Errorf("decode packet %d: %w", p.PacketNum, err)
	}
	start := time.Unix(int64(p.Timestamp), 0).UTC()
	rows := make([]Row, len(r.Depth))
	for i, d := range r.Depth {
		rows[i] = Row{
			Sensor:     id,
			SequenceID: p.SequenceID,
			PacketNum:  p.PacketNum,
			Sample:     i,
			SensorID:   r.SensorID,
			Time:       start.Add(time.Duration(i) * SampleInterval),
			Depth:      float64(d),
		}
	}
	rows[TemperatureSample].Temperature = ptr(r.Temperature[0])
	rows[SalinityFirst].Salinity = ptr(r.Salinity[0])
	rows[SalinitySecond].Salinity = ptr(r.Salinity[1])
	return rows, nil
}

// Summarize computes depth statistics over rows.
func Summarize(rows []Row, packets int) events.Summary {
	s := events.Summary{Packets: packets, Samples: len(rows)}
	if len(rows) == 0 {
		return s
	}
	depth := make([]float64, len(rows))
	for i, r := range rows {
		depth[i] = r.Depth
	}
	s.DepthMean, s.DepthStdDev = stat.MeanStdDev(depth, nil)
	s.DepthMin = floats.Min(depth)
	s.DepthMax = floats.Max(depth)
	return s
}
