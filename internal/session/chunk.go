package session

import (
	"fmt"
	"math"

	"github.com/banshee-data/tiderelay/internal/wire"
)

// WaterSample supplies the temperature and salinity sent with a packet.
type WaterSample func(records []Record) (temperature float32, salinity [wire.SalinitySamples]float32)

// Chunk splits records into data packets of wire.DepthSamples readings
// each. Depth is converted to metres; a short final packet is zero-padded.
// The packet timestamp is that of its first record.
func Chunk(records []Record, seq uint16, sensorID uint16, water WaterSample) ([]wire.DataPacket, error) {
	if len(records) == 0 {
		return nil, nil
	}
	n := (len(records) + wire.DepthSamples - 1) / wire.DepthSamples
	if n > math.MaxUint8 {
		return nil, fmt.Errorf("%d records need %d packets; at most %d fit a sequence", len(records), n, math.MaxUint8)
	}
	out := make([]wire.DataPacket, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*wire.DepthSamples, len(records))
		chunk := records[i*wire.DepthSamples : end]
		r := wire.Readings{SensorID: sensorID}
		for j, rec := range chunk {
			r.Depth[j] = float32(rec.DepthMM) / 1000
		}
		if water != nil {
			r.Temperature[0], r.Salinity = water(chunk)
		}
		out = append(out, wire.DataPacket{
			SequenceID: seq,
			PacketNum:  uint8(i + 1),
			Total:      uint16(n),
			Timestamp:  chunk[0].UnixS,
			Payload:    r.Encode(),
		})
	}
	return out, nil
}
