package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Payload layout of a data packet.
const (
	DepthSamples       = 360
	TemperatureSamples = 1
	SalinitySamples    = 2
	PayloadSize        = 2 + 4*(DepthSamples+TemperatureSamples+SalinitySamples)
)

// Readings is the decoded payload of one data packet: an hour of depth
// samples plus the water quality samples taken alongside them.
type Readings struct {
	SensorID    uint16
	Depth       [DepthSamples]float32
	Temperature [TemperatureSamples]float32
	Salinity    [SalinitySamples]float32
}

// Encode packs the readings into a payload array.
func (r *Readings) Encode() [PayloadSize]byte {
	var out [PayloadSize]byte
	binary.LittleEndian.PutUint16(out[0:2], r.SensorID)
	off := 2
	put := func(v float32) {
		binary.LittleEndian.PutUint32(out[off:off+4], math.Float32bits(v))
		off += 4
	}
	for _, v := range r.Depth {
		put(v)
	}
	for _, v := range r.Temperature {
		put(v)
	}
	for _, v := range r.Salinity {
		put(v)
	}
	return out
}

// DecodeReadings unpacks a payload.
func DecodeReadings(payload []byte) (Readings, error) {
	var r Readings
	if len(payload) != PayloadSize {
		return r, fmt.Errorf("%w: payload is %d bytes, want %d", ErrMalformed, len(payload), PayloadSize)
	}
	r.SensorID = binary.LittleEndian.Uint16(payload[0:2])
	off := 2
	next := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(payload[off : off+4]))
		off += 4
		return v
	}
	for i := range r.Depth {
		r.Depth[i] = next()
	}
	for i := range r.Temperature {
		r.Temperature[i] = next()
	}
	for i := range r.Salinity {
		r.Salinity[i] = next()
	}
	return r, nil
}
