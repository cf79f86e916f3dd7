// Package testutil provides shared test fixtures.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiderelay/internal/db"
	"github.com/banshee-data/tiderelay/internal/wire"
)

// Epoch is the fixed wall clock used by fixtures.
var Epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// NewTestDB opens a migrated sqlite database in a temp dir. It is closed
// when the test ends.
func NewTestDB(t testing.TB) *db.DB {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// DataPacket builds a packet of sensor sensorID whose depth samples are
// the sample index scaled by step metres.
func DataPacket(seq uint16, num uint8, total uint16, sensorID uint16, step float32) wire.DataPacket {
	r := wire.Readings{SensorID: sensorID}
	for i := range r.Depth {
		r.Depth[i] = float32(i) * step
	}
	return wire.DataPacket{
		SequenceID: seq,
		PacketNum:  num,
		Total:      total,
		Timestamp:  uint32(Epoch.Unix()),
		Payload:    r.Encode(),
	}
}
