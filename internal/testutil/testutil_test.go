package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiderelay/internal/wire"
)

func TestNewTestDB(t *testing.T) {
	d := NewTestDB(t)
	var n int
	require.NoError(t, d.QueryRowContext(context.Background(), "SELECT count(*) FROM readings").Scan(&n))
	assert.Zero(t, n)
}

func TestDataPacket(t *testing.T) {
	p := DataPacket(3, 1, 2, 7, 0.5)
	r, err := wire.DecodeReadings(p.Payload[:])
	require.NoError(t, err)
	assert.Equal(t, uint16(7), r.SensorID)
	assert.Equal(t, float32(0), r.Depth[0])
	assert.Equal(t, float32(179.5), r.Depth[359])
	assert.Equal(t, uint32(Epoch.Unix()), p.Timestamp)
}
