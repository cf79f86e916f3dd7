package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiderelay/internal/db"
	"github.com/banshee-data/tiderelay/internal/kv"
	"github.com/banshee-data/tiderelay/internal/sensor"
)

func TestRegister(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := kv.NewMemory()
	r := New(store, func() time.Time { return now })
	id := sensor.MustParse("AA:BB:CC:DD:EE:FF")

	rec, isNew, err := r.Register(ctx, id, "s1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, 1, rec.Announcements)
	assert.Equal(t, now, rec.FirstSeen)

	now = now.Add(time.Hour)
	rec, isNew, err = r.Register(ctx, id, "s2")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, 2, rec.Announcements)
	assert.Equal(t, now.Add(-time.Hour), rec.FirstSeen)
	assert.Equal(t, now, rec.LastSeen)
	assert.Equal(t, "s2", rec.Session)

	got, ok, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)
	assert.Equal(t, 2, store.Commits())
}

func TestList(t *testing.T) {
	ctx := context.Background()
	r := New(kv.NewMemory(), nil)
	b := sensor.MustParse("AA:BB:CC:DD:EE:02")
	a := sensor.MustParse("AA:BB:CC:DD:EE:01")
	for _, id := range []sensor.Identity{b, a, b} {
		_, _, err := r.Register(ctx, id, "")
		require.NoError(t, err)
	}
	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].Identity)
	assert.Equal(t, 2, list[1].Announcements)
}

func TestRegister_StorageFailure(t *testing.T) {
	store := kv.NewMemory()
	store.FailSets(errors.New("disk full"))
	r := New(store, nil)
	_, _, err := r.Register(context.Background(), sensor.MustParse("AA:BB:CC:DD:EE:FF"), "")
	assert.Error(t, err)
}

func TestRegister_SQLitePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")
	d, err := db.NewDB(path)
	require.NoError(t, err)
	id := sensor.MustParse("AA:BB:CC:DD:EE:FF")
	_, _, err = New(kv.NewSQLite(d), nil).Register(ctx, id, "s1")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = db.NewDB(path)
	require.NoError(t, err)
	defer d.Close()
	_, isNew, err := New(kv.NewSQLite(d), nil).Register(ctx, id, "s2")
	require.NoError(t, err)
	assert.False(t, isNew)
}
