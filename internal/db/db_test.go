package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := NewDB(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNewDB_Migrates(t *testing.T) {
	d := openTestDB(t)

	version, dirty, err := d.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	for _, table := range []string{"kv", "readings", "sequence_exports"} {
		var name string
		err := d.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestNewDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	d, err := NewDB(path)
	require.NoError(t, err)
	_, err = d.Exec(`INSERT INTO kv (namespace, key, value) VALUES ('storage', 'k', x'01')`)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = NewDB(path)
	require.NoError(t, err)
	defer d.Close()
	var n int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 1, n)
	assert.Equal(t, path, d.Path())
}

func TestMigrateDown(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.MigrateDown(Migrations()))

	version, _, err := d.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	err = d.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='readings'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	d := openTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, d.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	// gzip magic
	require.GreaterOrEqual(t, rec.Body.Len(), 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, rec.Body.Bytes()[:2])
}
