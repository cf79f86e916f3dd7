package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiderelay/internal/fsutil"
)

func TestFiles(t *testing.T) {
	for name, fsys := range map[string]fsutil.FileSystem{
		"memory": fsutil.NewMemoryFileSystem(),
		"os":     fsutil.OSFileSystem{},
	} {
		t.Run(name, func(t *testing.T) {
			root := "/data/pkts"
			if name == "os" {
				root = t.TempDir()
			}
			s, err := NewFiles(fsys, root)
			require.NoError(t, err)

			require.NoError(t, s.Write("0a1b2c3d", []byte("payload")))
			assert.True(t, s.Exists("0a1b2c3d"))
			got, err := s.Read("0a1b2c3d")
			require.NoError(t, err)
			assert.Equal(t, "payload", string(got))

			keys, err := s.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"0a1b2c3d"}, keys)

			require.NoError(t, s.Move("0a1b2c3d", "rotated/AABBCCDDEEFF/12-100"))
			assert.False(t, s.Exists("0a1b2c3d"))
			assert.True(t, fsys.Exists(root+"/rotated/AABBCCDDEEFF/12-100/0a1b2c3d.pkt"))

			_, err = s.Read("0a1b2c3d")
			assert.True(t, fsutil.IsNotExist(err), "got %v", err)
		})
	}
}

func TestFiles_RejectsBadKeys(t *testing.T) {
	s, err := NewFiles(fsutil.NewMemoryFileSystem(), "/data")
	require.NoError(t, err)

	for _, key := range []string{"", "../x", "a/b", `a\b`} {
		assert.Error(t, s.Write(key, nil), "key %q", key)
	}
	assert.Error(t, s.Move("ok", "../../etc"))
}
