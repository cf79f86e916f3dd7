// Package blob stores raw packet records as files on the mounted volume.
package blob

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/tiderelay/internal/fsutil"
)

// Ext is the file extension of stored packets.
const Ext = ".pkt"

// Store writes one file per key under a root directory.
type Store interface {
	Write(key string, data []byte) error
	Read(key string) ([]byte, error)
	// Move relocates key into a subdirectory of the root, used when a
	// sensor rotates its log.
	Move(key, subdir string) error
	Exists(key string) bool
}

// Files is a Store over a fsutil.FileSystem.
type Files struct {
	fs   fsutil.FileSystem
	root string
}

// NewFiles returns a Files store rooted at root, creating it if needed.
func NewFiles(fsys fsutil.FileSystem, root string) (*Files, error) {
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &Files{fs: fsys, root: root}, nil
}

// Path returns the file path of key.
func (f *Files) Path(key string) string {
	return filepath.Join(f.root, key+Ext)
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

func (f *Files) Write(key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := f.fs.WriteFile(f.Path(key), data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

func (f *Files) Read(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := f.fs.ReadFile(f.Path(key))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (f *Files) Move(key, subdir string) error {
	if err := validKey(key); err != nil {
		return err
	}
	dst := filepath.Join(f.root, filepath.Clean(subdir))
	if !strings.HasPrefix(dst, filepath.Clean(f.root)+string(filepath.Separator)) {
		return fmt.Errorf("blob move target %q escapes root", subdir)
	}
	if err := f.fs.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if err := f.fs.Rename(f.Path(key), filepath.Join(dst, key+Ext)); err != nil {
		return fmt.Errorf("move blob %s: %w", key, err)
	}
	return nil
}

func (f *Files) Exists(key string) bool {
	return validKey(key) == nil && f.fs.Exists(f.Path(key))
}

// Keys lists the keys stored directly under the root.
func (f *Files) Keys() ([]string, error) {
	names, err := f.fs.List(f.root)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, n := range names {
		if strings.HasSuffix(n, Ext) {
			keys = append(keys, strings.TrimSuffix(n, Ext))
		}
	}
	return keys, nil
}
