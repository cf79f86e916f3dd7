package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/tiderelay/internal/fsutil"
	"github.com/banshee-data/tiderelay/internal/sensor"
)

// State is what a sensor keeps across deep sleep.
type State struct {
	SequenceID uint16          `json:"sequence_id"`
	Receiver   sensor.Identity `json:"receiver"`
	Synced     bool            `json:"synced"`
	// LastSync is the receiver time of the last applied time sync.
	LastSync time.Time `json:"last_sync"`
	// Offset is receiver time minus local clock at the last sync.
	Offset time.Duration `json:"offset"`
	// RotatePending is set when the next sequence id may already be known
	// to the receiver.
	RotatePending bool `json:"rotate_pending"`
}

// Session is State bound to the file it is loaded from and saved to.
type Session struct {
	State
	fs   fsutil.FileSystem
	path string
}

// Load reads the session at path. A missing file yields a fresh session
// that must rotate its first sequence, since earlier ids are unknown.
func Load(fs fsutil.FileSystem, path string) (*Session, error) {
	s := &Session{fs: fs, path: path}
	data, err := fs.ReadFile(path)
	if fsutil.IsNotExist(err) {
		s.RotatePending = true
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if err := json.Unmarshal(data, &s.State); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", path, err)
	}
	return s, nil
}

// Save writes the session atomically.
func (s *Session) Save() error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(s.State, "", "  ")
	if err != nil {
		return err
	}
	if err := s.fs.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Advance moves to the next sequence id. Wrapping reuses ids the receiver
// has seen, so it marks a rotation as pending.
func (s *Session) Advance() {
	s.SequenceID++
	if s.SequenceID == 0 {
		s.RotatePending = true
	}
}
