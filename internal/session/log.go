// Package session models the sensor side of the link: the on-flash reading
// log, the session state that survives deep sleep, and the device loop the
// simulator runs.
package session

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/tiderelay/internal/fsutil"
)

// RecordSize is the packed size of one log record.
const RecordSize = 10

// Record flags.
const (
	FlagTimeValid  uint8 = 1 << 0
	FlagColorValid uint8 = 1 << 1
)

// Record is one logged sample. UnixS is zero when the clock was not synced.
type Record struct {
	UnixS   uint32
	DepthMM int16
	R, G, B uint8
	Flags   uint8
}

func (r Record) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, r.UnixS)
	b = binary.LittleEndian.AppendUint16(b, uint16(r.DepthMM))
	return append(b, r.R, r.G, r.B, r.Flags)
}

// DecodeRecord parses a packed record.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) != RecordSize {
		return Record{}, fmt.Errorf("log record is %d bytes, want %d", len(b), RecordSize)
	}
	return Record{
		UnixS:   binary.LittleEndian.Uint32(b[0:4]),
		DepthMM: int16(binary.LittleEndian.Uint16(b[4:6])),
		R:       b[6],
		G:       b[7],
		B:       b[8],
		Flags:   b[9],
	}, nil
}

// Log is an append-only file of packed records.
type Log struct {
	fs   fsutil.FileSystem
	path string
}

func NewLog(fs fsutil.FileSystem, path string) (*Log, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Log{fs: fs, path: path}, nil
}

func (l *Log) Append(r Record) error {
	return l.fs.AppendFile(l.path, r.AppendBinary(make([]byte, 0, RecordSize)), 0o644)
}

// Count returns the number of whole records in the log.
func (l *Log) Count() (int, error) {
	info, err := l.fs.Stat(l.path)
	if fsutil.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(info.Size() / RecordSize), nil
}

// ReadAll returns every whole record. A torn trailing record is ignored.
func (l *Log) ReadAll() ([]Record, error) {
	data, err := l.fs.ReadFile(l.path)
	if fsutil.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n := len(data) / RecordSize
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		r, _ := DecodeRecord(data[i*RecordSize : (i+1)*RecordSize])
		out = append(out, r)
	}
	return out, nil
}

// Clear truncates the log.
func (l *Log) Clear() error {
	return l.fs.WriteFile(l.path, nil, os.FileMode(0o644))
}
