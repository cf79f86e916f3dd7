// Package dedup reassembles chunked sequences. Each distinct
// (sensor, sequence, packet) is written to blob storage exactly once and a
// per-sequence counter tracks how many distinct packets have arrived.
package dedup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/blob"
	"github.com/banshee-data/tiderelay/internal/events"
	"github.com/banshee-data/tiderelay/internal/kv"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/wire"
)

// Namespace is the key-value namespace holding packet and counter entries.
const Namespace = "storage"

// RotatedDir is the blob subdirectory rotated packets are moved into.
const RotatedDir = "rotated"

var (
	// ErrStorage wraps key-value and blob failures.
	ErrStorage = errors.New("dedup: storage failure")
	// ErrKeyCollision is returned when every probe slot for a key is taken
	// by a different composite.
	ErrKeyCollision = errors.New("dedup: key collision")
	// ErrInvalidPacket is returned for packet numbers outside 1..total.
	ErrInvalidPacket = errors.New("dedup: invalid packet numbering")
)

// Result reports the outcome of one Store call.
type Result struct {
	IsNew    bool
	Complete bool
	Received uint16
}

// SequenceState is a sequence's progress as persisted.
type SequenceState struct {
	Sensor     sensor.Identity `json:"sensor"`
	SequenceID uint16          `json:"sequence_id"`
	Received   uint16          `json:"received"`
	Total      uint16          `json:"total"`
	Complete   bool            `json:"complete"`
}

// Options configures a Store. Zero values select defaults.
type Options struct {
	Notifier events.Notifier
	Logger   zerolog.Logger
	// CacheSize is the number of packet keys remembered in memory. Zero
	// selects 4096; negative disables the cache.
	CacheSize int
	Now       func() time.Time
}

// Store is the packet dedup store.
type Store struct {
	mu     sync.Mutex
	kv     kv.Store
	blobs  blob.Store
	notify events.Notifier
	log    zerolog.Logger
	cache  *lru.Cache
	now    func() time.Time
	// slotKey names the slot for a composite at a probe depth.
	slotKey func(composite []byte, probe int) string
}

// New returns a Store persisting through kvs and blobs.
func New(kvs kv.Store, blobs blob.Store, opts Options) (*Store, error) {
	s := &Store{
		kv:     kvs,
		blobs:  blobs,
		notify: opts.Notifier,
		log:    opts.Logger,
		now:    opts.Now,

		slotKey: slotKey,
	}
	if s.notify == nil {
		s.notify = events.Nop
	}
	if s.now == nil {
		s.now = time.Now
	}
	size := opts.CacheSize
	if size == 0 {
		size = 4096
	}
	if size > 0 {
		c, err := lru.New(size)
		if err != nil {
			return nil, fmt.Errorf("create presence cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

// slot is the outcome of a probe walk. A free slot reused from a rotated
// entry carries the tombstone as its value.
type slot struct {
	key   string
	value []byte
	found bool
}

// matcher reports whether the value at a probe slot belongs to the
// composite being resolved.
type matcher func(v []byte, probe int) bool

func packetMatcher(pc []byte) matcher {
	return func(v []byte, probe int) bool { return isPacketEntry(v, pc) || isLegacyEntry(v, probe) }
}

func sequenceMatcher(sc []byte) matcher {
	return func(v []byte, probe int) bool { return isSequenceEntry(v, sc) || isLegacyEntry(v, probe) }
}

// resolve walks the probe chain for composite. When no entry matches it
// returns the first reusable slot.
func (s *Store) resolve(ctx context.Context, composite []byte, match matcher) (slot, error) {
	var free slot
	for probe := 0; probe < maxProbes; probe++ {
		key := s.slotKey(composite, probe)
		v, err := s.kv.Get(ctx, Namespace, key)
		if errors.Is(err, kv.ErrNotFound) {
			if free.key == "" {
				free.key = key
			}
			return free, nil
		}
		if err != nil {
			return slot{}, fmt.Errorf("%w: read %s: %v", ErrStorage, key, err)
		}
		if match(v, probe) {
			return slot{key: key, value: v, found: true}, nil
		}
		if bytes.Equal(v, tombstone) {
			if free.key == "" {
				free = slot{key: key, value: tombstone}
			}
			continue
		}
		s.log.Debug().Str("key", key).Int("probe", probe).Msg("hash slot taken by another key, probing")
	}
	if free.key != "" {
		return free, nil
	}
	return slot{}, fmt.Errorf("%w: no free slot for %x after %d probes", ErrKeyCollision, composite, maxProbes)
}

// Store records one packet. Writes happen in the order blob, packet entry,
// counter, then a single commit. A failure at any step discards the pending
// writes and is returned; the sender's resend is the retry.
func (s *Store) Store(ctx context.Context, id sensor.Identity, p wire.DataPacket) (Result, error) {
	if p.PacketNum == 0 || p.Total == 0 || uint16(p.PacketNum) > p.Total {
		return Result{}, fmt.Errorf("%w: packet %d of %d", ErrInvalidPacket, p.PacketNum, p.Total)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pc := packetComposite(id, p.SequenceID, p.PacketNum)
	isNew, pslot, err := s.lookupPacket(ctx, pc)
	if err != nil {
		return Result{}, err
	}
	res, marked, err := s.record(ctx, id, p, pc, isNew, pslot)
	if err != nil {
		if marked {
			s.unmark(ctx, pslot)
		}
		s.kv.Rollback()
		if s.cache != nil {
			s.cache.Remove(string(pc))
		}
		return Result{}, err
	}
	if isNew && s.cache != nil {
		s.cache.Add(string(pc), pslot.key)
	}

	typ := events.PacketStored
	if isNew && res.Complete {
		typ = events.SequenceComplete
	}
	s.notify.Notify(events.Event{
		Type:       typ,
		Sensor:     id,
		SequenceID: p.SequenceID,
		PacketNum:  p.PacketNum,
		Total:      p.Total,
		Received:   res.Received,
		New:        isNew,
		Complete:   res.Complete,
	})
	return res, nil
}

// unmark puts back what a packet slot held before a failed store, for
// backends that apply writes before Commit.
func (s *Store) unmark(ctx context.Context, sl slot) {
	var err error
	if sl.value != nil {
		err = s.kv.Set(ctx, Namespace, sl.key, sl.value)
	} else {
		err = s.kv.Delete(ctx, Namespace, sl.key)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("key", sl.key).Msg("could not undo packet entry")
	}
}

// record performs the writes for one packet and reports whether the packet
// entry was written. The sequence slot is resolved after the packet entry
// is pending so the two never share a key.
func (s *Store) record(ctx context.Context, id sensor.Identity, p wire.DataPacket, pc []byte, isNew bool, pslot slot) (Result, bool, error) {
	if isNew {
		if err := s.blobs.Write(pslot.key, p.Bytes()); err != nil {
			return Result{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if err := s.kv.Set(ctx, Namespace, pslot.key, packetEntry(pc)); err != nil {
			return Result{}, false, fmt.Errorf("%w: mark %s: %v", ErrStorage, pslot.key, err)
		}
	}

	sc := sequenceComposite(id, p.SequenceID)
	sslot, err := s.resolve(ctx, sc, sequenceMatcher(sc))
	if err != nil {
		return Result{}, isNew, err
	}
	var st counterState
	if sslot.found {
		st = decodeSequenceEntry(sslot.value)
	}
	if st.Total != 0 && st.Total != p.Total {
		s.log.Warn().
			Str("sensor", id.String()).
			Uint16("sequence_id", p.SequenceID).
			Uint16("previous_total", st.Total).
			Uint16("total", p.Total).
			Msg("total changed within sequence; completion uses the latest value")
	}

	if isNew {
		st.Received++
	}
	if isNew || st.Total != p.Total {
		st.Total = p.Total
		if err := s.kv.Set(ctx, Namespace, sslot.key, sequenceEntry(st, sc)); err != nil {
			return Result{}, isNew, fmt.Errorf("%w: counter %s: %v", ErrStorage, sslot.key, err)
		}
		if err := s.kv.Commit(ctx); err != nil {
			return Result{}, isNew, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return Result{IsNew: isNew, Complete: st.Received == p.Total, Received: st.Received}, false, nil
}

// lookupPacket reports whether the packet is new and the slot it occupies
// or should occupy.
func (s *Store) lookupPacket(ctx context.Context, pc []byte) (bool, slot, error) {
	if s.cache != nil {
		if key, ok := s.cache.Get(string(pc)); ok {
			return false, slot{key: key.(string), found: true}, nil
		}
	}
	sl, err := s.resolve(ctx, pc, packetMatcher(pc))
	if err != nil {
		return false, slot{}, err
	}
	if sl.found && s.cache != nil {
		s.cache.Add(string(pc), sl.key)
	}
	return !sl.found, sl, nil
}

// Sequence returns the persisted progress of one sequence.
func (s *Store) Sequence(ctx context.Context, id sensor.Identity, seq uint16) (SequenceState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := sequenceComposite(id, seq)
	sl, err := s.resolve(ctx, sc, sequenceMatcher(sc))
	if err != nil || !sl.found {
		return SequenceState{}, false, err
	}
	st := decodeSequenceEntry(sl.value)
	return SequenceState{
		Sensor:     id,
		SequenceID: seq,
		Received:   st.Received,
		Total:      st.Total,
		Complete:   st.Total != 0 && st.Received == st.Total,
	}, true, nil
}

// Sequences lists every sequence with a current-layout counter entry.
// Legacy entries carry no composite and are skipped.
func (s *Store) Sequences(ctx context.Context) ([]SequenceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.kv.Keys(ctx, Namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var out []SequenceState
	for _, k := range keys {
		v, err := s.kv.Get(ctx, Namespace, k)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, k, err)
		}
		if !isSequenceEntry(v, nil) {
			continue
		}
		st := decodeSequenceEntry(v)
		id, _ := sensor.FromBytes(v[4:])
		seq := uint16(v[4+sensor.IdentityLen]) | uint16(v[5+sensor.IdentityLen])<<8
		out = append(out, SequenceState{
			Sensor:     id,
			SequenceID: seq,
			Received:   st.Received,
			Total:      st.Total,
			Complete:   st.Total != 0 && st.Received == st.Total,
		})
	}
	return out, nil
}

// PacketKeys returns the blob key of each stored packet of a sequence by
// packet number. Missing packets are absent from the map.
func (s *Store) PacketKeys(ctx context.Context, id sensor.Identity, seq uint16) (map[uint8]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetKeysLocked(ctx, id, seq)
}

func (s *Store) packetKeysLocked(ctx context.Context, id sensor.Identity, seq uint16) (map[uint8]string, error) {
	out := make(map[uint8]string)
	for n := 1; n <= 255; n++ {
		pc := packetComposite(id, seq, uint8(n))
		sl, err := s.resolve(ctx, pc, packetMatcher(pc))
		if err != nil {
			return nil, err
		}
		if sl.found {
			out[uint8(n)] = sl.key
		}
	}
	return out, nil
}

// ReadPacket returns the stored record for a blob key.
func (s *Store) ReadPacket(key string) (wire.DataPacket, error) {
	data, err := s.blobs.Read(key)
	if err != nil {
		return wire.DataPacket{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return wire.DecodeDataPacket(data)
}

// Rotate forgets a sequence after the sensor cleared its log, so the
// sequence id can be reused. Stored packets are moved under RotatedDir
// rather than deleted. It returns how many packets were moved.
func (s *Store) Rotate(ctx context.Context, id sensor.Identity, seq uint16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.packetKeysLocked(ctx, id, seq)
	if err != nil {
		return 0, err
	}
	dir := path.Join(RotatedDir, strings.ReplaceAll(id.String(), ":", ""), fmt.Sprintf("%d-%d", seq, s.now().Unix()))
	moved := 0
	for n, key := range keys {
		if err := s.blobs.Move(key, dir); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("could not move rotated packet")
		} else {
			moved++
		}
		if err := s.kv.Set(ctx, Namespace, key, tombstone); err != nil {
			s.kv.Rollback()
			return moved, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if s.cache != nil {
			s.cache.Remove(string(packetComposite(id, seq, n)))
		}
	}

	sc := sequenceComposite(id, seq)
	sl, err := s.resolve(ctx, sc, sequenceMatcher(sc))
	if err != nil {
		s.kv.Rollback()
		return moved, err
	}
	if sl.found {
		if err := s.kv.Set(ctx, Namespace, sl.key, tombstone); err != nil {
			s.kv.Rollback()
			return moved, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	if err := s.kv.Commit(ctx); err != nil {
		return moved, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.notify.Notify(events.Event{Type: events.SequenceRotated, Sensor: id, SequenceID: seq})
	return moved, nil
}
