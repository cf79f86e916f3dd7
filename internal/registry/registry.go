// Package registry persists the sensors the relay has heard announce.
// Identities are never removed automatically.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/tiderelay/internal/kv"
	"github.com/banshee-data/tiderelay/internal/sensor"
)

// Namespace is the key-value namespace holding sensor records.
const Namespace = "sensors"

// Sensor is one known identity.
type Sensor struct {
	Identity      sensor.Identity `json:"identity"`
	FirstSeen     time.Time       `json:"first_seen"`
	LastSeen      time.Time       `json:"last_seen"`
	Announcements int             `json:"announcements"`
	Session       string          `json:"session"`
}

// Registry stores Sensor records as JSON keyed by identity string.
type Registry struct {
	mu  sync.Mutex
	kv  kv.Store
	now func() time.Time
}

// New returns a Registry over kvs. now defaults to time.Now.
func New(kvs kv.Store, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{kv: kvs, now: now}
}

// Register records an announcement from id under session. It reports
// whether id was previously unknown; known identities only have LastSeen,
// Announcements and Session refreshed.
func (r *Registry) Register(ctx context.Context, id sensor.Identity, session string) (Sensor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	rec, found, err := r.get(ctx, id)
	if err != nil {
		return Sensor{}, false, err
	}
	if !found {
		rec = Sensor{Identity: id, FirstSeen: now}
	}
	rec.LastSeen = now
	rec.Announcements++
	rec.Session = session

	b, err := json.Marshal(rec)
	if err != nil {
		return Sensor{}, false, fmt.Errorf("encode sensor %s: %w", id, err)
	}
	if err := r.kv.Set(ctx, Namespace, id.String(), b); err != nil {
		return Sensor{}, false, fmt.Errorf("store sensor %s: %w", id, err)
	}
	if err := r.kv.Commit(ctx); err != nil {
		return Sensor{}, false, fmt.Errorf("commit sensor %s: %w", id, err)
	}
	return rec, !found, nil
}

// Get returns the record for id.
func (r *Registry) Get(ctx context.Context, id sensor.Identity) (Sensor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(ctx, id)
}

func (r *Registry) get(ctx context.Context, id sensor.Identity) (Sensor, bool, error) {
	b, err := r.kv.Get(ctx, Namespace, id.String())
	if errors.Is(err, kv.ErrNotFound) {
		return Sensor{}, false, nil
	}
	if err != nil {
		return Sensor{}, false, fmt.Errorf("load sensor %s: %w", id, err)
	}
	var rec Sensor
	if err := json.Unmarshal(b, &rec); err != nil {
		return Sensor{}, false, fmt.Errorf("decode sensor %s: %w", id, err)
	}
	return rec, true, nil
}

// List returns every known sensor ordered by identity.
func (r *Registry) List(ctx context.Context) ([]Sensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.kv.Keys(ctx, Namespace)
	if err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	out := make([]Sensor, 0, len(keys))
	for _, k := range keys {
		id, err := sensor.Parse(k)
		if err != nil {
			continue
		}
		rec, ok, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return out, nil
}
