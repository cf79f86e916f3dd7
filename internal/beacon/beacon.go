// Package beacon runs the relay's periodic broadcasts: wall-clock sync and
// upload requests. Neither expects a reply.
package beacon

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/radio"
	"github.com/banshee-data/tiderelay/internal/timesource"
	"github.com/banshee-data/tiderelay/internal/timeutil"
	"github.com/banshee-data/tiderelay/internal/wire"
)

const (
	DefaultTimeSyncInterval = 60 * time.Second
	DefaultUploadInterval   = 30 * time.Second
)

// Stats counts beacon outcomes.
type Stats struct {
	Sent    atomic.Int64
	Skipped atomic.Int64
	Failed  atomic.Int64
}

// Config is shared by both beacons. Zero Interval selects the beacon's
// default.
type Config struct {
	Transport radio.Transport
	Codec     wire.Codec
	Clock     timeutil.Clock
	Interval  time.Duration
	Logger    zerolog.Logger
}

type loop struct {
	cfg   Config
	stats *Stats
	fire  func(ctx context.Context) (sent bool, err error)
}

func newLoop(cfg Config, def time.Duration) loop {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def
	}
	return loop{cfg: cfg, stats: &Stats{}}
}

func (l *loop) run(ctx context.Context) error {
	ticker := l.cfg.Clock.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			l.tick(ctx)
		}
	}
}

// tick fires once. Failed sends are logged; the next tick is the retry.
func (l *loop) tick(ctx context.Context) {
	sent, err := l.fire(ctx)
	switch {
	case err != nil:
		l.stats.Failed.Add(1)
		l.cfg.Logger.Warn().Err(err).Msg("beacon send failed")
	case sent:
		l.stats.Sent.Add(1)
	default:
		l.stats.Skipped.Add(1)
	}
}

func (l *loop) broadcast(ctx context.Context, rec wire.Record) error {
	b, err := l.cfg.Codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.Kind(), err)
	}
	return l.cfg.Transport.Broadcast(ctx, b)
}

// TimeSync broadcasts the current time every interval while the time
// source is valid.
type TimeSync struct {
	loop
	source timesource.Source
}

func NewTimeSync(cfg Config, source timesource.Source) *TimeSync {
	b := &TimeSync{loop: newLoop(cfg, DefaultTimeSyncInterval), source: source}
	b.fire = b.send
	return b
}

func (b *TimeSync) send(ctx context.Context) (bool, error) {
	if !b.source.Valid() {
		b.cfg.Logger.Debug().Msg("clock not valid; skipping time sync")
		return false, nil
	}
	now := b.source.Now()
	return true, b.broadcast(ctx, wire.TimeSync{Timestamp: uint64(now.Unix())})
}

// Run ticks until ctx is done.
func (b *TimeSync) Run(ctx context.Context) error { return b.run(ctx) }

// Stats returns the beacon counters.
func (b *TimeSync) Stats() *Stats { return b.stats }

// Uploader broadcasts upload requests every interval while active.
type Uploader struct {
	loop
	active atomic.Bool
}

func NewUploader(cfg Config, active bool) *Uploader {
	u := &Uploader{loop: newLoop(cfg, DefaultUploadInterval)}
	u.active.Store(active)
	u.fire = u.send
	return u
}

func (u *Uploader) send(ctx context.Context) (bool, error) {
	if !u.active.Load() {
		return false, nil
	}
	return true, u.broadcast(ctx, wire.NewUploadRequest())
}

// SetActive turns upload requests on or off and reports the prior state.
func (u *Uploader) SetActive(active bool) bool {
	prev := u.active.Swap(active)
	if prev != active {
		u.cfg.Logger.Info().Bool("active", active).Msg("upload requests toggled")
	}
	return prev
}

func (u *Uploader) Active() bool { return u.active.Load() }

func (u *Uploader) Run(ctx context.Context) error { return u.run(ctx) }

func (u *Uploader) Stats() *Stats { return u.stats }
