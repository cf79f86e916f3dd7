// Package dispatch decodes inbound datagrams and routes each record to its
// handler.
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/banshee-data/tiderelay/internal/dedup"
	"github.com/banshee-data/tiderelay/internal/radio"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/wire"
)

// Discoverer handles discovery announcements.
type Discoverer interface {
	Handle(ctx context.Context, id sensor.Identity, b wire.Broadcast) error
}

// PacketStore persists data packets and rotates sequences.
type PacketStore interface {
	Store(ctx context.Context, id sensor.Identity, p wire.DataPacket) (dedup.Result, error)
	Rotate(ctx context.Context, id sensor.Identity, seq uint16) (int, error)
}

// errNoStore is reported for packets that arrive while storage is down.
var errNoStore = errors.New("packet store unavailable")

// Config wires a Dispatcher. A nil Store drops data and rotation records,
// so discovery keeps working when storage failed to start.
type Config struct {
	Codec     wire.Codec
	Discovery Discoverer
	Store     PacketStore
	Metrics   *Metrics
	Logger    zerolog.Logger
}

// Dispatcher is the single entry point for inbound radio traffic.
type Dispatcher struct {
	codec     wire.Codec
	discovery Discoverer
	store     PacketStore
	metrics   *Metrics
	log       zerolog.Logger
	malformed rate.Sometimes
}

func New(cfg Config) *Dispatcher {
	m := cfg.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Dispatcher{
		codec:     cfg.Codec,
		discovery: cfg.Discovery,
		store:     cfg.Store,
		metrics:   m,
		log:       cfg.Logger,
		malformed: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// Handle decodes and routes one datagram. It matches radio.Handler.
func (d *Dispatcher) Handle(ctx context.Context, dg radio.Datagram) {
	rec, err := d.codec.Decode(dg.Data)
	if err != nil {
		d.drop(dg, "decode", err)
		return
	}
	d.metrics.Datagrams.WithLabelValues(rec.Kind().String()).Inc()

	log := d.log.With().Str("sensor", dg.From.String()).Logger()
	switch r := rec.(type) {
	case wire.Broadcast:
		if err := d.discovery.Handle(ctx, dg.From, r); err != nil {
			log.Error().Err(err).Msg("discovery failed")
		}
	case wire.TimeSync:
		// another receiver's beacon; nothing to apply on this side
		log.Debug().
			Time("remote_time", time.Unix(int64(r.Timestamp), 0)).
			Dur("skew", time.Until(time.Unix(int64(r.Timestamp), 0))).
			Msg("time sync heard")
	case wire.UploadRequest:
		log.Debug().Msg("upload request heard from another receiver")
	case wire.DataPacket:
		if d.store == nil {
			d.drop(dg, "unavailable", errNoStore)
			return
		}
		d.storePacket(ctx, dg, r, log)
	case wire.Rotate:
		if d.store == nil {
			d.drop(dg, "unavailable", errNoStore)
			return
		}
		moved, err := d.store.Rotate(ctx, dg.From, r.SequenceID)
		if err != nil {
			d.metrics.StoreErrors.Inc()
			log.Error().Err(err).Uint16("sequence_id", r.SequenceID).Msg("rotation failed")
			return
		}
		log.Info().Uint16("sequence_id", r.SequenceID).Int("packets", moved).Msg("sequence rotated")
	}
}

func (d *Dispatcher) storePacket(ctx context.Context, dg radio.Datagram, p wire.DataPacket, log zerolog.Logger) {
	res, err := d.store.Store(ctx, dg.From, p)
	if errors.Is(err, dedup.ErrInvalidPacket) {
		d.drop(dg, "numbering", err)
		return
	}
	if err != nil {
		d.metrics.StoreErrors.Inc()
		log.Error().Err(err).
			Uint16("sequence_id", p.SequenceID).
			Uint8("packet_num", p.PacketNum).
			Msg("failed to store packet")
		return
	}
	d.metrics.Stored.WithLabelValues(strconv.FormatBool(res.IsNew)).Inc()
	if res.IsNew && res.Complete {
		d.metrics.Completed.Inc()
	}
}

func (d *Dispatcher) drop(dg radio.Datagram, reason string, err error) {
	d.metrics.Malformed.WithLabelValues(reason).Inc()
	d.malformed.Do(func() {
		d.log.Warn().Err(err).
			Str("sensor", dg.From.String()).
			Int("bytes", len(dg.Data)).
			Str("reason", reason).
			Msg("dropping malformed datagram")
	})
}

