// Package discovery answers sensor announcements: it records the sensor,
// opens a unicast channel to it and replies with the session-start time.
package discovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/events"
	"github.com/banshee-data/tiderelay/internal/radio"
	"github.com/banshee-data/tiderelay/internal/registry"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/timeutil"
	"github.com/banshee-data/tiderelay/internal/wire"
)

// Handler processes discovery broadcasts.
type Handler struct {
	transport radio.Transport
	codec     wire.Codec
	registry  *registry.Registry
	notify    events.Notifier
	clock     timeutil.Clock
	log       zerolog.Logger
}

// Config wires a Handler. Nil Notifier and Clock select events.Nop and the
// real clock.
type Config struct {
	Transport radio.Transport
	Codec     wire.Codec
	Registry  *registry.Registry
	Notifier  events.Notifier
	Clock     timeutil.Clock
	Logger    zerolog.Logger
}

func New(cfg Config) *Handler {
	h := &Handler{
		transport: cfg.Transport,
		codec:     cfg.Codec,
		registry:  cfg.Registry,
		notify:    cfg.Notifier,
		clock:     cfg.Clock,
		log:       cfg.Logger,
	}
	if h.notify == nil {
		h.notify = events.Nop
	}
	if h.clock == nil {
		h.clock = timeutil.RealClock{}
	}
	return h
}

// Handle processes one announcement from id. Announcements from other
// receivers are ignored. A failed reply is logged and not retried since
// the sensor re-announces; a registry failure is returned after the reply
// has been attempted and the event emitted.
func (h *Handler) Handle(ctx context.Context, id sensor.Identity, b wire.Broadcast) error {
	if b.Type == wire.Receiver {
		h.log.Debug().Str("sensor", id.String()).Msg("ignoring receiver announcement")
		return nil
	}
	if b.Type != wire.NewSensor {
		h.log.Warn().Str("sensor", id.String()).Uint32("type", uint32(b.Type)).Msg("unknown broadcast type")
		return nil
	}

	session := uuid.NewString()
	log := h.log.With().Str("sensor", id.String()).Str("session", session).Logger()

	rec, isNew, regErr := h.registry.Register(ctx, id, session)
	if regErr != nil {
		log.Error().Err(regErr).Msg("failed to register sensor")
	}

	if _, err := h.transport.EnsurePeer(ctx, id); err != nil {
		log.Warn().Err(err).Msg("failed to add peer")
	}

	now := h.clock.Now()
	reply, err := h.codec.Encode(wire.TimeSync{Timestamp: uint64(now.Unix())})
	if err != nil {
		return fmt.Errorf("encode session start: %w", err)
	}
	if err := h.transport.Send(ctx, id, reply); err != nil {
		log.Warn().Err(err).Msg("failed to send session start")
	}

	if regErr == nil {
		log.Info().Bool("new", isNew).Int("announcements", rec.Announcements).Msg("sensor announced")
	}
	// an unregistered sensor is reported as not new
	h.notify.Notify(events.Event{
		Type:    events.SensorDiscovered,
		Time:    now,
		Sensor:  id,
		New:     isNew && regErr == nil,
		Session: session,
	})
	return regErr
}
