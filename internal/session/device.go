package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/radio"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/timeutil"
	"github.com/banshee-data/tiderelay/internal/wire"
)

// DeviceConfig wires a Device.
type DeviceConfig struct {
	Transport radio.Transport
	Codec     wire.Codec
	Session   *Session
	Log       *Log
	Clock     timeutil.Clock
	Logger    zerolog.Logger
	SensorID  uint16
	Water     WaterSample
	// Depth returns the current depth in millimetres.
	Depth func(now time.Time) int16
	// Color returns the camera colour, or ok false when no reading is available.
	Color func() (rgb [3]uint8, ok bool)
	// SampleInterval and AnnounceInterval drive Run.
	SampleInterval   time.Duration
	AnnounceInterval time.Duration
}

// Device is a simulated sensor: it announces until synced, logs samples,
// and flushes its log to the receiver on upload requests.
type Device struct {
	cfg DeviceConfig
	log zerolog.Logger
}

func NewDevice(cfg DeviceConfig) *Device {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 5 * time.Second
	}
	return &Device{cfg: cfg, log: cfg.Logger}
}

// Now returns the local clock corrected by the last time sync.
func (d *Device) Now() time.Time {
	return d.cfg.Clock.Now().Add(d.cfg.Session.Offset)
}

// Announce broadcasts a new-sensor discovery.
func (d *Device) Announce(ctx context.Context) error {
	b, err := d.cfg.Codec.Encode(wire.Broadcast{Type: wire.NewSensor})
	if err != nil {
		return err
	}
	return d.cfg.Transport.Broadcast(ctx, b)
}

// Sample logs one reading.
func (d *Device) Sample() error {
	rec := Record{}
	if d.cfg.Session.Synced {
		rec.UnixS = uint32(d.Now().Unix())
		rec.Flags |= FlagTimeValid
	}
	if d.cfg.Depth != nil {
		rec.DepthMM = d.cfg.Depth(d.Now())
	}
	if d.cfg.Color != nil {
		if rgb, ok := d.cfg.Color(); ok {
			rec.R, rec.G, rec.B = rgb[0], rgb[1], rgb[2]
			rec.Flags |= FlagColorValid
		}
	}
	return d.cfg.Log.Append(rec)
}

// Handle applies one datagram from the receiver.
func (d *Device) Handle(ctx context.Context, dg radio.Datagram) {
	rec, err := d.cfg.Codec.Decode(dg.Data)
	if err != nil {
		d.log.Debug().Err(err).Msg("ignoring datagram")
		return
	}
	switch r := rec.(type) {
	case wire.TimeSync:
		if err := d.applySync(ctx, dg.From, r); err != nil {
			d.log.Warn().Err(err).Msg("failed to apply time sync")
		}
	case wire.UploadRequest:
		if r.Magic != wire.UploadMagic {
			return
		}
		if err := d.Flush(ctx, dg.From); err != nil {
			d.log.Warn().Err(err).Msg("flush failed")
		}
	}
}

func (d *Device) applySync(ctx context.Context, from sensor.Identity, ts wire.TimeSync) error {
	remote := time.Unix(int64(ts.Timestamp), 0).UTC()
	s := d.cfg.Session
	s.Offset = remote.Sub(d.cfg.Clock.Now())
	s.LastSync = remote
	s.Synced = true
	s.Receiver = from
	if _, err := d.cfg.Transport.EnsurePeer(ctx, from); err != nil {
		return err
	}
	return s.Save()
}

// Flush sends the whole log as one sequence to receiver. Once every packet
// is handed to the radio the advanced session is saved, then the log is
// cleared. A failed send or save leaves the log and the persisted id for
// the next request; a failed clear only costs a resend under the next id.
func (d *Device) Flush(ctx context.Context, receiver sensor.Identity) error {
	records, err := d.cfg.Log.ReadAll()
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	s := d.cfg.Session
	packets, err := Chunk(records, s.SequenceID, d.cfg.SensorID, d.cfg.Water)
	if err != nil {
		return err
	}
	if _, err := d.cfg.Transport.EnsurePeer(ctx, receiver); err != nil {
		return err
	}

	prev := s.State
	if s.RotatePending {
		if err := d.send(ctx, receiver, wire.Rotate{SequenceID: s.SequenceID}); err != nil && !errors.Is(err, wire.ErrUnsupported) {
			return err
		}
		s.RotatePending = false
	}
	for _, p := range packets {
		if err := d.send(ctx, receiver, p); err != nil {
			s.State = prev
			return fmt.Errorf("send packet %d/%d: %w", p.PacketNum, p.Total, err)
		}
	}

	s.Advance()
	if err := s.Save(); err != nil {
		s.State = prev
		return err
	}
	d.log.Info().Uint16("sequence_id", prev.SequenceID).Int("packets", len(packets)).Int("records", len(records)).Msg("log flushed")
	if err := d.cfg.Log.Clear(); err != nil {
		return fmt.Errorf("clear log: %w", err)
	}
	return nil
}

func (d *Device) send(ctx context.Context, to sensor.Identity, rec wire.Record) error {
	b, err := d.cfg.Codec.Encode(rec)
	if err != nil {
		return err
	}
	return d.cfg.Transport.Send(ctx, to, b)
}

// Run serves the transport, announces until synced and samples on its
// interval until ctx is done. Datagrams are applied on the same goroutine
// as sampling, so the session is never touched concurrently.
func (d *Device) Run(ctx context.Context) error {
	inbox := make(chan radio.Datagram, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- d.cfg.Transport.Serve(ctx, func(ctx context.Context, dg radio.Datagram) {
			select {
			case inbox <- dg:
			case <-ctx.Done():
			}
		})
	}()

	sample := d.cfg.Clock.NewTicker(d.cfg.SampleInterval)
	defer sample.Stop()
	announce := d.cfg.Clock.NewTicker(d.cfg.AnnounceInterval)
	defer announce.Stop()

	if err := d.Announce(ctx); err != nil {
		d.log.Warn().Err(err).Msg("announce failed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case dg := <-inbox:
			d.Handle(ctx, dg)
		case <-announce.C():
			if d.cfg.Session.Synced {
				continue
			}
			if err := d.Announce(ctx); err != nil {
				d.log.Warn().Err(err).Msg("announce failed")
			}
		case <-sample.C():
			if err := d.Sample(); err != nil {
				d.log.Warn().Err(err).Msg("sample failed")
			}
		}
	}
}
