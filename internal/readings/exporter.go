package readings

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/db"
	"github.com/banshee-data/tiderelay/internal/events"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/wire"
)

// Source reads back the packets of a stored sequence.
type Source interface {
	PacketKeys(ctx context.Context, id sensor.Identity, seq uint16) (map[uint8]string, error)
	ReadPacket(key string) (wire.DataPacket, error)
}

type job struct {
	id  sensor.Identity
	seq uint16
}

// Exporter writes completed sequences to the readings table. It is an
// events.Notifier: completions are queued and exported by Run.
type Exporter struct {
	db     *db.DB
	src    Source
	notify events.Notifier
	log    zerolog.Logger
	now    func() time.Time

	queue chan job
	done  chan struct{}

	mu      sync.Mutex
	dropped int
}

// NewExporter returns an Exporter. queueSize bounds pending exports.
func NewExporter(d *db.DB, src Source, notify events.Notifier, log zerolog.Logger, queueSize int) *Exporter {
	if notify == nil {
		notify = events.Nop
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Exporter{
		db:     d,
		src:    src,
		notify: notify,
		log:    log,
		now:    time.Now,
		queue:  make(chan job, queueSize),
		done:   make(chan struct{}),
	}
}

// Notify queues an export for SequenceComplete events.
func (e *Exporter) Notify(ev events.Event) {
	if ev.Type != events.SequenceComplete {
		return
	}
	select {
	case e.queue <- job{id: ev.Sensor, seq: ev.SequenceID}:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.log.Warn().Str("sensor", ev.Sensor.String()).Uint16("sequence_id", ev.SequenceID).Msg("export queue full; sequence not exported")
	}
}

// Dropped returns how many completions were not queued.
func (e *Exporter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Run exports queued sequences until ctx is done. An export already in
// progress when ctx is cancelled runs to completion.
func (e *Exporter) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.queue:
			e.run(context.WithoutCancel(ctx), j)
		}
	}
}

// Drain exports every queued sequence and returns once the queue is empty.
func (e *Exporter) Drain(ctx context.Context) {
	for {
		select {
		case j := <-e.queue:
			e.run(ctx, j)
		default:
			return
		}
	}
}

func (e *Exporter) run(ctx context.Context, j job) {
	if _, err := e.Export(ctx, j.id, j.seq); err != nil {
		e.log.Error().Err(err).Str("sensor", j.id.String()).Uint16("sequence_id", j.seq).Msg("export failed")
	}
}

// Wait blocks until Run has returned.
func (e *Exporter) Wait() { <-e.done }

// Export writes every stored packet of a sequence to the readings table,
// replacing earlier rows, and records a summary.
func (e *Exporter) Export(ctx context.Context, id sensor.Identity, seq uint16) (events.Summary, error) {
	keys, err := e.src.PacketKeys(ctx, id, seq)
	if err != nil {
		return events.Summary{}, err
	}
	nums := make([]int, 0, len(keys))
	for n := range keys {
		nums = append(nums, int(n))
	}
	sort.Ints(nums)

	var rows []Row
	for _, n := range nums {
		p, err := e.src.ReadPacket(keys[uint8(n)])
		if err != nil {
			return events.Summary{}, fmt.Errorf("read packet %d: %w", n, err)
		}
		r, err := Expand(id, p)
		if err != nil {
			return events.Summary{}, err
		}
		rows = append(rows, r...)
	}
	summary := Summarize(rows, len(nums))

	if err := e.write(ctx, id, seq, rows, summary); err != nil {
		return events.Summary{}, err
	}
	e.log.Info().
		Str("sensor", id.String()).
		Uint16("sequence_id", seq).
		Int("samples", summary.Samples).
		Float64("depth_mean", summary.DepthMean).
		Float64("depth_stddev", summary.DepthStdDev).
		Msg("sequence exported")
	e.notify.Notify(events.Event{
		Type:       events.SequenceExported,
		Sensor:     id,
		SequenceID: seq,
		Summary:    &summary,
	})
	return summary, nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func (e *Exporter) write(ctx context.Context, id sensor.Identity, seq uint16, rows []Row, s events.Summary) error {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE sensor = ? AND sequence_id = ?`, id.String(), seq); err != nil {
		return fmt.Errorf("clear readings: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO readings (sensor, sequence_id, packet_num, sample, sensor_id, ts_unix, depth, temperature, salinity) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, id.String(), seq, r.PacketNum, r.Sample, r.SensorID, r.Time.Unix(), r.Depth, nullable(r.Temperature), nullable(r.Salinity)); err != nil {
			return fmt.Errorf("insert reading %d/%d: %w", r.PacketNum, r.Sample, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO sequence_exports (sensor, sequence_id, packets, samples, depth_mean, depth_stddev, depth_min, depth_max, exported_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sensor, sequence_id) DO UPDATE SET packets=excluded.packets, samples=excluded.samples, depth_mean=excluded.depth_mean, depth_stddev=excluded.depth_stddev, depth_min=excluded.depth_min, depth_max=excluded.depth_max, exported_at=excluded.exported_at`,
		id.String(), seq, s.Packets, s.Samples, s.DepthMean, s.DepthStdDev, s.DepthMin, s.DepthMax, e.now().Unix()); err != nil {
		return fmt.Errorf("record export: %w", err)
	}
	return tx.Commit()
}

// Rows returns the exported rows of a sequence ordered by time.
func (e *Exporter) Rows(ctx context.Context, id sensor.Identity, seq uint16) ([]Row, error) {
	return Query(ctx, e.db, id, seq)
}

// Exports lists recorded exports, newest first.
func (e *Exporter) Exports(ctx context.Context, limit int) ([]ExportRecord, error) {
	return Exports(ctx, e.db, limit)
}

// Query reads exported rows of a sequence from d.
func Query(ctx context.Context, d *db.DB, id sensor.Identity, seq uint16) ([]Row, error) {
	rs, err := d.QueryContext(ctx, `SELECT packet_num, sample, sensor_id, ts_unix, depth, temperature, salinity FROM readings WHERE sensor = ? AND sequence_id = ? ORDER BY ts_unix, packet_num, sample`, id.String(), seq)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []Row
	for rs.Next() {
		r := Row{Sensor: id, SequenceID: seq}
		var ts int64
		var temp, sal sql.NullFloat64
		if err := rs.Scan(&r.PacketNum, &r.Sample, &r.SensorID, &ts, &r.Depth, &temp, &sal); err != nil {
			return nil, err
		}
		r.Time = time.Unix(ts, 0).UTC()
		if temp.Valid {
			r.Temperature = &temp.Float64
		}
		if sal.Valid {
			r.Salinity = &sal.Float64
		}
		out = append(out, r)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ExportRecord is the persisted summary of one sequence.
type ExportRecord struct {
	Sensor     sensor.Identity `json:"sensor"`
	SequenceID uint16          `json:"sequence_id"`
	Summary    events.Summary  `json:"summary"`
	ExportedAt time.Time       `json:"exported_at"`
}

// Exports lists recorded exports, newest first.
func Exports(ctx context.Context, d *db.DB, limit int) ([]ExportRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rs, err := d.QueryContext(ctx, `SELECT sensor, sequence_id, packets, samples, depth_mean, depth_stddev, depth_min, depth_max, exported_at FROM sequence_exports ORDER BY exported_at DESC, sensor, sequence_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []ExportRecord
	for rs.Next() {
		var rec ExportRecord
		var name string
		var at int64
		s := &rec.Summary
		if err := rs.Scan(&name, &rec.SequenceID, &s.Packets, &s.Samples, &s.DepthMean, &s.DepthStdDev, &s.DepthMin, &s.DepthMax, &at); err != nil {
			return nil, err
		}
		id, err := sensor.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("export row sensor %q: %w", name, err)
		}
		rec.Sensor = id
		rec.ExportedAt = time.Unix(at, 0).UTC()
		out = append(out, rec)
	}
	return out, rs.Err()
}
