package timesource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/serialmux"
	"github.com/banshee-data/tiderelay/internal/timeutil"
)

// GPSBaudRate is the receiver module's fixed line rate.
const GPSBaudRate = 9600

// DefaultStaleAfter is how long a fix stays valid without a new one.
const DefaultStaleAfter = 10 * time.Minute

var (
	ErrNotRMC      = errors.New("not an RMC sentence")
	ErrBadChecksum = errors.New("NMEA checksum mismatch")
)

// RMC is a decoded recommended-minimum sentence.
type RMC struct {
	Time  time.Time
	Fix   bool
	Lat   float64
	Lon   float64
	Speed float64
}

// ParseRMC decodes a $GPRMC or $GNRMC sentence. The checksum is verified
// when present.
func ParseRMC(line string) (RMC, error) {
	var r RMC
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") || len(line) < 7 || line[3:6] != "RMC" {
		return r, ErrNotRMC
	}
	body := line[1:]
	if i := strings.IndexByte(body, '*'); i >= 0 {
		want, err := strconv.ParseUint(body[i+1:], 16, 8)
		if err != nil {
			return r, fmt.Errorf("%w: %q", ErrBadChecksum, body[i+1:])
		}
		body = body[:i]
		var sum byte
		for j := 0; j < len(body); j++ {
			sum ^= body[j]
		}
		if sum != byte(want) {
			return r, fmt.Errorf("%w: got %02X want %02X", ErrBadChecksum, sum, want)
		}
	}

	f := strings.Split(body, ",")
	if len(f) < 10 {
		return r, fmt.Errorf("RMC has %d fields", len(f))
	}
	r.Fix = f[2] == "A"
	if !r.Fix {
		return r, nil
	}

	ts, err := time.Parse("020106 150405", f[9]+" "+f[1])
	if err != nil {
		return r, fmt.Errorf("RMC time %q %q: %w", f[9], f[1], err)
	}
	r.Time = ts.UTC()

	if r.Lat, err = coord(f[3], f[4], 2); err != nil {
		return r, err
	}
	if r.Lon, err = coord(f[5], f[6], 3); err != nil {
		return r, err
	}
	if f[7] != "" {
		if r.Speed, err = strconv.ParseFloat(f[7], 64); err != nil {
			return r, fmt.Errorf("RMC speed: %w", err)
		}
	}
	return r, nil
}

// coord converts NMEA ddmm.mmmm (degWidth digits of degrees) to decimal
// degrees.
func coord(v, hemi string, degWidth int) (float64, error) {
	if v == "" {
		return 0, nil
	}
	if len(v) < degWidth+2 {
		return 0, fmt.Errorf("coordinate %q too short", v)
	}
	deg, err := strconv.ParseFloat(v[:degWidth], 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: %w", v, err)
	}
	mins, err := strconv.ParseFloat(v[degWidth:], 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: %w", v, err)
	}
	d := deg + mins/60
	if hemi == "S" || hemi == "W" {
		d = -d
	}
	return d, nil
}

// GPS tracks the offset between GPS time and the local clock from RMC
// sentences read off a serial mux.
type GPS struct {
	mux        serialmux.SerialMuxInterface
	clock      timeutil.Clock
	staleAfter time.Duration
	log        zerolog.Logger

	mu      sync.RWMutex
	offset  time.Duration
	lastFix time.Time
	last    RMC
	haveFix bool
}

func NewGPS(mux serialmux.SerialMuxInterface, clock timeutil.Clock, staleAfter time.Duration, log zerolog.Logger) *GPS {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &GPS{mux: mux, clock: clock, staleAfter: staleAfter, log: log}
}

// Run consumes sentences until ctx is done or the mux closes. The caller
// runs mux.Monitor.
func (g *GPS) Run(ctx context.Context) error {
	id, lines := g.mux.Subscribe()
	defer g.mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			g.Observe(line)
		}
	}
}

// Observe applies one NMEA line. Non-RMC lines are ignored.
func (g *GPS) Observe(line string) {
	r, err := ParseRMC(line)
	if errors.Is(err, ErrNotRMC) {
		return
	}
	if err != nil {
		g.log.Debug().Err(err).Str("line", line).Msg("bad RMC sentence")
		return
	}
	if !r.Fix {
		return
	}
	local := g.clock.Now()
	g.mu.Lock()
	first := !g.haveFix
	g.offset = r.Time.Sub(local)
	g.lastFix = local
	g.last = r
	g.haveFix = true
	g.mu.Unlock()
	if first {
		g.log.Info().Time("gps_time", r.Time).Float64("lat", r.Lat).Float64("lon", r.Lon).Msg("GPS fix acquired")
	}
}

// Now returns the local clock corrected to GPS time. Before the first fix
// it is the local clock.
func (g *GPS) Now() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clock.Now().Add(g.offset)
}

// Valid reports whether a fix was seen within the staleness window.
func (g *GPS) Valid() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.haveFix && g.clock.Since(g.lastFix) < g.staleAfter
}

// Last returns the most recent fix.
func (g *GPS) Last() (RMC, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last, g.haveFix
}
