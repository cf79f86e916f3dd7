// Package timesource decides whether the relay's clock is trustworthy
// enough to broadcast to sensors.
package timesource

import (
	"time"

	"github.com/banshee-data/tiderelay/internal/timeutil"
)

// Source reports the current time and whether it may be broadcast.
type Source interface {
	Now() time.Time
	Valid() bool
}

// DefaultEpoch is the earliest wall-clock time System accepts. A clock
// behind it has not been set since boot.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// System trusts the host clock once it is past Epoch.
type System struct {
	Clock timeutil.Clock
	Epoch time.Time
}

func NewSystem(clock timeutil.Clock) *System {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &System{Clock: clock, Epoch: DefaultEpoch}
}

func (s *System) Now() time.Time { return s.Clock.Now() }

func (s *System) Valid() bool { return s.Clock.Now().After(s.Epoch) }
