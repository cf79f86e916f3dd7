package events

import (
	"fmt"
	"strings"
)

// Page renders an event as the six-line operator page shown on the
// receiver display. Events with no page return "".
func Page(e Event) string {
	var lines []string
	switch e.Type {
	case PacketStored, SequenceComplete:
		lines = []string{
			"PACKET RECEIVED",
			"Sensor ID: " + strings.ToLower(e.Sensor.String()),
			fmt.Sprintf("Sequence ID: %d", e.SequenceID),
			fmt.Sprintf("Packet Number: %d", e.PacketNum),
			"Packets Received",
			fmt.Sprintf("%d/%d", e.Received, e.Total),
		}
	case SensorDiscovered:
		lines = []string{
			"NEW SENSOR STARTED",
			"Sensor ID: " + strings.ToLower(e.Sensor.String()),
		}
	default:
		return ""
	}
	return strings.Join(lines, "\n")
}

// Display keeps the most recent page.
type Display struct {
	ring *Ring
}

// NewDisplay returns a Display reading pages from r.
func NewDisplay(r *Ring) *Display { return &Display{ring: r} }

// Current returns the page for the newest event that has one.
func (d *Display) Current() string {
	recent := d.ring.Recent(0)
	for i := len(recent) - 1; i >= 0; i-- {
		if p := Page(recent[i]); p != "" {
			return p
		}
	}
	return ""
}
