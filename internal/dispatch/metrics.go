package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	Datagrams   *prometheus.CounterVec
	Malformed   *prometheus.CounterVec
	Stored      *prometheus.CounterVec
	Completed   prometheus.Counter
	StoreErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiderelay",
			Name:      "datagrams_total",
			Help:      "Decoded inbound datagrams by record kind.",
		}, []string{"kind"}),
		Malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiderelay",
			Name:      "malformed_total",
			Help:      "Dropped inbound datagrams by reason.",
		}, []string{"reason"}),
		Stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiderelay",
			Name:      "packets_stored_total",
			Help:      "Data packets handled by the dedup store, split by whether they were new.",
		}, []string{"new"}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiderelay",
			Name:      "sequences_completed_total",
			Help:      "Sequences whose final distinct packet arrived.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiderelay",
			Name:      "store_errors_total",
			Help:      "Dedup store and rotation failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Datagrams, m.Malformed, m.Stored, m.Completed, m.StoreErrors)
	}
	return m
}
