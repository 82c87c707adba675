package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts event delivery outcomes.
type Metrics struct {
	Published prometheus.Counter
	Dropped   *prometheus.CounterVec
	Failures  prometheus.Counter
}

// NewMetrics registers the event metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounter(prometheus.CounterOpts{
			Name: "remit_ledger_events_published_total",
			Help: "Ledger events delivered to the sink",
		}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remit_ledger_events_dropped_total",
			Help: "Ledger events dropped before delivery, by reason",
		}, []string{"reason"}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "remit_ledger_events_sink_failures_total",
			Help: "Sink write failures",
		}),
	}
}

func (m *Metrics) incPublished() {
	if m != nil {
		m.Published.Inc()
	}
}

func (m *Metrics) incDropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incFailures() {
	if m != nil {
		m.Failures.Inc()
	}
}
