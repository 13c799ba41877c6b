package usage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
)

type metrics struct {
	// Labels: sink, kind, outcome (ok, error, skipped)
	writes *prometheus.CounterVec

	// Labels: sink
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codebridge",
			Subsystem: "telemetry",
			Name:      "sink_writes_total",
			Help:      "Telemetry sink writes by sink, event kind, and outcome",
		}, []string{"sink", "kind", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codebridge",
			Subsystem: "telemetry",
			Name:      "sink_duration_seconds",
			Help:      "Time spent in one telemetry sink write",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"sink"}),
	}
}

func (m *metrics) observe(res SinkResult) {
	outcome := outcomeOK
	switch {
	case res.Skipped:
		outcome = outcomeSkipped
	case res.Err != nil:
		outcome = outcomeError
	}
	m.writes.WithLabelValues(res.Sink, string(res.Kind), outcome).Inc()
	if !res.Skipped {
		m.duration.WithLabelValues(res.Sink).Observe(res.Duration.Seconds())
	}
}
