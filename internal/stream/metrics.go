package stream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects stream telemetry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	outcomes        *prometheus.CounterVec
	chunks          prometheus.Counter
	fallbacks       prometheus.Counter
	duration        prometheus.Histogram
	activeProducers prometheus.Gauge
}

// NewMetrics creates the stream collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "stream",
			Name:      "outcomes_total",
			Help:      "Streaming requests by final outcome.",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Chunks delivered to clients.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "stream",
			Name:      "fallbacks_total",
			Help:      "Streams that hit the deadline and fell back to a blocking call.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "synapse",
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Wall time of streaming requests.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		activeProducers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "synapse",
			Subsystem: "stream",
			Name:      "active_producers",
			Help:      "Producer goroutines currently running.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.outcomes, m.chunks, m.fallbacks, m.duration, m.activeProducers)
	}
	return m
}

func (m *Metrics) observeOutcome(o Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o)).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) chunkSent() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) producerStarted() {
	if m == nil {
		return
	}
	m.activeProducers.Inc()
}

func (m *Metrics) producerStopped() {
	if m == nil {
		return
	}
	m.activeProducers.Dec()
}
