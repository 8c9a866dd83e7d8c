package sshpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pool activity to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	size         prometheus.Gauge
	events       *prometheus.CounterVec
	dialDuration prometheus.Histogram
}

// NewMetrics creates pool metrics and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Subsystem: "pool",
			Name:      "sessions",
			Help:      "Number of pooled SSH sessions.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "pool",
			Name:      "events_total",
			Help:      "Pool lifecycle events by type.",
		}, []string{"type"}),
		dialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scout",
			Subsystem: "pool",
			Name:      "dial_duration_seconds",
			Help:      "Time spent establishing new SSH sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.size, m.events, m.dialDuration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) setSize(n int) {
	if m == nil {
		return
	}
	m.size.Set(float64(n))
}

func (m *Metrics) countEvent(typ PoolEventType) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) observeDial(d time.Duration) {
	if m == nil {
		return
	}
	m.dialDuration.Observe(d.Seconds())
}
