package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts broadcast outcomes. A nil *Metrics records nothing.
type Metrics struct {
	targets  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates broadcast metrics and registers them with reg when reg
// is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "broadcast",
			Name:      "targets_total",
			Help:      "Broadcast targets by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scout",
			Subsystem: "broadcast",
			Name:      "duration_seconds",
			Help:      "Wall-clock time of whole broadcast calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		if err := reg.Register(m.targets); err != nil {
			return nil, err
		}
		if err := reg.Register(m.duration); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(r Report) {
	if m == nil {
		return
	}
	failed := r.Failed()
	m.targets.WithLabelValues("success").Add(float64(len(r.Outcomes) - failed))
	m.targets.WithLabelValues("failure").Add(float64(failed))
	m.duration.Observe(r.Duration.Seconds())
}
