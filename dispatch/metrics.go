package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	notifications *prometheus.CounterVec
	duration      prometheus.Histogram
}

// newMetrics builds the collectors and registers them with reg when non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pushregistry",
			Name:      "notifications_total",
			Help:      "Push notification attempts by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pushregistry",
			Name:      "send_duration_seconds",
			Help:      "Time spent delivering one notification, including registry reads.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.notifications, m.duration)
	}
	return m
}

func (m *metrics) observe(o Outcome, d time.Duration) {
	m.notifications.WithLabelValues(string(o)).Inc()
	m.duration.Observe(d.Seconds())
}
