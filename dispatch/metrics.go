package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments publishes. A nil *Metrics records nothing.
type Metrics struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the dispatch collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api4cep",
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Messages published to the CEP engine by queue and outcome.",
		}, []string{"queue", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "api4cep",
			Subsystem: "dispatch",
			Name:      "publish_duration_seconds",
			Help:      "Time spent connecting and publishing one message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.duration)
	}
	return m
}

func (m *Metrics) observe(queue string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.messages.WithLabelValues(queue, outcome).Inc()
	m.duration.WithLabelValues(queue).Observe(elapsed.Seconds())
}
