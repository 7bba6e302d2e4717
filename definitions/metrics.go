package definitions

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts service outcomes. A nil *Metrics records nothing.
type Metrics struct {
	operations      *prometheus.CounterVec
	inconsistencies *prometheus.CounterVec
}

// NewMetrics creates the service collectors and registers them with reg.
// One Metrics value is shared by the services of every kind.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api4cep",
			Subsystem: "definitions",
			Name:      "operations_total",
			Help:      "Definition operations by kind, operation and outcome.",
		}, []string{"kind", "op", "outcome"}),
		inconsistencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "api4cep",
			Name:      "dispatch_inconsistencies_total",
			Help:      "Committed lifecycle changes whose engine notification failed.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.inconsistencies)
	}
	return m
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNameConflict):
		return "name_conflict"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrDispatchUnavailable):
		return "dispatch_unavailable"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}

func (m *Metrics) record(kind Kind, op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(kind), op, outcome(err)).Inc()
}

func (m *Metrics) inconsistent(kind Kind) {
	if m == nil {
		return
	}
	m.inconsistencies.WithLabelValues(string(kind)).Inc()
}
