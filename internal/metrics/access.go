package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var accessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audiogate_access_decisions_total",
	Help: "Content access decisions by outcome and reason",
}, []string{"kind", "reason"})

// RecordAccessDecision counts one evaluated access decision.
func RecordAccessDecision(kind, reason string) {
	accessDecisions.WithLabelValues(kind, reason).Inc()
}
