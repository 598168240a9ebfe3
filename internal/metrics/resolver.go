package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolverLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audiogate_resolver_lookups_total",
	Help: "Stream locator lookups by outcome (cache_hit, resolved, not_found, error)",
}, []string{"outcome"})

// RecordResolverLookup counts one locator lookup.
func RecordResolverLookup(outcome string) {
	resolverLookups.WithLabelValues(outcome).Inc()
}
