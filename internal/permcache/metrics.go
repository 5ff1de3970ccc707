package permcache

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultHit     = "hit"
	resultMiss    = "miss"
	resultExpired = "expired"
	resultCorrupt = "corrupt"
)

// Metrics observes cache lookups and swallowed storage failures.
type Metrics struct {
	lookups  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewMetrics registers the cache collectors. Collectors already registered by
// an earlier instance are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staffhub_permcache_lookups_total",
		Help: "Permission cache lookups by key namespace and result.",
	}, []string{"namespace", "result"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staffhub_permcache_errors_total",
		Help: "Permission cache storage failures by operation.",
	}, []string{"op"})

	var err error
	if lookups, err = register(reg, lookups); err != nil {
		return nil, err
	}
	if failures, err = register(reg, failures); err != nil {
		return nil, err
	}
	return &Metrics{lookups: lookups, failures: failures}, nil
}

func register(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("permcache metrics: unexpected collector type %T", already.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}

func (m *Metrics) lookup(namespace, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(namespace, result).Inc()
}

func (m *Metrics) failure(op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op).Inc()
}
