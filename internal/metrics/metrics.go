// Package metrics holds the Prometheus collectors shared by the data layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "amrhunter"

var (
	// CacheRequests counts memoized reads by outcome (hit, miss, error).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Memoized read requests by key prefix and result.",
	}, []string{"prefix", "result"})

	// Batches counts processed write batches by outcome.
	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "batches_total",
		Help:      "Write batches processed, by outcome.",
	}, []string{"outcome"})

	// BatchItems counts items written through the batch processor.
	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "items_total",
		Help:      "Items handed to the batch processor, by outcome.",
	}, []string{"outcome"})

	// JobTransitions counts applied and rejected job status transitions.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Job status transitions by source, target and result.",
	}, []string{"from", "to", "result"})

	// DAOErrors counts storage failures surfaced by the DAOs.
	DAOErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Storage errors by DAO operation.",
	}, []string{"op"})
)

// PoolStats is the snapshot RegisterPool reads on every scrape.
type PoolStats struct {
	Acquired int32
	Idle     int32
	Total    int32
	Max      int32
}

// RegisterPool exports connection pool gauges read from stats on each scrape.
func RegisterPool(reg prometheus.Registerer, stats func() PoolStats) error {
	gauge := func(name, help string, pick func(PoolStats) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}

	collectors := []prometheus.Collector{
		gauge("acquired_conns", "Connections currently checked out.", func(s PoolStats) int32 { return s.Acquired }),
		gauge("idle_conns", "Idle connections.", func(s PoolStats) int32 { return s.Idle }),
		gauge("total_conns", "Open connections.", func(s PoolStats) int32 { return s.Total }),
		gauge("max_conns", "Configured maximum connections.", func(s PoolStats) int32 { return s.Max }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
