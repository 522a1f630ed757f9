// Package metrics registers the service's Prometheus collectors. All
// metric types are goroutine-safe; components receive the *Registry and
// touch their counters directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shardsql"

// Registry bundles every collector the service exports.
type Registry struct {
	reg *prometheus.Registry

	QueriesTotal       *prometheus.CounterVec // labels: mode, outcome
	QueryDuration      *prometheus.HistogramVec
	CacheHits          prometheus.Counter
	CacheStale         prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheEvictions     *prometheus.CounterVec // label: reason
	CacheEntries       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec // labels: shard, state
	BusPublished       *prometheus.CounterVec // label: type
	BusDeliveries      *prometheus.CounterVec // label: outcome
	BusDeadLetters     prometheus.Counter
	SplitRowsCopied    *prometheus.CounterVec // label: plan
	SplitEventsReplayed *prometheus.CounterVec // label: plan
	ShardUtilization   *prometheus.GaugeVec // label: shard
	ShardEvents        *prometheus.CounterVec // labels: shard, type
	SessionsActive     prometheus.Gauge
	PoolWaiters        *prometheus.GaugeVec // label: shard
}

// New constructs and registers all collectors on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg: reg,
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway",
			Name: "queries_total", Help: "Queries by consistency mode and outcome",
		}, []string{"mode", "outcome"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gateway",
			Name: "query_duration_seconds", Help: "Query latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "hits_total", Help: "Fresh cache hits",
		}),
		CacheStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "stale_hits_total", Help: "Stale-while-revalidate hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "misses_total", Help: "Cache misses",
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "evictions_total", Help: "Cache evictions by reason",
		}, []string{"reason"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "entries", Help: "Resident cache entries",
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway",
			Name: "breaker_transitions_total", Help: "Circuit breaker state transitions",
		}, []string{"shard", "state"}),
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus",
			Name: "published_total", Help: "Messages published by type",
		}, []string{"type"}),
		BusDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus",
			Name: "deliveries_total", Help: "Consumer deliveries by outcome",
		}, []string{"outcome"}),
		BusDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus",
			Name: "dead_letters_total", Help: "Messages sent to the dead-letter sink",
		}),
		SplitRowsCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "split",
			Name: "rows_copied_total", Help: "Backfill rows copied per plan",
		}, []string{"plan"}),
		SplitEventsReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "split",
			Name: "events_replayed_total", Help: "Tail events replayed per plan",
		}, []string{"plan"}),
		ShardUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "shard",
			Name: "capacity_utilization", Help: "Fraction of max shard size in use",
		}, []string{"shard"}),
		ShardEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shard",
			Name: "events_total", Help: "Change-log events appended",
		}, []string{"shard", "type"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway",
			Name: "sessions_active", Help: "Live sticky sessions",
		}),
		PoolWaiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway",
			Name: "pool_waiters", Help: "Callers queued on a shard connection pool",
		}, []string{"shard"}),
	}

	reg.MustRegister(
		r.QueriesTotal, r.QueryDuration,
		r.CacheHits, r.CacheStale, r.CacheMisses, r.CacheEvictions, r.CacheEntries,
		r.BreakerTransitions,
		r.BusPublished, r.BusDeliveries, r.BusDeadLetters,
		r.SplitRowsCopied, r.SplitEventsReplayed,
		r.ShardUtilization, r.ShardEvents,
		r.SessionsActive, r.PoolWaiters,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
