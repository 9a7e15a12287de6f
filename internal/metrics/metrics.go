// Package metrics exposes the service's Prometheus instrumentation. All
// collectors are registered on the default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planscope_jobs_created_total",
		Help: "Blueprint jobs accepted for processing.",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planscope_jobs_completed_total",
		Help: "Jobs finished in the completed status, by degraded flag.",
	}, []string{"degraded"})

	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planscope_jobs_failed_total",
		Help: "Jobs finished in the failed status.",
	})

	JobsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planscope_jobs_cancelled_total",
		Help: "Jobs cancelled before completion.",
	})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planscope_cache_hits_total",
		Help: "Stage results served from cache, by stage and tier.",
	}, []string{"stage", "tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planscope_cache_misses_total",
		Help: "Stage cache lookups that missed, by stage.",
	}, []string{"stage"})

	CacheStoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planscope_cache_store_failures_total",
		Help: "Fire-and-forget cache writes dropped after best-effort retry.",
	}, []string{"stage"})

	DetectionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planscope_detection_calls_total",
		Help: "External detection service invocations, by profile and outcome.",
	}, []string{"profile", "outcome"})

	RetriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planscope_retries_exhausted_total",
		Help: "Operations whose retry budget ran out, by operation.",
	}, []string{"op"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planscope_ws_connections",
		Help: "Currently registered websocket subscribers.",
	})

	WSDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planscope_ws_dropped_events_total",
		Help: "Events dropped because a subscriber's send buffer was full.",
	})
)
