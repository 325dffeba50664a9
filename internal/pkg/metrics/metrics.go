// Package metrics provides Prometheus instrumentation for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scavenger_sync"

var (
	repositoryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repository_attempts_total",
		Help:      "Repository operation attempts, including retries.",
	}, []string{"resource", "operation"})

	repositoryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repository_retries_total",
		Help:      "Repository attempts beyond the first for one operation.",
	}, []string{"resource", "operation"})

	repositoryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repository_errors_total",
		Help:      "Repository operations that failed after classification.",
	}, []string{"resource", "kind"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leaderboard_cache_hits_total",
		Help:      "Leaderboard page reads served from the TTL cache.",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leaderboard_cache_misses_total",
		Help:      "Leaderboard page reads that went to the remote store.",
	})

	pushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leaderboard_push_events_total",
		Help:      "Push events received, by subscription stream.",
	}, []string{"stream"})

	pushDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leaderboard_push_duplicates_total",
		Help:      "Consecutive identical push payloads dropped before fan-out.",
	})

	optimisticUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leaderboard_optimistic_updates_total",
		Help:      "Optimistic local reorderings applied to the cached page.",
	})

	migrationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "migration_runs_total",
		Help:      "Migration attempts by outcome.",
	}, []string{"outcome"})

	cachedEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leaderboard_cached_entries",
		Help:      "Entries held in the cached leaderboard page.",
	})
)

func RecordRepositoryAttempt(resource, operation string) {
	repositoryAttempts.WithLabelValues(resource, operation).Inc()
}

func RecordRepositoryRetry(resource, operation string) {
	repositoryRetries.WithLabelValues(resource, operation).Inc()
}

func RecordRepositoryError(resource, kind string) {
	repositoryErrors.WithLabelValues(resource, kind).Inc()
}

func RecordCacheHit()  { cacheHits.Inc() }
func RecordCacheMiss() { cacheMisses.Inc() }

func RecordPushEvent(stream string) { pushEvents.WithLabelValues(stream).Inc() }
func RecordPushDuplicate()          { pushDuplicates.Inc() }
func RecordOptimisticUpdate()       { optimisticUpdates.Inc() }

func RecordMigrationRun(outcome string) { migrationRuns.WithLabelValues(outcome).Inc() }

func UpdateCachedEntries(n int) { cachedEntries.Set(float64(n)) }
