// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks resolve-or-create calls by outcome
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Total number of entity resolutions by entity type and outcome",
		},
		[]string{"entity_type", "outcome"},
	)

	// ConflictsRecovered tracks lost uniqueness races that were re-queried
	ConflictsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolver",
			Name:      "conflicts_recovered_total",
			Help:      "Total number of optimistic create conflicts recovered by re-query",
		},
		[]string{"entity_type"},
	)

	// OracleCallsTotal tracks disambiguation oracle calls by result
	OracleCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolver",
			Name:      "oracle_calls_total",
			Help:      "Total number of disambiguation oracle calls by result",
		},
		[]string{"result"},
	)

	// SyncRecordsTotal tracks sync record transitions
	SyncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Total number of sync record transitions by source and status",
		},
		[]string{"source", "status"},
	)

	// SyncPassDuration tracks sync pass duration in seconds
	SyncPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of sync passes in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"source"},
	)

	// SyncPassErrors tracks per-record failures during sync passes
	SyncPassErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "record_errors_total",
			Help:      "Total number of records that failed during a sync pass",
		},
		[]string{"source"},
	)

	// FacetsTotal tracks facet insert attempts by result
	FacetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "facets",
			Name:      "add_total",
			Help:      "Total number of facet add attempts by facet type and result",
		},
		[]string{"facet_type", "result"},
	)

	// MergesTotal tracks duplicate entities merged away
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merging",
			Name:      "entities_merged_total",
			Help:      "Total number of duplicate entities deactivated by merges",
		},
		[]string{"entity_type"},
	)

	// ScheduledRunsTotal tracks cron-triggered sync passes by result
	ScheduledRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Total number of scheduled sync passes by source and result",
		},
		[]string{"source", "result"},
	)

	// EventsPublished tracks events written to Kafka
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of events published by type and status",
		},
		[]string{"event_type", "status"},
	)
)

// RecordResolution records a resolve-or-create outcome
func RecordResolution(entityType, outcome string) {
	ResolutionsTotal.WithLabelValues(entityType, outcome).Inc()
}

// RecordConflictRecovered records a recovered create race
func RecordConflictRecovered(entityType string) {
	ConflictsRecovered.WithLabelValues(entityType).Inc()
}

// RecordOracleCall records an oracle result: "hit", "miss" or "unavailable"
func RecordOracleCall(result string) {
	OracleCallsTotal.WithLabelValues(result).Inc()
}

// RecordSyncTransition records one sync record landing in status
func RecordSyncTransition(source, status string) {
	SyncRecordsTotal.WithLabelValues(source, status).Inc()
}

// RecordSyncPass records the duration and failures of a finished sync pass
func RecordSyncPass(source string, duration time.Duration, errors int) {
	SyncPassDuration.WithLabelValues(source).Observe(duration.Seconds())
	if errors > 0 {
		SyncPassErrors.WithLabelValues(source).Add(float64(errors))
	}
}

// RecordFacet records a facet add attempt: "created" or "duplicate"
func RecordFacet(facetType, result string) {
	FacetsTotal.WithLabelValues(facetType, result).Inc()
}

// RecordMerged records entities deactivated by a merge
func RecordMerged(entityType string, count int) {
	MergesTotal.WithLabelValues(entityType).Add(float64(count))
}

// RecordEvent records a published event
func RecordEvent(eventType, status string) {
	EventsPublished.WithLabelValues(eventType, status).Inc()
}

// RecordScheduledRun records a scheduled pass: "ok", "failed" or "skipped"
func RecordScheduledRun(source, result string) {
	ScheduledRunsTotal.WithLabelValues(source, result).Inc()
}
