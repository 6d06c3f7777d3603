package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the literature search client.
// Counters are labeled by delivery mode ("streaming" or "aggregate_batch")
// where the distinction is meaningful. All metrics register via promauto
// against the default Prometheus registry.
type Metrics struct {
	// SearchesStarted counts search operations initiated, labeled by mode.
	SearchesStarted *prometheus.CounterVec

	// SearchesCompleted counts searches that finalized successfully, labeled by mode.
	SearchesCompleted *prometheus.CounterVec

	// SearchesFailed counts searches that ended in a surfaced error, labeled by mode.
	SearchesFailed *prometheus.CounterVec

	// SearchDuration observes end-to-end search duration in seconds, labeled by mode.
	SearchDuration *prometheus.HistogramVec

	// RecordsReceived counts records delivered by the backend, labeled by provider source.
	RecordsReceived *prometheus.CounterVec

	// RecordsDuplicate counts records dropped by the dedupe set.
	RecordsDuplicate prometheus.Counter

	// RecordsOverCap counts records dropped because the session cap was reached.
	RecordsOverCap prometheus.Counter

	// StreamFallbacks counts streams abandoned for a batch request, labeled
	// by reason ("stall" or "transport").
	StreamFallbacks *prometheus.CounterVec

	// ProviderErrors counts non-fatal provider-scoped stream errors, labeled by source.
	ProviderErrors *prometheus.CounterVec

	// RetriesScheduled counts rate-limit retries accepted by the scheduler.
	RetriesScheduled prometheus.Counter

	// RetriesDeclined counts rate-limit retries declined because the reset
	// time exceeded the retry ceiling.
	RetriesDeclined prometheus.Counter

	// CooldownSuppressed counts searches silently suppressed by the cooldown gate.
	CooldownSuppressed prometheus.Counter

	// SessionsResumed counts sessions restored from persisted results.
	SessionsResumed prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for subsystem metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SearchesStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_started_total",
			Help:      "Total number of search operations started",
		}, []string{"mode"}),
		SearchesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_completed_total",
			Help:      "Total number of search operations completed successfully",
		}, []string{"mode"}),
		SearchesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_failed_total",
			Help:      "Total number of search operations that failed",
		}, []string{"mode"}),
		SearchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "End-to-end search duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		RecordsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_received_total",
			Help:      "Total number of records delivered by the backend",
		}, []string{"source"}),
		RecordsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_duplicate_total",
			Help:      "Total number of records dropped as duplicates",
		}),
		RecordsOverCap: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_over_cap_total",
			Help:      "Total number of records dropped because the session cap was reached",
		}),
		StreamFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fallbacks_total",
			Help:      "Total number of streams abandoned in favor of a batch request",
		}, []string{"reason"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total number of non-fatal provider-scoped stream errors",
		}, []string{"source"}),
		RetriesScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Total number of rate-limit retries scheduled",
		}),
		RetriesDeclined: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_declined_total",
			Help:      "Total number of rate-limit retries declined as beyond the ceiling",
		}),
		CooldownSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_suppressed_total",
			Help:      "Total number of searches suppressed by the cooldown gate",
		}),
		SessionsResumed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_resumed_total",
			Help:      "Total number of sessions restored from persisted results",
		}),
	}
}
