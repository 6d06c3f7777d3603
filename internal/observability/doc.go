// Package observability provides logging, metrics, and context helpers for
// the literature search client.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for searches, streams, dedupe and retries
//   - Context helpers for propagating session and request identifiers
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	}
//	logger := observability.NewLogger(cfg)
//
// Attach search context where available:
//
//	log := observability.WithSearchContext(logger, query, sessionID)
//
// # Metrics
//
// Metrics register against the default Prometheus registry via promauto:
//
//	metrics := observability.NewMetrics("litsearch")
//	metrics.SearchesStarted.WithLabelValues("streaming").Inc()
package observability
