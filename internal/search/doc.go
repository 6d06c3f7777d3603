// Package search implements the client-side search engine: a session
// controller that prefers the streaming surface, falls back to batch
// aggregation when the stream stalls or breaks, deduplicates and caps
// incoming records, schedules bounded retries after rate limits, and
// resumes persisted sessions.
package search
