package search

import (
	"net/http"
	"strconv"
	"time"

	"github.com/helixir/litsearch/internal/domain"
)

// Wire types for the three backend surfaces. Field names follow the JSON
// protocol; durations travel as integer milliseconds and reset times as
// RFC 3339 strings (headers carry epoch milliseconds instead).

// rateLimitInfo is the rate-limit snapshot as it appears in JSON bodies.
type rateLimitInfo struct {
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetTime string `json:"resetTime"`
}

// toSnapshot converts the wire form into a domain snapshot. A malformed or
// absent reset time yields a zero ResetTime, which callers treat as unusable
// for retry scheduling.
func (r *rateLimitInfo) toSnapshot() *domain.RateLimitSnapshot {
	if r == nil {
		return nil
	}
	snap := &domain.RateLimitSnapshot{Limit: r.Limit, Remaining: r.Remaining}
	if t, err := time.Parse(time.RFC3339, r.ResetTime); err == nil {
		snap.ResetTime = t
	}
	return snap
}

// batchResponse is the body of the batch search surface.
type batchResponse struct {
	Success       bool            `json:"success"`
	Papers        []domain.Record `json:"papers"`
	Source        string          `json:"source"`
	Count         int             `json:"count"`
	Cached        bool            `json:"cached"`
	SearchTimeMS  int64           `json:"searchTime"`
	RateLimitInfo *rateLimitInfo  `json:"rateLimitInfo,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// initPayload is the data of a streaming init event.
type initPayload struct {
	Limit     int           `json:"limit"`
	RateLimit rateLimitInfo `json:"rateLimit"`
}

// errorPayload is the data of a provider-scoped streaming error event.
type errorPayload struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// donePayload is the data of a streaming done event.
type donePayload struct {
	Count            int    `json:"count"`
	ProcessingTimeMS int64  `json:"processingTime"`
	Mode             string `json:"mode"`
}

// resumeResponse is the body of the session resume surface. Each persisted
// result wraps the original record.
type resumeResponse struct {
	Session struct {
		ID        string    `json:"id"`
		Query     string    `json:"query"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"session"`
	Results []struct {
		Paper domain.Record `json:"paper"`
	} `json:"results"`
}

// snapshotFromHeaders builds a rate-limit snapshot from X-RateLimit-*
// headers, best-effort. Returns nil when limit or remaining is absent.
// X-RateLimit-Reset carries epoch milliseconds.
func snapshotFromHeaders(h http.Header) *domain.RateLimitSnapshot {
	limit, err1 := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, err2 := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err1 != nil || err2 != nil {
		return nil
	}
	snap := &domain.RateLimitSnapshot{Limit: limit, Remaining: remaining}
	if ms, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil && ms > 0 {
		snap.ResetTime = time.UnixMilli(ms)
	}
	return snap
}

// retryAfterFromHeader parses a Retry-After header as delay seconds or an
// HTTP date. Returns zero when absent or malformed.
func retryAfterFromHeader(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
