package domain

import "time"

// RateLimitSnapshot is the most recent limit/remaining/reset state reported
// by the backend. Snapshots are replaced wholesale whenever a fresher one
// arrives from a streaming init event or a batch response; fields are never
// merged individually.
type RateLimitSnapshot struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

// Exhausted reports whether the snapshot shows no remaining quota.
func (s RateLimitSnapshot) Exhausted() bool {
	return s.Limit > 0 && s.Remaining == 0
}

// SessionState is the lifecycle state of a search session.
type SessionState string

// Session lifecycle states. Idle and Done are the only states in which a new
// search does not need to cancel prior work.
const (
	StateIdle             SessionState = "idle"
	StateStreaming        SessionState = "streaming"
	StateAggregatingBatch SessionState = "aggregating_batch"
	StateRetrying         SessionState = "retrying"
	StateDone             SessionState = "done"
	StateError            SessionState = "error"
)

// Terminal reports whether the state admits a new search without cancelling
// in-flight work.
func (s SessionState) Terminal() bool {
	return s == StateIdle || s == StateDone || s == StateError
}

// SearchMode tags how a session's results are being delivered.
type SearchMode string

// Search delivery modes.
const (
	ModeStreaming      SearchMode = "streaming"
	ModeAggregateBatch SearchMode = "aggregate_batch"
)

// SearchSession holds the state of one logical search: its query, the
// results gathered so far, the dedupe set guarding them, and delivery
// metadata. A session is owned by exactly one controller and mutated only by
// the controller and the consumer it currently runs.
type SearchSession struct {
	ID        string
	Query     string
	Cap       int
	Results   []Record
	Mode      SearchMode
	State     SessionState
	RateLimit *RateLimitSnapshot

	// Source, Cached and SearchTime describe how the current result set was
	// produced, as reported by the batch surface.
	Source     string
	Cached     bool
	SearchTime time.Duration

	seen map[string]struct{}
}

// NewSearchSession creates an idle session for the given id.
func NewSearchSession(id string) *SearchSession {
	return &SearchSession{
		ID:    id,
		State: StateIdle,
		seen:  map[string]struct{}{},
	}
}

// SeenKey reports whether a dedupe key is already present in the session.
func (s *SearchSession) SeenKey(key string) bool {
	_, ok := s.seen[key]
	return ok
}

// Add appends a record unless its dedupe key is already present or the
// result list has reached the session cap. Duplicates and overflow are
// dropped silently; the return value reports whether the record was kept.
func (s *SearchSession) Add(r Record) bool {
	key := DedupeKeyFor(r)
	if _, dup := s.seen[key]; dup {
		return false
	}
	if s.Cap > 0 && len(s.Results) >= s.Cap {
		return false
	}
	s.seen[key] = struct{}{}
	s.Results = append(s.Results, r)
	return true
}

// Seed marks a record's dedupe key as seen and appends it without the cap
// check. Used when resuming a persisted session, so that live deduplication
// and resume seeding never disagree.
func (s *SearchSession) Seed(r Record) bool {
	key := DedupeKeyFor(r)
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	s.Results = append(s.Results, r)
	return true
}

// Finalize sorts the gathered results by descending parsed year, missing
// years last.
func (s *SearchSession) Finalize() {
	SortByYearDesc(s.Results)
}

// Reset clears results, dedupe state and metadata, returning the session to
// idle. The session id and query are preserved unless cleared by the caller.
func (s *SearchSession) Reset() {
	s.Results = nil
	s.seen = map[string]struct{}{}
	s.State = StateIdle
	s.Mode = ""
	s.Source = ""
	s.Cached = false
	s.SearchTime = 0
}
