package search

import (
	"strings"
	"sync"
	"time"
)

// ledgerKey identifies one attempted search: normalized query plus requested cap.
type ledgerKey struct {
	query string
	cap   int
}

// CooldownLedger records the last attempt time per (normalized query, cap)
// pair and suppresses immediate identical re-submissions. It exists to absorb
// accidental rapid repeats, not to throttle legitimate distinct queries.
//
// The ledger is the only state shared between independent search sessions:
// it is process-scoped for the lifetime of whoever constructs it and safe for
// concurrent use by multiple controllers. Entries are never evicted;
// staleness is decided by timestamp comparison at read time.
type CooldownLedger struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	entries  map[ledgerKey]time.Time
}

// NewCooldownLedger creates a ledger with the given suppression interval.
// now may be nil, in which case time.Now is used; tests inject a fake clock.
func NewCooldownLedger(interval time.Duration, now func() time.Time) *CooldownLedger {
	if now == nil {
		now = time.Now
	}
	return &CooldownLedger{
		interval: interval,
		now:      now,
		entries:  map[ledgerKey]time.Time{},
	}
}

// Allow reports whether a search for the given query and cap may proceed.
// A missing entry means "never attempted" and always allows.
func (l *CooldownLedger) Allow(query string, cap int) bool {
	if l == nil || l.interval <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.entries[ledgerKey{normalizeQuery(query), cap}]
	if !ok {
		return true
	}
	return l.now().Sub(last) >= l.interval
}

// Record stores the current time as the last attempt for the query and cap.
func (l *CooldownLedger) Record(query string, cap int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[ledgerKey{normalizeQuery(query), cap}] = l.now()
}

// normalizeQuery folds case and collapses whitespace so that trivially
// re-typed queries hit the same ledger entry.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
