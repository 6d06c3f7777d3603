package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchSessionAdd(t *testing.T) {
	t.Run("drops duplicate dedupe keys silently", func(t *testing.T) {
		s := NewSearchSession("sess-1")
		s.Cap = 10

		require.True(t, s.Add(Record{DOI: "10.1/a", Title: "first copy", Source: "semantic_scholar"}))
		assert.False(t, s.Add(Record{DOI: "10.1/a", Title: "second copy", Source: "pubmed"}))

		require.Len(t, s.Results, 1)
		assert.Equal(t, "first copy", s.Results[0].Title)
	})

	t.Run("enforces the session cap", func(t *testing.T) {
		s := NewSearchSession("sess-1")
		s.Cap = 2

		assert.True(t, s.Add(Record{ID: "1"}))
		assert.True(t, s.Add(Record{ID: "2"}))
		assert.False(t, s.Add(Record{ID: "3"}))
		assert.Len(t, s.Results, 2)
	})

	t.Run("zero cap means unbounded", func(t *testing.T) {
		s := NewSearchSession("sess-1")
		for i := 0; i < 100; i++ {
			s.Add(Record{ID: string(rune('a' + i))})
		}
		assert.Len(t, s.Results, 100)
	})
}

func TestSearchSessionSeed(t *testing.T) {
	t.Run("seeded records guard later live delivery", func(t *testing.T) {
		s := NewSearchSession("sess-1")
		s.Cap = 10

		require.True(t, s.Seed(Record{DOI: "10.1/a"}))
		assert.False(t, s.Add(Record{DOI: "10.1/a"}))
		assert.Len(t, s.Results, 1)
	})

	t.Run("seeding ignores the cap", func(t *testing.T) {
		s := NewSearchSession("sess-1")
		s.Cap = 1

		assert.True(t, s.Seed(Record{ID: "1"}))
		assert.True(t, s.Seed(Record{ID: "2"}))
		assert.Len(t, s.Results, 2)
	})

	t.Run("seeding twice is idempotent", func(t *testing.T) {
		s := NewSearchSession("sess-1")

		assert.True(t, s.Seed(Record{ID: "1"}))
		assert.False(t, s.Seed(Record{ID: "1"}))
		assert.Len(t, s.Results, 1)
	})
}

func TestSearchSessionReset(t *testing.T) {
	s := NewSearchSession("sess-1")
	s.Query = "crispr"
	s.Cap = 5
	s.Add(Record{ID: "1"})
	s.State = StateDone
	s.Mode = ModeStreaming
	s.Source = "cache"
	s.Cached = true
	s.SearchTime = time.Second

	s.Reset()

	assert.Empty(t, s.Results)
	assert.Equal(t, StateIdle, s.State)
	assert.Empty(t, string(s.Mode))
	assert.Empty(t, s.Source)
	assert.False(t, s.Cached)
	assert.Zero(t, s.SearchTime)
	// Identity survives a reset; dedupe state does not.
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, "crispr", s.Query)
	assert.True(t, s.Add(Record{ID: "1"}))
}

func TestSessionStateTerminal(t *testing.T) {
	assert.True(t, StateIdle.Terminal())
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateStreaming.Terminal())
	assert.False(t, StateAggregatingBatch.Terminal())
	assert.False(t, StateRetrying.Terminal())
}

func TestRateLimitSnapshotExhausted(t *testing.T) {
	assert.True(t, RateLimitSnapshot{Limit: 10, Remaining: 0}.Exhausted())
	assert.False(t, RateLimitSnapshot{Limit: 10, Remaining: 3}.Exhausted())
	// A zero-value snapshot reports nothing about quota.
	assert.False(t, RateLimitSnapshot{}.Exhausted())
}
