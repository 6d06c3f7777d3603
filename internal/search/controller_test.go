package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/litsearch/internal/config"
	"github.com/helixir/litsearch/internal/domain"
	"github.com/helixir/litsearch/internal/observability"
)

// Metrics register once against the default Prometheus registry, so the
// whole test binary shares one instance.
var testMetrics = observability.NewMetrics("litsearch_test")

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		DefaultLimit: 10,
		StallTimeout: 2 * time.Second,
		RetryCeiling: 120 * time.Second,
	}
}

// errorSink captures surfaced failures from OnError.
type errorSink struct {
	mu  sync.Mutex
	err error
}

func (s *errorSink) set(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *errorSink) get() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func newTestController(t *testing.T, baseURL string, cfg config.SearchConfig, cb Callbacks) *Controller {
	t.Helper()
	httpClient := testHTTPClient()
	c := NewController(
		cfg,
		NewStreamConsumer(baseURL, httpClient, nil, zerolog.Nop()),
		NewBatchFetcher(baseURL, httpClient, nil, zerolog.Nop()),
		NewSessionResumer(baseURL, httpClient, nil, zerolog.Nop()),
		testMetrics,
		zerolog.Nop(),
		WithCallbacks(cb),
	)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitForTerminal(t *testing.T, c *Controller) View {
	t.Helper()
	require.Eventually(t, func() bool {
		s := c.State().State
		return s == domain.StateDone || s == domain.StateError
	}, 5*time.Second, 5*time.Millisecond)
	return c.State()
}

func sseFrames(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}

func paperFrame(id, title, year, source string) string {
	return fmt.Sprintf("event: paper\ndata: {\"id\":%q,\"title\":%q,\"year\":%q,\"source\":%q}\n\n", id, title, year, source)
}

const (
	initFrame = "event: init\ndata: {\"limit\":10,\"rateLimit\":{\"limit\":10,\"remaining\":9,\"resetTime\":\"2026-01-10T12:00:00Z\"}}\n\n"
	doneFrame = "event: done\ndata: {\"count\":2,\"processingTime\":300,\"mode\":\"forward\"}\n\n"
)

func TestControllerStreaming(t *testing.T) {
	t.Run("deduplicates and sorts a streamed result set", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.Handle("/v1/search/stream", sseFrames(
			initFrame,
			"event: paper\ndata: {\"id\":\"p1\",\"title\":\"Older\",\"year\":\"2019\",\"doi\":\"10.1/a\",\"source\":\"pubmed\"}\n\n",
			"event: paper\ndata: {\"id\":\"p2\",\"title\":\"Duplicate\",\"year\":\"2019\",\"doi\":\"10.1/a\",\"source\":\"openalex\"}\n\n",
			paperFrame("p3", "Newer", "2024", "semantic_scholar"),
			doneFrame,
		))
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{})
		require.NoError(t, c.Search("crispr", 10))

		view := waitForTerminal(t, c)
		assert.Equal(t, domain.StateDone, view.State)
		assert.Equal(t, domain.ModeStreaming, view.Mode)
		require.Len(t, view.Records, 2)
		assert.Equal(t, "Newer", view.Records[0].Title)
		assert.Equal(t, "Older", view.Records[1].Title)
		require.NotNil(t, view.RateLimit)
		assert.Equal(t, 9, view.RateLimit.Remaining)
		assert.Equal(t, 300*time.Millisecond, view.SearchTime)
	})

	t.Run("enforces the result cap", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.Handle("/v1/search/stream", sseFrames(
			initFrame,
			paperFrame("p1", "One", "2024", "s2"),
			paperFrame("p2", "Two", "2023", "s2"),
			paperFrame("p3", "Three", "2022", "s2"),
			doneFrame,
		))
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{})
		require.NoError(t, c.Search("crispr", 2))

		view := waitForTerminal(t, c)
		assert.Len(t, view.Records, 2)
	})

	t.Run("provider errors warn without failing the search", func(t *testing.T) {
		var warned atomic.Int32
		mux := http.NewServeMux()
		mux.Handle("/v1/search/stream", sseFrames(
			initFrame,
			"event: error\ndata: {\"source\":\"pubmed\",\"error\":\"upstream timeout\"}\n\n",
			paperFrame("p1", "One", "2024", "s2"),
			doneFrame,
		))
		srv := httptest.NewServer(mux)
		defer srv.Close()

		sink := &errorSink{}
		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{
			OnProviderWarning: func(*domain.ProviderError) { warned.Add(1) },
			OnError:           sink.set,
		})
		require.NoError(t, c.Search("crispr", 10))

		view := waitForTerminal(t, c)
		assert.Equal(t, domain.StateDone, view.State)
		assert.Len(t, view.Records, 1)
		assert.Equal(t, int32(1), warned.Load())
		assert.NoError(t, sink.get())
	})

	t.Run("rejects a too-short query without a network call", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{})
		err := c.Search("ab", 10)
		assert.True(t, errors.Is(err, domain.ErrQueryTooShort))
		assert.Equal(t, int32(0), calls.Load())
	})
}

func TestControllerFallback(t *testing.T) {
	t.Run("a stalled stream falls back to one batch request", func(t *testing.T) {
		var batchCalls atomic.Int32
		release := make(chan struct{})
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/stream", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			fmt.Fprint(w, initFrame)
			fmt.Fprint(w, paperFrame("p1", "Streamed", "2024", "s2"))
			flusher.Flush()
			<-release // stall: no further frames
		})
		mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
			batchCalls.Add(1)
			w.Write([]byte(`{
				"success": true,
				"papers": [
					{"id":"p1","title":"Streamed","year":"2024","source":"s2"},
					{"id":"p2","title":"Batch only","year":"2020","source":"pubmed"}
				],
				"source": "providers",
				"searchTime": 100
			}`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()
		defer close(release)

		cfg := testSearchConfig()
		cfg.StallTimeout = 100 * time.Millisecond
		c := newTestController(t, srv.URL, cfg, Callbacks{})
		require.NoError(t, c.Search("crispr", 10))

		view := waitForTerminal(t, c)
		assert.Equal(t, domain.StateDone, view.State)
		assert.Equal(t, domain.ModeAggregateBatch, view.Mode)
		assert.Equal(t, int32(1), batchCalls.Load())

		// The streamed record survives the fallback and its batch duplicate
		// is dropped.
		require.Len(t, view.Records, 2)
		ids := map[string]int{}
		for _, r := range view.Records {
			ids[r.ID]++
		}
		assert.Equal(t, 1, ids["p1"])
		assert.Equal(t, 1, ids["p2"])
	})

	t.Run("a refused stream connection falls back to batch", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/stream", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true,"papers":[{"id":"p1","title":"One","source":"s2"}]}`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{})
		require.NoError(t, c.Search("crispr", 10))

		view := waitForTerminal(t, c)
		assert.Equal(t, domain.StateDone, view.State)
		assert.Equal(t, domain.ModeAggregateBatch, view.Mode)
		assert.Len(t, view.Records, 1)
	})

	t.Run("a configured aggregate window skips streaming entirely", func(t *testing.T) {
		var streamCalls atomic.Int32
		var gotWindow string
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/stream", func(w http.ResponseWriter, r *http.Request) {
			streamCalls.Add(1)
		})
		mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
			gotWindow = r.URL.Query().Get("aggregateWindowMs")
			w.Write([]byte(`{"success":true,"papers":[],"source":"providers"}`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := testSearchConfig()
		cfg.AggregateWindow = 400 * time.Millisecond
		c := newTestController(t, srv.URL, cfg, Callbacks{})
		require.NoError(t, c.Search("crispr", 10))

		view := waitForTerminal(t, c)
		assert.Equal(t, domain.StateDone, view.State)
		assert.Equal(t, int32(0), streamCalls.Load())
		assert.Equal(t, "400", gotWindow)
	})
}

func TestControllerSupersede(t *testing.T) {
	t.Run("a new search cancels and replaces the one in flight", func(t *testing.T) {
		firstOpened := make(chan struct{})
		release := make(chan struct{})
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/stream", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			switch r.URL.Query().Get("query") {
			case "crispr":
				fmt.Fprint(w, initFrame)
				fmt.Fprint(w, paperFrame("old", "Old result", "2019", "s2"))
				flusher.Flush()
				close(firstOpened)
				<-release
			default:
				fmt.Fprint(w, initFrame)
				fmt.Fprint(w, paperFrame("new", "New result", "2024", "s2"))
				fmt.Fprint(w, doneFrame)
				flusher.Flush()
			}
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()
		defer close(release)

		sink := &errorSink{}
		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{OnError: sink.set})
		require.NoError(t, c.Search("crispr", 10))
		<-firstOpened

		require.NoError(t, c.Search("quantum computing", 10))

		view := waitForTerminal(t, c)
		assert.Equal(t, "quantum computing", view.Query)
		require.Len(t, view.Records, 1)
		assert.Equal(t, "new", view.Records[0].ID)
		// Supersession is never surfaced as a failure.
		assert.NoError(t, sink.get())
	})
}

func TestControllerCooldown(t *testing.T) {
	t.Run("a repeat of a recent identical search is suppressed silently", func(t *testing.T) {
		var streamCalls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/stream", func(w http.ResponseWriter, r *http.Request) {
			streamCalls.Add(1)
			sseFrames(initFrame, paperFrame("p1", "One", "2024", "s2"), doneFrame)(w, r)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := testSearchConfig()
		cfg.Cooldown = 30 * time.Second
		c := newTestController(t, srv.URL, cfg, Callbacks{})

		require.NoError(t, c.Search("crispr", 10))
		waitForTerminal(t, c)
		require.NoError(t, c.Search("crispr", 10))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), streamCalls.Load())

		// Retry bypasses the gate.
		require.NoError(t, c.Retry())
		waitForTerminal(t, c)
		assert.Equal(t, int32(2), streamCalls.Load())
	})
}

func TestControllerRetry(t *testing.T) {
	t.Run("waits out a near rate-limit reset and succeeds", func(t *testing.T) {
		var batchCalls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
			if batchCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				reset := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(w, `{"success":false,"error":"rate limit exceeded","rateLimitInfo":{"limit":10,"remaining":0,"resetTime":%q}}`, reset)
				return
			}
			w.Write([]byte(`{"success":true,"papers":[{"id":"p1","title":"One","source":"s2"}]}`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := testSearchConfig()
		cfg.AggregateWindow = 400 * time.Millisecond
		c := newTestController(t, srv.URL, cfg, Callbacks{})
		require.NoError(t, c.Search("crispr", 10))

		// The past reset clamps to the 1s minimum wait plus jitter.
		require.Eventually(t, func() bool {
			return c.State().State == domain.StateDone
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(2), batchCalls.Load())
		assert.False(t, c.IsRateLimited())
	})

	t.Run("declines a retry beyond the ceiling and surfaces the error", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			reset := time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339)
			fmt.Fprintf(w, `{"success":false,"error":"rate limit exceeded","rateLimitInfo":{"limit":10,"remaining":0,"resetTime":%q}}`, reset)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := testSearchConfig()
		cfg.AggregateWindow = 400 * time.Millisecond
		sink := &errorSink{}
		c := newTestController(t, srv.URL, cfg, Callbacks{OnError: sink.set})
		require.NoError(t, c.Search("crispr", 10))

		view := waitForTerminal(t, c)
		assert.Equal(t, domain.StateError, view.State)
		assert.True(t, errors.Is(sink.get(), domain.ErrRateLimited))
		assert.True(t, c.IsRateLimited())
		require.NotNil(t, view.RateLimit)
		assert.True(t, view.RateLimit.Exhausted())
	})
}

func TestControllerResume(t *testing.T) {
	resumeBody := `{
		"session": {"id":"sess-1","query":"crispr","createdAt":"2026-01-10T11:00:00Z"},
		"results": [{"paper": {"id":"p1","title":"Persisted","year":"2024","doi":"10.1/a","source":"s2"}}]
	}`

	t.Run("seeded records are not re-delivered by a follow-up search", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/sessions/sess-1", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(resumeBody))
		})
		mux.Handle("/v1/search/stream", sseFrames(
			initFrame,
			"event: paper\ndata: {\"id\":\"p1-live\",\"title\":\"Persisted\",\"year\":\"2024\",\"doi\":\"10.1/a\",\"source\":\"s2\"}\n\n",
			paperFrame("p2", "Fresh", "2023", "pubmed"),
			doneFrame,
		))
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{})
		require.NoError(t, c.Resume(context.Background(), "sess-1"))

		view := c.State()
		assert.Equal(t, domain.StateDone, view.State)
		assert.Equal(t, "crispr", view.Query)
		assert.Equal(t, "sess-1", view.SessionID)
		require.Len(t, view.Records, 1)

		require.NoError(t, c.Search("crispr", 10))
		view = waitForTerminal(t, c)

		require.Len(t, view.Records, 2)
		ids := map[string]bool{}
		for _, r := range view.Records {
			ids[r.ID] = true
		}
		assert.True(t, ids["p1"], "persisted record survives")
		assert.True(t, ids["p2"], "fresh record arrives")
		assert.False(t, ids["p1-live"], "live duplicate of persisted record is dropped")
	})

	t.Run("resuming the same session twice is idempotent", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/sessions/sess-1", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(resumeBody))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{})
		require.NoError(t, c.Resume(context.Background(), "sess-1"))
		require.NoError(t, c.Resume(context.Background(), "sess-1"))

		assert.Len(t, c.State().Records, 1)
	})

	t.Run("an expired session surfaces the fetch error", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/sessions/gone", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{})
		err := c.Resume(context.Background(), "gone")

		var httpErr *domain.HTTPError
		require.True(t, errors.As(err, &httpErr))
		assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	})
}

func TestControllerDebounce(t *testing.T) {
	t.Run("only the last query in a burst runs", func(t *testing.T) {
		var mu sync.Mutex
		var queries []string
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/stream", func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			queries = append(queries, r.URL.Query().Get("query"))
			mu.Unlock()
			sseFrames(initFrame, doneFrame)(w, r)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := testSearchConfig()
		cfg.Debounce = 50 * time.Millisecond
		c := newTestController(t, srv.URL, cfg, Callbacks{})

		c.SearchDebounced("cri", 10)
		c.SearchDebounced("crisp", 10)
		c.SearchDebounced("crispr gene", 10)

		require.Eventually(t, func() bool {
			return c.State().State == domain.StateDone
		}, 5*time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"crispr gene"}, queries)
	})
}

func TestControllerLifecycle(t *testing.T) {
	t.Run("ClearResults returns the session to idle", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.Handle("/v1/search/stream", sseFrames(initFrame, paperFrame("p1", "One", "2024", "s2"), doneFrame))
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c := newTestController(t, srv.URL, testSearchConfig(), Callbacks{})
		require.NoError(t, c.Search("crispr", 10))
		waitForTerminal(t, c)

		c.ClearResults()
		view := c.State()
		assert.Equal(t, domain.StateIdle, view.State)
		assert.Empty(t, view.Records)
	})

	t.Run("Close waits out an in-flight stream", func(t *testing.T) {
		entered := make(chan struct{})
		released := make(chan struct{})
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/search/stream", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, initFrame)
			w.(http.Flusher).Flush()
			close(entered)
			<-r.Context().Done()
			close(released)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := testSearchConfig()
		cfg.StallTimeout = time.Minute
		c := newTestController(t, srv.URL, cfg, Callbacks{})
		require.NoError(t, c.Search("crispr", 10))
		<-entered

		require.NoError(t, c.Close())

		// The operation goroutine tore the stream down before Close
		// returned, so the server sees the disconnect promptly.
		select {
		case <-released:
		case <-time.After(2 * time.Second):
			t.Fatal("stream request never cancelled after Close")
		}
	})

	t.Run("a closed controller rejects searches", func(t *testing.T) {
		c := newTestController(t, "http://unused", testSearchConfig(), Callbacks{})
		require.NoError(t, c.Close())

		err := c.Search("crispr", 10)
		assert.True(t, errors.Is(err, domain.ErrSessionClosed))
	})

	t.Run("Retry without a prior search fails", func(t *testing.T) {
		c := newTestController(t, "http://unused", testSearchConfig(), Callbacks{})
		assert.Error(t, c.Retry())
	})
}
