package search

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/litsearch/internal/config"
	"github.com/helixir/litsearch/internal/domain"
	"github.com/helixir/litsearch/internal/observability"
)

// minQueryLength is the server's validation floor, enforced locally so a
// too-short query never costs a network round trip.
const minQueryLength = 3

// errStreamStalled is the cancellation cause used when the stall timer
// fires. It cancels only the stream context, never the operation context,
// so the batch fallback can proceed on the same operation.
var errStreamStalled = errors.New("stream stalled")

// Callbacks are the controller's outbound notifications. All callbacks are
// optional and are invoked from the controller's worker goroutine without
// any internal lock held, so they may call back into the controller.
type Callbacks struct {
	// OnResult fires whenever the visible result set changes: per streamed
	// record, after a batch merge, after finalization, after a resume.
	OnResult func(View)

	// OnError fires when a search ends in a surfaced failure.
	OnError func(error)

	// OnProviderWarning fires for non-fatal provider-scoped stream errors.
	// The search continues.
	OnProviderWarning func(*domain.ProviderError)
}

// View is an immutable snapshot of the controller's session, safe to retain
// and read from any goroutine.
type View struct {
	SessionID  string
	Query      string
	State      domain.SessionState
	Mode       domain.SearchMode
	Records    []domain.Record
	Count      int
	Source     string
	Cached     bool
	SearchTime time.Duration
	RateLimit  *domain.RateLimitSnapshot
	Err        error
}

// Controller owns one search session and serializes all operations against
// it. At most one network operation runs at a time; starting a new search
// cancels the previous operation before the replacement is visible.
type Controller struct {
	cfg      config.SearchConfig
	stream   *StreamConsumer
	batch    *BatchFetcher
	resumer  *SessionResumer
	retry    *RetryScheduler
	cooldown *CooldownLedger
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cb       Callbacks
	userID   string
	now      func() time.Time

	mu          sync.Mutex
	session     *domain.SearchSession
	op          *operation
	gen         uint64
	debounce    *time.Timer
	lastErr     error
	rateLimited bool
	closed      bool
}

// operation is one in-flight search attempt. The generation ties every
// mutation back to the attempt that produced it; a stale generation means
// the operation was superseded and its results must be discarded.
type operation struct {
	gen    uint64
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithUserID attributes all searches to the given user.
func WithUserID(userID string) ControllerOption {
	return func(c *Controller) { c.userID = userID }
}

// WithCallbacks installs the controller's outbound notifications.
func WithCallbacks(cb Callbacks) ControllerOption {
	return func(c *Controller) { c.cb = cb }
}

// WithClock overrides the controller's time source. Test hook.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller with an idle session.
func NewController(
	cfg config.SearchConfig,
	stream *StreamConsumer,
	batch *BatchFetcher,
	resumer *SessionResumer,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		cfg:     cfg,
		stream:  stream,
		batch:   batch,
		resumer: resumer,
		metrics: metrics,
		logger:  logger.With().Str("component", "search_controller").Logger(),
		now:     time.Now,
		session: domain.NewSearchSession(uuid.NewString()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry = NewRetryScheduler(cfg.RetryCeiling, c.now, c.logger)
	c.cooldown = NewCooldownLedger(cfg.Cooldown, c.now)
	return c
}

// Search starts a new search for query, cancelling any operation in flight.
// A query shorter than three characters (after trimming) is rejected locally
// with ErrQueryTooShort. A repeat of a recent identical query+cap is
// suppressed silently by the cooldown gate and returns nil.
func (c *Controller) Search(query string, limit int) error {
	return c.start(query, limit, false)
}

// SearchDebounced schedules Search after the configured debounce interval.
// Each call restarts the timer, so only the last query in a burst runs.
// Validation happens when the timer fires, not at scheduling time.
func (c *Controller) SearchDebounced(query string, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	if c.cfg.Debounce <= 0 {
		go func() { _ = c.Search(query, limit) }()
		return
	}
	c.debounce = time.AfterFunc(c.cfg.Debounce, func() {
		if err := c.Search(query, limit); err != nil {
			c.logger.Debug().Err(err).Str("query", query).Msg("debounced search rejected")
		}
	})
}

// Retry re-runs the session's current query, bypassing the cooldown gate.
// Intended for a user-initiated retry after a rate limit or failure.
func (c *Controller) Retry() error {
	c.mu.Lock()
	query, limit := c.session.Query, c.session.Cap
	c.mu.Unlock()
	if query == "" {
		return errors.New("no previous search to retry")
	}
	return c.start(query, limit, true)
}

// Resume replaces the controller's session with persisted state fetched from
// the backend. Any in-flight operation is cancelled first. Resumed records
// seed the dedupe set, so a follow-up search on the same query will not
// re-deliver them. Calling Resume twice with the same id is idempotent.
func (c *Controller) Resume(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.mu.Unlock()

	resumed, err := c.resumer.Fetch(ctx, sessionID, c.userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.cancelCurrentLocked(domain.ErrSuperseded)

	session := domain.NewSearchSession(resumed.ID)
	session.Query = resumed.Query
	session.State = domain.StateDone
	for _, rec := range resumed.Records {
		session.Seed(rec)
	}
	c.session = session
	c.lastErr = nil
	c.rateLimited = false
	view := c.viewLocked()
	c.mu.Unlock()

	c.metrics.SessionsResumed.Inc()
	logger := observability.WithSearchContext(c.logger, resumed.Query, resumed.ID)
	logger.Info().Int("records", len(resumed.Records)).Msg("session resumed")
	c.emitResult(view)
	return nil
}

// ClearResults cancels any in-flight operation, drops the gathered results,
// and returns the session to idle.
func (c *Controller) ClearResults() {
	c.mu.Lock()
	c.cancelCurrentLocked(domain.ErrSuperseded)
	c.session.Reset()
	c.lastErr = nil
	c.rateLimited = false
	view := c.viewLocked()
	c.mu.Unlock()
	c.emitResult(view)
}

// State returns a snapshot of the current session.
func (c *Controller) State() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// IsRateLimited reports whether the most recent search failed on a rate
// limit that the scheduler declined to wait out.
func (c *Controller) IsRateLimited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimited
}

// Close cancels any in-flight operation, waits for its goroutine to wind
// down, and rejects all further searches.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.debounce != nil {
		c.debounce.Stop()
	}
	var done chan struct{}
	if c.op != nil {
		done = c.op.done
	}
	c.cancelCurrentLocked(domain.ErrSessionClosed)
	c.mu.Unlock()

	// Waiting happens outside the lock; the operation goroutine still needs
	// it to observe the cancellation.
	if done != nil {
		<-done
	}
	return nil
}

// start validates, applies the cooldown gate, and launches one operation.
func (c *Controller) start(query string, limit int, bypassCooldown bool) error {
	query = strings.TrimSpace(query)
	if len(query) < minQueryLength {
		return domain.ErrQueryTooShort
	}
	if limit <= 0 {
		limit = c.cfg.DefaultLimit
	}
	limit = clampLimit(limit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}

	if !bypassCooldown && !c.cooldown.Allow(query, limit) {
		c.mu.Unlock()
		c.metrics.CooldownSuppressed.Inc()
		c.logger.Debug().Str("query", query).Int("limit", limit).Msg("search suppressed by cooldown")
		return nil
	}
	c.cooldown.Record(query, limit)

	c.cancelCurrentLocked(domain.ErrSuperseded)
	c.gen++
	gen := c.gen

	// A changed query starts a fresh logical session; a repeat keeps the
	// session so resumed and already-delivered records stay deduplicated.
	if query != c.session.Query {
		c.session = domain.NewSearchSession(uuid.NewString())
		c.session.Query = query
	}
	c.session.Cap = limit
	c.lastErr = nil
	c.rateLimited = false

	mode := domain.ModeStreaming
	if c.cfg.AggregateWindow > 0 {
		mode = domain.ModeAggregateBatch
	}
	c.session.Mode = mode
	if mode == domain.ModeStreaming {
		c.session.State = domain.StateStreaming
	} else {
		c.session.State = domain.StateAggregatingBatch
	}

	base := observability.WithSessionID(context.Background(), c.session.ID)
	if c.userID != "" {
		base = observability.WithUserID(base, c.userID)
	}
	opCtx, cancel := context.WithCancelCause(base)
	op := &operation{gen: gen, cancel: cancel, done: make(chan struct{})}
	c.op = op

	p := Params{
		Query:           query,
		Limit:           limit,
		UserID:          c.userID,
		SessionID:       c.session.ID,
		AggregateWindow: c.cfg.AggregateWindow,
	}
	c.mu.Unlock()

	c.metrics.SearchesStarted.WithLabelValues(string(mode)).Inc()
	logger := observability.WithSearchContext(c.logger, query, p.SessionID)
	logger.Info().Int("limit", limit).Str("mode", string(mode)).Msg("search started")

	go c.run(opCtx, op, p, mode)
	return nil
}

// run executes one operation to completion and releases its done channel.
func (c *Controller) run(ctx context.Context, op *operation, p Params, mode domain.SearchMode) {
	defer close(op.done)
	defer op.cancel(nil)
	started := c.now()

	if mode == domain.ModeStreaming {
		c.runStream(ctx, op, p, started)
	} else {
		c.runBatch(ctx, op, p, started, true)
	}
}

// runStream consumes the SSE surface. The stream runs on a child context so
// the stall timer can abandon the stream while the batch fallback continues
// on the operation context.
func (c *Controller) runStream(ctx context.Context, op *operation, p Params, started time.Time) {
	streamCtx, cancelStream := context.WithCancelCause(ctx)
	defer cancelStream(nil)

	stall := time.AfterFunc(c.cfg.StallTimeout, func() {
		cancelStream(errStreamStalled)
	})
	defer stall.Stop()

	st, err := c.stream.Open(streamCtx, p)
	if err != nil {
		stall.Stop()
		if c.superseded(ctx, op) {
			return
		}
		c.logger.Warn().Err(err).Msg("stream open failed, falling back to batch")
		c.fallback(ctx, op, p, started, "transport")
		return
	}
	defer st.Close()

	received := 0
	for {
		ev, err := st.Next()
		if err != nil {
			stall.Stop()
			if c.superseded(ctx, op) {
				return
			}
			if errors.Is(context.Cause(streamCtx), errStreamStalled) {
				c.logger.Warn().Dur("stall_timeout", c.cfg.StallTimeout).Msg("stream stalled, falling back to batch")
				c.fallback(ctx, op, p, started, "stall")
				return
			}
			if errors.Is(err, io.EOF) && received > 0 {
				// Server closed without a done event but records arrived.
				// Finalize what we have rather than discarding it.
				c.finalize(op, domain.ModeStreaming, started)
				return
			}
			c.logger.Warn().Err(err).Msg("stream interrupted, falling back to batch")
			c.fallback(ctx, op, p, started, "transport")
			return
		}
		stall.Reset(c.cfg.StallTimeout)

		switch e := ev.(type) {
		case domain.InitEvent:
			c.mu.Lock()
			if op.gen == c.gen {
				snap := e.RateLimit
				c.session.RateLimit = &snap
			}
			c.mu.Unlock()

		case domain.PaperEvent:
			received++
			c.metrics.RecordsReceived.WithLabelValues(sourceLabel(e.Record.Source)).Inc()
			recLogger := observability.WithRecordContext(c.logger, e.Record.ID, e.Record.Source)
			recLogger.Debug().Str("title", e.Record.Title).Msg("record received")
			c.mu.Lock()
			if op.gen != c.gen {
				c.mu.Unlock()
				return
			}
			added := c.session.Add(e.Record)
			var view View
			if added {
				view = c.viewLocked()
			} else if c.session.Cap > 0 && len(c.session.Results) >= c.session.Cap {
				c.metrics.RecordsOverCap.Inc()
			} else {
				c.metrics.RecordsDuplicate.Inc()
			}
			c.mu.Unlock()
			if added {
				c.emitResult(view)
			}

		case domain.ErrorEvent:
			c.metrics.ProviderErrors.WithLabelValues(sourceLabel(e.Source)).Inc()
			c.logger.Warn().Str("source", e.Source).Str("message", e.Message).Msg("provider error on stream")
			if c.cb.OnProviderWarning != nil {
				c.cb.OnProviderWarning(domain.NewProviderError(e.Source, e.Message))
			}

		case domain.DoneEvent:
			stall.Stop()
			c.mu.Lock()
			if op.gen == c.gen {
				c.session.SearchTime = e.ProcessingTime
			}
			c.mu.Unlock()
			c.finalize(op, domain.ModeStreaming, started)
			return

		case domain.PingEvent:
			// Keepalive. The timer reset above is its only effect.
		}
	}
}

// fallback switches a failed or stalled stream to one batch request on the
// same operation. Records already streamed stay in the session; the dedupe
// set drops their batch duplicates.
func (c *Controller) fallback(ctx context.Context, op *operation, p Params, started time.Time, reason string) {
	c.metrics.StreamFallbacks.WithLabelValues(reason).Inc()
	c.mu.Lock()
	if op.gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.session.State = domain.StateAggregatingBatch
	c.session.Mode = domain.ModeAggregateBatch
	c.mu.Unlock()
	c.runBatch(ctx, op, p, started, true)
}

// runBatch executes one batch fetch, with at most one scheduled retry after
// a rate limit.
func (c *Controller) runBatch(ctx context.Context, op *operation, p Params, started time.Time, allowRetry bool) {
	res, err := c.batch.Fetch(ctx, p)
	if err != nil {
		if c.superseded(ctx, op) {
			return
		}

		var rle *domain.RateLimitError
		if errors.As(err, &rle) {
			c.mu.Lock()
			if op.gen == c.gen && rle.Snapshot != nil {
				c.session.RateLimit = rle.Snapshot
			}
			c.mu.Unlock()

			if allowRetry {
				if wait, ok := c.retry.WaitFor(err); ok {
					c.metrics.RetriesScheduled.Inc()
					c.mu.Lock()
					if op.gen != c.gen {
						c.mu.Unlock()
						return
					}
					c.session.State = domain.StateRetrying
					c.mu.Unlock()
					c.logger.Info().Dur("wait", wait).Msg("rate limited, retrying after wait")
					if c.retry.Sleep(ctx, wait) != nil {
						return
					}
					c.runBatch(ctx, op, p, started, false)
					return
				}
				c.metrics.RetriesDeclined.Inc()
			}
		}
		c.fail(op, err)
		return
	}

	if c.superseded(ctx, op) {
		return
	}

	c.mu.Lock()
	if op.gen != c.gen {
		c.mu.Unlock()
		return
	}
	for _, rec := range res.Records {
		c.metrics.RecordsReceived.WithLabelValues(sourceLabel(rec.Source)).Inc()
		if !c.session.Add(rec) {
			if c.session.Cap > 0 && len(c.session.Results) >= c.session.Cap {
				c.metrics.RecordsOverCap.Inc()
			} else {
				c.metrics.RecordsDuplicate.Inc()
			}
		}
	}
	c.session.Source = res.Source
	c.session.Cached = res.Cached
	c.session.SearchTime = res.SearchTime
	if res.RateLimit != nil {
		c.session.RateLimit = res.RateLimit
	}
	c.mu.Unlock()

	c.finalize(op, domain.ModeAggregateBatch, started)
}

// finalize sorts results and marks the session done, if the operation still
// owns the session.
func (c *Controller) finalize(op *operation, mode domain.SearchMode, started time.Time) {
	c.mu.Lock()
	if op.gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.session.Finalize()
	c.session.State = domain.StateDone
	c.session.Mode = mode
	c.rateLimited = false
	count := len(c.session.Results)
	view := c.viewLocked()
	c.mu.Unlock()

	elapsed := c.now().Sub(started)
	c.metrics.SearchesCompleted.WithLabelValues(string(mode)).Inc()
	c.metrics.SearchDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
	logger := observability.WithSearchContext(c.logger, view.Query, view.SessionID)
	logger.Info().Int("count", count).Dur("elapsed", elapsed).Str("mode", string(mode)).Msg("search completed")
	c.emitResult(view)
}

// fail records a surfaced failure, if the operation still owns the session.
func (c *Controller) fail(op *operation, err error) {
	c.mu.Lock()
	if op.gen != c.gen {
		c.mu.Unlock()
		return
	}
	mode := c.session.Mode
	c.session.State = domain.StateError
	c.lastErr = err
	c.rateLimited = errors.Is(err, domain.ErrRateLimited)
	c.mu.Unlock()

	c.metrics.SearchesFailed.WithLabelValues(string(mode)).Inc()
	c.logger.Error().Err(err).Msg("search failed")
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// superseded reports whether the operation lost ownership, either through
// context cancellation or a generation bump.
func (c *Controller) superseded(ctx context.Context, op *operation) bool {
	if cause := context.Cause(ctx); cause != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return op.gen != c.gen
}

// cancelCurrentLocked cancels the in-flight operation with the given cause.
// Caller holds c.mu.
func (c *Controller) cancelCurrentLocked(cause error) {
	if c.op != nil {
		c.op.cancel(cause)
		c.op = nil
	}
}

// viewLocked builds a snapshot. Caller holds c.mu.
func (c *Controller) viewLocked() View {
	records := make([]domain.Record, len(c.session.Results))
	copy(records, c.session.Results)
	var snap *domain.RateLimitSnapshot
	if c.session.RateLimit != nil {
		s := *c.session.RateLimit
		snap = &s
	}
	return View{
		SessionID:  c.session.ID,
		Query:      c.session.Query,
		State:      c.session.State,
		Mode:       c.session.Mode,
		Records:    records,
		Count:      len(records),
		Source:     c.session.Source,
		Cached:     c.session.Cached,
		SearchTime: c.session.SearchTime,
		RateLimit:  snap,
		Err:        c.lastErr,
	}
}

func (c *Controller) emitResult(view View) {
	if c.cb.OnResult != nil {
		c.cb.OnResult(view)
	}
}

// sourceLabel bounds metric label cardinality for provider names.
func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}
