package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/litsearch/internal/domain"
	"github.com/helixir/litsearch/internal/observability"
	"github.com/helixir/litsearch/internal/transport"
)

// maxLimit is the server-enforced result cap; the client clamps to it
// up front instead of provoking a validation error.
const maxLimit = 50

// Params are the parameters shared by the batch and streaming surfaces.
type Params struct {
	// Query is the search query (minimum 3 characters, validated upstream).
	Query string

	// Limit caps the number of results. Clamped to [1, 50].
	Limit int

	// UserID optionally attributes the search to a user.
	UserID string

	// SessionID identifies the search session on the streaming surface.
	SessionID string

	// AggregateWindow, when positive, asks the batch surface to coalesce
	// concurrent identical queries server-side for this long.
	AggregateWindow time.Duration
}

// BatchResult is the outcome of a successful batch fetch.
type BatchResult struct {
	Records    []domain.Record
	Source     string
	Cached     bool
	SearchTime time.Duration
	RateLimit  *domain.RateLimitSnapshot
}

// BatchFetcher performs single request/response searches against the batch
// surface. It is abortable through the request context and safe for
// concurrent use.
type BatchFetcher struct {
	baseURL    string
	httpClient *transport.HTTPClient
	tokens     transport.TokenProvider
	logger     zerolog.Logger
}

// NewBatchFetcher creates a batch fetcher for the given backend base URL.
func NewBatchFetcher(baseURL string, httpClient *transport.HTTPClient, tokens transport.TokenProvider, logger zerolog.Logger) *BatchFetcher {
	return &BatchFetcher{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger.With().Str("component", "batch_fetcher").Logger(),
	}
}

// Fetch executes one batch search. On a non-2xx response it returns a typed
// error: *domain.RateLimitError for 429-class responses (carrying whatever
// snapshot the body or the X-RateLimit-* headers provide), *domain.HTTPError
// otherwise.
func (f *BatchFetcher) Fetch(ctx context.Context, p Params) (*BatchResult, error) {
	logger := requestLogger(ctx, f.logger)

	q := url.Values{}
	q.Set("query", p.Query)
	q.Set("limit", strconv.Itoa(clampLimit(p.Limit)))
	if p.UserID != "" {
		q.Set("userId", p.UserID)
	}
	if p.AggregateWindow > 0 {
		q.Set("aggregateWindowMs", strconv.FormatInt(p.AggregateWindow.Milliseconds(), 10))
	}
	attachToken(ctx, f.tokens, q, logger)

	reqURL := f.baseURL + "/v1/search?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, f.errorFromResponse(resp)
	}

	var body batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	if !body.Success {
		msg := body.Error
		if msg == "" {
			msg = "search failed"
		}
		return nil, &domain.HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}

	logger.Debug().
		Int("count", len(body.Papers)).
		Bool("cached", body.Cached).
		Str("source", body.Source).
		Msg("batch search completed")

	return &BatchResult{
		Records:    body.Papers,
		Source:     body.Source,
		Cached:     body.Cached,
		SearchTime: time.Duration(body.SearchTimeMS) * time.Millisecond,
		RateLimit:  body.RateLimitInfo.toSnapshot(),
	}, nil
}

// errorFromResponse builds the typed error for a non-2xx batch response.
// Rate-limit metadata is taken from the body when present, else from the
// transport headers, best-effort.
func (f *BatchFetcher) errorFromResponse(resp *http.Response) error {
	var body batchResponse
	// The error body is optional and may not be JSON at all.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	snapshot := body.RateLimitInfo.toSnapshot()
	if snapshot == nil {
		snapshot = snapshotFromHeaders(resp.Header)
	}

	message := body.Error
	if resp.StatusCode == http.StatusTooManyRequests {
		if message == "" {
			message = "rate limit exceeded, please try again later"
		}
		return &domain.RateLimitError{
			Snapshot:   snapshot,
			RetryAfter: retryAfterFromHeader(resp.Header),
			Message:    message,
		}
	}

	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &domain.HTTPError{StatusCode: resp.StatusCode, Message: message}
}

// clampLimit bounds a requested cap to the server-accepted range.
func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// requestLogger enriches a component logger with the session and user ids
// carried on the operation context.
func requestLogger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	if sid := observability.SessionIDFromContext(ctx); sid != "" {
		base = base.With().Str("session_id", sid).Logger()
	}
	if uid := observability.UserIDFromContext(ctx); uid != "" {
		base = base.With().Str("user_id", uid).Logger()
	}
	return base
}

// attachToken asks the token provider for an access token and attaches it as
// a query parameter. Provider failure degrades to an unauthenticated request.
func attachToken(ctx context.Context, tokens transport.TokenProvider, q url.Values, logger zerolog.Logger) {
	if tokens == nil {
		return
	}
	token, err := tokens.AccessToken(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("token provider failed, proceeding unauthenticated")
		return
	}
	if token != "" {
		q.Set("access_token", token)
	}
}
