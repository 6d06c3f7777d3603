package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/helixir/litsearch/internal/domain"
	"github.com/helixir/litsearch/internal/transport"
)

// StreamConsumer opens server-sent event connections against the streaming
// search surface. Authentication travels as an access_token query parameter
// because the EventSource protocol carries no custom headers.
type StreamConsumer struct {
	baseURL    string
	httpClient *transport.HTTPClient
	tokens     transport.TokenProvider
	logger     zerolog.Logger
}

// NewStreamConsumer creates a stream consumer for the given backend base URL.
func NewStreamConsumer(baseURL string, httpClient *transport.HTTPClient, tokens transport.TokenProvider, logger zerolog.Logger) *StreamConsumer {
	return &StreamConsumer{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger.With().Str("component", "stream_consumer").Logger(),
	}
}

// Stream is one open SSE connection. Next blocks until a frame arrives, the
// context given to Open is cancelled, or the server closes the connection.
// Not safe for concurrent Next calls.
type Stream struct {
	body   io.ReadCloser
	events *eventReader
}

// Open establishes the stream connection. The connection stays open until
// Close is called, ctx is cancelled, or the server finishes. Non-2xx
// responses produce the same typed errors as the batch surface.
func (c *StreamConsumer) Open(ctx context.Context, p Params) (*Stream, error) {
	logger := requestLogger(ctx, c.logger)

	q := url.Values{}
	q.Set("query", p.Query)
	q.Set("limit", strconv.Itoa(clampLimit(p.Limit)))
	if p.SessionID != "" {
		q.Set("sessionId", p.SessionID)
	}
	if p.UserID != "" {
		q.Set("userId", p.UserID)
	}
	attachToken(ctx, c.tokens, q, logger)

	reqURL := c.baseURL + "/v1/search/stream?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if ua := c.httpClient.UserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	if err := c.httpClient.WaitForSlot(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	// The stream client has no overall timeout; frame pacing is bounded by
	// the caller's stall detection instead.
	resp, err := c.httpClient.StreamClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, streamErrorFromResponse(resp)
	}

	logger.Debug().Str("query", p.Query).Msg("stream opened")
	return &Stream{body: resp.Body, events: newEventReader(resp.Body)}, nil
}

// Next returns the next decoded event. io.EOF signals a server-side close
// without a done event; callers decide whether that terminates the search.
func (s *Stream) Next() (domain.StreamEvent, error) {
	return s.events.next()
}

// Close tears down the connection. Safe to call more than once.
func (s *Stream) Close() error {
	return s.body.Close()
}

// streamErrorFromResponse mirrors the batch surface's error mapping for a
// rejected stream handshake.
func streamErrorFromResponse(resp *http.Response) error {
	var body struct {
		Error         string         `json:"error"`
		RateLimitInfo *rateLimitInfo `json:"rateLimitInfo"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	if resp.StatusCode == http.StatusTooManyRequests {
		snapshot := body.RateLimitInfo.toSnapshot()
		if snapshot == nil {
			snapshot = snapshotFromHeaders(resp.Header)
		}
		message := body.Error
		if message == "" {
			message = "rate limit exceeded, please try again later"
		}
		return &domain.RateLimitError{
			Snapshot:   snapshot,
			RetryAfter: retryAfterFromHeader(resp.Header),
			Message:    message,
		}
	}

	message := body.Error
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &domain.HTTPError{StatusCode: resp.StatusCode, Message: message}
}
