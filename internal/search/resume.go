package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/litsearch/internal/domain"
	"github.com/helixir/litsearch/internal/transport"
)

// ResumedSession is the persisted state fetched for a prior session.
type ResumedSession struct {
	ID        string
	Query     string
	CreatedAt time.Time
	Records   []domain.Record
}

// SessionResumer fetches persisted session state so an interrupted search
// can be continued without re-delivering records the caller already has.
type SessionResumer struct {
	baseURL    string
	httpClient *transport.HTTPClient
	tokens     transport.TokenProvider
	logger     zerolog.Logger
}

// NewSessionResumer creates a resumer for the given backend base URL.
func NewSessionResumer(baseURL string, httpClient *transport.HTTPClient, tokens transport.TokenProvider, logger zerolog.Logger) *SessionResumer {
	return &SessionResumer{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger.With().Str("component", "session_resumer").Logger(),
	}
}

// Fetch loads a session and its persisted results. A 404 maps to
// *domain.HTTPError with the status preserved so callers can distinguish
// expiry from transport failure.
func (r *SessionResumer) Fetch(ctx context.Context, sessionID, userID string) (*ResumedSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	q := url.Values{}
	q.Set("include", "all")
	if userID != "" {
		q.Set("userId", userID)
	}
	attachToken(ctx, r.tokens, q, r.logger)

	reqURL := r.baseURL + "/v1/search/sessions/" + url.PathEscape(sessionID) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create resume request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resume request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
		message := body.Error
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, &domain.HTTPError{StatusCode: resp.StatusCode, Message: message}
	}

	var body resumeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode resume response: %w", err)
	}

	records := make([]domain.Record, 0, len(body.Results))
	for _, res := range body.Results {
		records = append(records, res.Paper)
	}
	return &ResumedSession{
		ID:        body.Session.ID,
		Query:     body.Session.Query,
		CreatedAt: body.Session.CreatedAt,
		Records:   records,
	}, nil
}
