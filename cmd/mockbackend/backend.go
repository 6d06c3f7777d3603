package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/helixir/litsearch/internal/domain"
)

type backendOptions struct {
	paperDelay time.Duration
	stall      bool
	rateLimit  int
	rateWindow time.Duration
	failSource string
	sessionTTL time.Duration
	logger     zerolog.Logger
}

// backend is the in-memory implementation behind the three surfaces.
type backend struct {
	opts backendOptions

	mu       sync.Mutex
	window   time.Time
	used     int
	sessions map[string]*storedSession
}

type storedSession struct {
	id        string
	query     string
	createdAt time.Time
	records   []domain.Record
}

func newBackend(opts backendOptions) *backend {
	if opts.sessionTTL <= 0 {
		opts.sessionTTL = time.Hour
	}
	return &backend{
		opts:     opts,
		sessions: map[string]*storedSession{},
	}
}

// corpus is the canned result set. Matching is a substring check against
// title and abstract; enough to make interactive queries feel real.
var corpus = []domain.Record{
	{ID: "w1", Title: "CRISPR-Cas9 off-target profiling in primary cells", Authors: []string{"Ortega M", "Lin J"}, Year: "2024", Journal: "Nature Methods", DOI: "10.1038/nm.2024.101", Source: "semantic_scholar", Citations: 84, Abstract: "Genome editing off-target assessment using CRISPR screens."},
	{ID: "w2", Title: "A survey of transformer architectures for biomedical text", Authors: []string{"Huang R"}, Year: "2023", Journal: "JAMIA", DOI: "10.1093/jamia/ocad215", Source: "pubmed", Citations: 210, Abstract: "Deep learning transformer models applied to clinical NLP."},
	{ID: "w3", Title: "Quantum error correction with surface codes", Authors: []string{"Novak P", "Díaz C"}, Year: "2022", Journal: "PRX Quantum", DOI: "10.1103/prxquantum.3.010329", Source: "openalex", Citations: 512, Abstract: "Fault tolerant quantum computing via stabilizer codes."},
	{ID: "w4", Title: "Gene editing delivery vehicles: lipid nanoparticles revisited", Authors: []string{"Sato K"}, Year: "2024", Journal: "Nature Biotechnology", DOI: "10.1038/nbt.2024.88", Source: "semantic_scholar", Citations: 37, Abstract: "LNP formulations for CRISPR payload delivery in vivo."},
	{ID: "w5", Title: "Large language models as literature screeners", Authors: []string{"Okafor D", "Meier L"}, Year: "2025", Journal: "Systematic Reviews", DOI: "10.1186/s13643-025-0021", Source: "pubmed", Citations: 12, Abstract: "Screening abstracts for systematic reviews with transformer models."},
	{ID: "w6", Title: "Base editing outcomes across cell lines", Authors: []string{"Lin J"}, Year: "2021", Journal: "Cell", DOI: "10.1016/j.cell.2021.04.012", Source: "openalex", Citations: 903, Abstract: "CRISPR base editors compared for precision gene editing."},
	{ID: "w7", Title: "Topological qubits in hybrid nanowires", Authors: []string{"Petrov A"}, Year: "2023", Journal: "Science", DOI: "10.1126/science.abq441", Source: "semantic_scholar", Citations: 145, Abstract: "Quantum computing hardware based on Majorana modes."},
	{ID: "w8", Title: "Prime editing in plants", Authors: []string{"García T", "Wu X"}, Year: "2020", Journal: "Plant Cell", Source: "biorxiv", Citations: 260, Abstract: "Applying CRISPR prime editing to crop genomes."},
}

func matchCorpus(query string, limit int) []domain.Record {
	query = strings.ToLower(query)
	terms := strings.Fields(query)
	var out []domain.Record
	for _, rec := range corpus {
		haystack := strings.ToLower(rec.Title + " " + rec.Abstract)
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				out = append(out, rec)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// allow consumes one rate-limit slot. When the window is exhausted it
// returns false along with the current snapshot.
func (b *backend) allow() (ok bool, remaining int, reset time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.After(b.window) {
		b.window = now.Add(b.opts.rateWindow)
		b.used = 0
	}
	if b.used >= b.opts.rateLimit {
		return false, 0, b.window
	}
	b.used++
	return true, b.opts.rateLimit - b.used, b.window
}

func (b *backend) writeRateLimitHeaders(w http.ResponseWriter, remaining int, reset time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(b.opts.rateLimit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.UnixMilli(), 10))
}

func (b *backend) reject429(w http.ResponseWriter, reset time.Time) {
	b.writeRateLimitHeaders(w, 0, reset)
	w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(reset).Seconds())+1))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   "rate limit exceeded, please try again later",
		"rateLimitInfo": map[string]any{
			"limit":     b.opts.rateLimit,
			"remaining": 0,
			"resetTime": reset.UTC().Format(time.RFC3339),
		},
	})
}

func parseSearchParams(r *http.Request) (query string, limit int, err error) {
	query = strings.TrimSpace(r.URL.Query().Get("query"))
	if len(query) < 3 {
		return "", 0, fmt.Errorf("query must be at least 3 characters")
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}
	return query, limit, nil
}

// handleBatch serves GET /v1/search.
func (b *backend) handleBatch(w http.ResponseWriter, r *http.Request) {
	query, limit, err := parseSearchParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, remaining, reset := b.allow()
	if !ok {
		b.reject429(w, reset)
		return
	}

	if windowMS, _ := strconv.Atoi(r.URL.Query().Get("aggregateWindowMs")); windowMS > 0 {
		// Simulate the server-side coalescing window.
		time.Sleep(time.Duration(windowMS) * time.Millisecond)
	}

	started := time.Now()
	records := matchCorpus(query, limit)

	b.writeRateLimitHeaders(w, remaining, reset)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"papers":     records,
		"source":     "mock",
		"count":      len(records),
		"cached":     false,
		"searchTime": time.Since(started).Milliseconds(),
		"rateLimitInfo": map[string]any{
			"limit":     b.opts.rateLimit,
			"remaining": remaining,
			"resetTime": reset.UTC().Format(time.RFC3339),
		},
	})
}

// handleStream serves GET /v1/search/stream.
func (b *backend) handleStream(w http.ResponseWriter, r *http.Request) {
	query, limit, err := parseSearchParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, remaining, reset := b.allow()
	if !ok {
		b.reject429(w, reset)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	b.opts.logger.Debug().Str("query", query).Int("limit", limit).Msg("stream opened")

	started := time.Now()
	sendSSE(w, flusher, "init", map[string]any{
		"limit": limit,
		"rateLimit": map[string]any{
			"limit":     b.opts.rateLimit,
			"remaining": remaining,
			"resetTime": reset.UTC().Format(time.RFC3339),
		},
	})

	if b.opts.failSource != "" {
		sendSSE(w, flusher, "error", map[string]any{
			"source": b.opts.failSource,
			"error":  "provider unavailable",
		})
	}

	records := matchCorpus(query, limit)
	sent := 0
	for i, rec := range records {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(b.opts.paperDelay):
		}
		sendSSE(w, flusher, "paper", rec)
		sent++

		if b.opts.stall && i == 0 {
			<-r.Context().Done()
			return
		}
	}

	b.persist(r.URL.Query().Get("sessionId"), query, records)

	sendSSE(w, flusher, "done", map[string]any{
		"count":          sent,
		"processingTime": time.Since(started).Milliseconds(),
		"mode":           "forward",
	})
}

// handleSession serves GET /v1/search/sessions/{sessionID}.
func (b *backend) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	b.mu.Lock()
	sess, ok := b.sessions[id]
	if ok && time.Since(sess.createdAt) > b.opts.sessionTTL {
		delete(b.sessions, id)
		ok = false
	}
	b.mu.Unlock()

	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	results := make([]map[string]any, 0, len(sess.records))
	for _, rec := range sess.records {
		results = append(results, map[string]any{"paper": rec})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"session": map[string]any{
			"id":        sess.id,
			"query":     sess.query,
			"createdAt": sess.createdAt.UTC().Format(time.RFC3339),
		},
		"results": results,
	})
}

func (b *backend) persist(sessionID, query string, records []domain.Record) {
	if sessionID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = &storedSession{
		id:        sessionID,
		query:     query,
		createdAt: time.Now(),
		records:   records,
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}
