// Package main provides a development backend for the litsearch client. It
// serves the streaming, batch, and session surfaces from a canned corpus so
// the client can be exercised end to end without the real providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixir/litsearch/internal/config"
	"github.com/helixir/litsearch/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr       = flag.String("addr", ":8080", "listen address")
		paperDelay = flag.Duration("paper-delay", 150*time.Millisecond, "delay between streamed papers")
		stall      = flag.Bool("stall", false, "hang every stream after the first paper to exercise the batch fallback")
		rateLimit  = flag.Int("rate-limit", 30, "requests allowed per window before 429s")
		rateWindow = flag.Duration("rate-window", time.Minute, "rate limit window")
		failSource = flag.String("fail-source", "", "provider name to report a non-fatal stream error for")
		sessionTTL = flag.Duration("session-ttl", time.Hour, "how long persisted sessions stay resumable")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "mockbackend").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := newBackend(backendOptions{
		paperDelay: *paperDelay,
		stall:      *stall,
		rateLimit:  *rateLimit,
		rateWindow: *rateWindow,
		failSource: *failSource,
		sessionTTL: *sessionTTL,
		logger:     logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/search", func(r chi.Router) {
		r.Get("/", backend.handleBatch)
		r.Get("/stream", backend.handleStream)
		r.Get("/sessions/{sessionID}", backend.handleSession)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addr).Msg("mock backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
