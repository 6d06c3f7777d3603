// Package main provides the litsearch command line client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/helixir/litsearch/internal/config"
	"github.com/helixir/litsearch/internal/domain"
	"github.com/helixir/litsearch/internal/observability"
	"github.com/helixir/litsearch/internal/search"
	"github.com/helixir/litsearch/internal/transport"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	limit    int
	userID   string
	token    string
	batch    bool
	asJSON   bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:     "litsearch",
		Short:   "Streaming literature search client",
		Long:    "litsearch runs literature searches against the search backend, streaming results as they arrive and falling back to batch aggregation when the stream stalls.",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env file is fine; environment variables win anyway.
			_ = godotenv.Load()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().IntVarP(&opts.limit, "limit", "l", 0, "maximum results (default from config, capped at 50)")
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", "", "user id to attribute searches to")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("LITSEARCH_ACCESS_TOKEN"), "access token for the backend")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "emit results as JSON instead of text")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newSearchCmd(opts))
	root.AddCommand(newResumeCmd(opts))
	return root
}

func newSearchCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one search and print the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(opts)
			if err != nil {
				return err
			}
			defer env.controller.Close()

			query := strings.Join(args, " ")
			if err := env.controller.Search(query, opts.limit); err != nil {
				return err
			}
			return env.await(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.batch, "batch", false, "skip streaming and aggregate in one batch request")
	return cmd
}

func newResumeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Restore a previous session's results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(opts)
			if err != nil {
				return err
			}
			defer env.controller.Close()

			if err := env.controller.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printView(env.controller.State(), opts.asJSON)
		},
	}
}

// cliEnv bundles the wired client for one command invocation.
type cliEnv struct {
	controller *search.Controller
	logger     zerolog.Logger
	done       chan error
}

func buildEnv(opts *cliOptions) (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.batch && cfg.Search.AggregateWindow == 0 {
		cfg.Search.AggregateWindow = 400 * time.Millisecond
	}
	// One-shot invocations never repeat a query fast enough for the
	// cooldown gate or debounce to matter.
	cfg.Search.Cooldown = 0
	cfg.Search.Debounce = 0

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     "stderr",
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "cli").Logger()

	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	httpClient := transport.NewHTTPClient(transport.HTTPClientConfig{
		Timeout:   cfg.Backend.Timeout,
		RateLimit: cfg.Backend.RateLimit,
		BurstSize: cfg.Backend.BurstSize,
		UserAgent: cfg.Backend.UserAgent,
	})

	var tokens transport.TokenProvider
	if opts.token != "" {
		tokens = transport.StaticToken(opts.token)
	}

	env := &cliEnv{logger: logger, done: make(chan error, 1)}
	env.controller = search.NewController(
		cfg.Search,
		search.NewStreamConsumer(cfg.Backend.BaseURL, httpClient, tokens, logger),
		search.NewBatchFetcher(cfg.Backend.BaseURL, httpClient, tokens, logger),
		search.NewSessionResumer(cfg.Backend.BaseURL, httpClient, tokens, logger),
		metrics,
		logger,
		search.WithUserID(opts.userID),
		search.WithCallbacks(search.Callbacks{
			OnResult: func(v search.View) {
				if v.State == domain.StateDone {
					env.done <- nil
				}
			},
			OnError: func(err error) {
				env.done <- err
			},
			OnProviderWarning: func(perr *domain.ProviderError) {
				logger.Warn().Str("source", perr.Source).Msg(perr.Message)
			},
		}),
	)
	return env, nil
}

// await blocks until the search finishes, the user interrupts, or the parent
// context ends, then prints the final view.
func (e *cliEnv) await(ctx context.Context, opts *cliOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-e.done:
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				return fmt.Errorf("rate limited by the backend: %w", err)
			}
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return printView(e.controller.State(), opts.asJSON)
}

func printView(v search.View, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			SessionID string          `json:"sessionId"`
			Query     string          `json:"query"`
			Mode      string          `json:"mode,omitempty"`
			Count     int             `json:"count"`
			Papers    []domain.Record `json:"papers"`
		}{v.SessionID, v.Query, string(v.Mode), v.Count, v.Records})
	}

	fmt.Printf("%d results for %q (session %s)\n", v.Count, v.Query, v.SessionID)
	for i, r := range v.Records {
		year := r.Year
		if year == "" {
			year = "n.d."
		}
		fmt.Printf("%3d. [%s] %s\n", i+1, year, r.Title)
		if len(r.Authors) > 0 {
			fmt.Printf("     %s\n", strings.Join(r.Authors, ", "))
		}
		if r.DOI != "" {
			fmt.Printf("     doi:%s\n", r.DOI)
		} else if r.URL != "" {
			fmt.Printf("     %s\n", r.URL)
		}
	}
	if v.RateLimit != nil {
		fmt.Printf("rate limit: %d/%d remaining\n", v.RateLimit.Remaining, v.RateLimit.Limit)
	}
	return nil
}
