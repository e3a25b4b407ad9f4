package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/datasync-ingest/internal/config"
	"github.com/Sternrassler/datasync-ingest/pkg/feed"
	"github.com/Sternrassler/datasync-ingest/pkg/ingest"
	"github.com/Sternrassler/datasync-ingest/pkg/logging"
	"github.com/Sternrassler/datasync-ingest/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("api_origin", cfg.APIOrigin).
		Int("feed_limit", cfg.FeedLimit).
		Dur("request_timeout", cfg.RequestTimeout).
		Msg("Starting ingestion worker")

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		os.Exit(1)
	}
	defer pg.Close()

	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to ensure schema")
		os.Exit(1)
	}

	client, err := feed.New(feed.Config{Origin: cfg.APIOrigin, APIKey: cfg.APIKey})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create feed client")
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, newMux(pg)); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	workerCfg := ingest.DefaultConfig()
	workerCfg.PageLimit = cfg.FeedLimit
	workerCfg.RequestTimeout = cfg.RequestTimeout

	summary, err := ingest.NewWorker(client, pg, workerCfg).Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Ingestion failed")
		os.Exit(1)
	}

	logger.Info().
		Int("pages", summary.Pages).
		Int("fetched", summary.Fetched).
		Int64("inserted", summary.Inserted).
		Int64("stored_total", summary.StoredTotal).
		Msg("Ingestion complete")
}

// pinger is the readiness dependency of the health endpoint.
type pinger interface {
	Ping(ctx context.Context) error
}

func newMux(db pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	return mux
}
