// Package ingest drives the resumable ingestion loop: fetch a page, classify
// failures, commit the batch together with updated progress, pace against the
// feed's rate limit, repeat.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/datasync-ingest/pkg/backoff"
	"github.com/Sternrassler/datasync-ingest/pkg/feed"
	"github.com/Sternrassler/datasync-ingest/pkg/ratelimit"
	"github.com/Sternrassler/datasync-ingest/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for the ingestion loop.
var (
	ingestPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_pages_total",
		Help: "Total pages committed",
	})

	ingestEventsInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_events_inserted_total",
		Help: "Total events newly inserted",
	})

	ingestTransientFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_transient_failures_total",
		Help: "Classified transient feed failures by kind",
	}, []string{"kind"})

	ingestCursorResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_cursor_resets_total",
		Help: "Cursor invalidation recoveries",
	})

	ingestBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_backoff_seconds",
		Help:    "Backoff delay applied after transient failures",
		Buckets: []float64{0.2, 0.5, 1, 2, 5, 10, 30},
	})
)

// Storage is the durable side of the pipeline. store.Postgres is the
// production implementation; CommitPage must be atomic.
type Storage interface {
	EnsureProgress(ctx context.Context, name string) error
	LoadProgress(ctx context.Context, name string) (store.Progress, error)
	SaveProgress(ctx context.Context, name string, progress store.Progress) error
	CommitPage(ctx context.Context, name string, records []store.EventRecord, progress store.Progress) (int64, error)
	CountEvents(ctx context.Context) (int64, error)
}

// PageFetcher issues a single paginated fetch. Implemented by feed.Client.
type PageFetcher interface {
	FetchPage(ctx context.Context, req feed.PageRequest) (*feed.FetchResult, error)
}

// Config holds the worker configuration.
type Config struct {
	// FeedName keys the progress record. One worker per name.
	FeedName string

	// PageLimit is the page size requested from the feed.
	PageLimit int

	// RequestTimeout bounds each fetch attempt.
	RequestTimeout time.Duration

	// Retry bounds the transport-level retry wrapper.
	Retry feed.RetryConfig

	// BackoffBase and BackoffMax bound the delay for classified transient
	// feed failures, which retry without an attempt ceiling.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		FeedName:       "events",
		PageLimit:      5000,
		RequestTimeout: 30 * time.Second,
		Retry:          feed.DefaultRetryConfig(),
		BackoffBase:    200 * time.Millisecond,
		BackoffMax:     5 * time.Second,
	}
}

// Summary reports what a completed run did. StoredTotal is observational
// only; resumption relies solely on the progress record.
type Summary struct {
	Pages       int
	Fetched     int
	Inserted    int64
	StoredTotal int64
}

// Worker is the single-threaded ingestion state machine.
type Worker struct {
	fetcher PageFetcher
	storage Storage
	config  Config
	logger  zerolog.Logger
}

// NewWorker creates a worker. Exactly one worker per feed name may run at a
// time; the progress record has no cross-instance locking.
func NewWorker(fetcher PageFetcher, storage Storage, cfg Config) *Worker {
	if cfg.FeedName == "" {
		cfg.FeedName = "events"
	}
	return &Worker{
		fetcher: fetcher,
		storage: storage,
		config:  cfg,
		logger:  log.With().Str("component", "ingest-worker").Str("feed", cfg.FeedName).Logger(),
	}
}

// Run executes the ingestion loop until the feed reports no further pages or
// a fatal condition aborts it. Restarting after any abort resumes from the
// last durably committed progress record.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	if err := w.storage.EnsureProgress(ctx, w.config.FeedName); err != nil {
		return sum, err
	}
	progress, err := w.storage.LoadProgress(ctx, w.config.FeedName)
	if err != nil {
		return sum, err
	}

	w.logger.Info().
		Interface("until_ms", progress.UntilMs).
		Bool("has_cursor", progress.Cursor != nil).
		Interface("checkpoint_ms", progress.CheckpointMs).
		Msg("Loaded progress")

	consecutiveFailures := 0

	for {
		iterStart := time.Now()

		result, err := feed.WithRetries(ctx, w.config.Retry, "fetch events page",
			func(ctx context.Context) (*feed.FetchResult, error) {
				return w.fetcher.FetchPage(ctx, feed.PageRequest{
					Limit:   w.config.PageLimit,
					Cursor:  cursorValue(progress.Cursor),
					UntilMs: progress.UntilMs,
					Timeout: w.config.RequestTimeout,
				})
			})
		if err != nil {
			return sum, fmt.Errorf("fetch events page: %w", err)
		}

		if !result.OK {
			switch classifyFailure(result) {
			case failureInvalidCursor:
				progress, err = w.recoverInvalidCursor(ctx, progress)
				if err != nil {
					return sum, err
				}
				consecutiveFailures = 0
				continue

			case failureTransientBody:
				consecutiveFailures++
				wait := backoff.DelayWith(consecutiveFailures, w.config.BackoffBase, w.config.BackoffMax)
				ingestTransientFailuresTotal.WithLabelValues("malformed_body").Inc()
				ingestBackoffSeconds.Observe(wait.Seconds())
				w.logger.Warn().
					Int("status", result.Status).
					Str("code", errorCode(result)).
					Dur("wait", wait).
					Str("chaos", result.Chaos.Applied).
					Msg("Transient feed response, retrying")
				if err := backoff.Sleep(ctx, wait); err != nil {
					return sum, err
				}
				continue

			case failureOverload:
				consecutiveFailures++
				wait := backoff.DelayWith(consecutiveFailures, w.config.BackoffBase, w.config.BackoffMax)
				// The server's stated delay takes precedence when it
				// exceeds the computed backoff.
				if result.RetryAfter != nil && *result.RetryAfter > wait {
					wait = *result.RetryAfter
				}
				ingestTransientFailuresTotal.WithLabelValues("overload").Inc()
				ingestBackoffSeconds.Observe(wait.Seconds())
				w.logger.Warn().
					Int("status", result.Status).
					Str("code", errorCode(result)).
					Dur("wait", wait).
					Msg("Feed overloaded, backing off")
				if err := backoff.Sleep(ctx, wait); err != nil {
					return sum, err
				}
				continue

			default:
				return sum, &APIFatalError{Status: result.Status, APIError: result.APIError}
			}
		}

		consecutiveFailures = 0
		page := result.Page
		hasMore := page.Pagination.HasMore

		if len(page.Data) == 0 && !hasMore {
			// Terminal page. Release the continuation token so a later
			// run starts a fresh feed scan.
			if progress.Cursor != nil {
				progress.Cursor = nil
				if err := w.storage.SaveProgress(ctx, w.config.FeedName, progress); err != nil {
					return sum, err
				}
			}
			break
		}

		records := make([]store.EventRecord, 0, len(page.Data))
		for _, ev := range page.Data {
			rec, nerr := normalizeRecord(ev)
			if nerr != nil {
				return sum, fmt.Errorf("normalize page: %w", nerr)
			}
			records = append(records, rec)
		}

		next := nextProgress(progress, records, page.Pagination)

		inserted, err := w.storage.CommitPage(ctx, w.config.FeedName, records, next)
		if err != nil {
			return sum, fmt.Errorf("commit page: %w", err)
		}
		progress = next

		sum.Pages++
		sum.Fetched += len(records)
		sum.Inserted += inserted
		ingestPagesTotal.Inc()
		ingestEventsInsertedTotal.Add(float64(inserted))

		w.logger.Info().
			Int("page", sum.Pages).
			Int("fetched", len(records)).
			Int64("inserted", inserted).
			Int("fetched_total", sum.Fetched).
			Int64("inserted_total", sum.Inserted).
			Bool("has_more", hasMore).
			Interface("cursor_expires_in", page.Pagination.CursorExpiresIn).
			Interface("rate_limit_remaining", result.RateLimit.Remaining).
			Interface("checkpoint_ms", progress.CheckpointMs).
			Msg("Page ingested")

		if !hasMore {
			break
		}

		if delay := ratelimit.PacingDelay(result.RateLimit, time.Since(iterStart)); delay > 0 {
			w.logger.Info().
				Dur("delay", delay).
				Interface("remaining", result.RateLimit.Remaining).
				Interface("reset_seconds", result.RateLimit.ResetSeconds).
				Msg("Rate limit pacing")
			if err := backoff.Sleep(ctx, delay); err != nil {
				return sum, err
			}
		}
	}

	count, err := w.storage.CountEvents(ctx)
	if err != nil {
		return sum, err
	}
	sum.StoredTotal = count

	w.logger.Info().
		Int("pages", sum.Pages).
		Int64("stored_total", count).
		Msg("Ingestion finished")

	return sum, nil
}

// recoverInvalidCursor resets the continuation state to the last checkpoint
// and persists it immediately, so the very next fetch starts from a fresh,
// non-expired bound.
func (w *Worker) recoverInvalidCursor(ctx context.Context, progress store.Progress) (store.Progress, error) {
	fallback := progress.CheckpointMs
	if fallback == nil {
		fallback = progress.UntilMs
	}

	ingestCursorResetsTotal.Inc()
	w.logger.Warn().
		Interface("fallback_until_ms", fallback).
		Msg("Cursor invalid, restarting from checkpoint")

	next := store.Progress{
		UntilMs:      fallback,
		Cursor:       nil,
		CheckpointMs: progress.CheckpointMs,
	}
	if err := w.storage.SaveProgress(ctx, w.config.FeedName, next); err != nil {
		return progress, err
	}
	return next, nil
}

// nextProgress derives the progress record committed with a page: until is
// unchanged, the cursor follows the pagination, and the checkpoint moves to
// the oldest timestamp of the page. An empty page leaves the checkpoint where
// it was.
func nextProgress(current store.Progress, records []store.EventRecord, p feed.Pagination) store.Progress {
	next := store.Progress{
		UntilMs:      current.UntilMs,
		CheckpointMs: current.CheckpointMs,
	}

	if len(records) > 0 {
		oldest := records[0].TimestampMs
		for _, r := range records[1:] {
			if r.TimestampMs < oldest {
				oldest = r.TimestampMs
			}
		}
		next.CheckpointMs = &oldest
	}

	if p.HasMore && p.NextCursor != "" {
		cursor := p.NextCursor
		next.Cursor = &cursor
	}

	return next
}

type failureKind int

const (
	failureFatal failureKind = iota
	failureInvalidCursor
	failureTransientBody
	failureOverload
)

// classifyFailure orders the recovery paths by priority: invalid cursor,
// transient malformed body, overload, everything else fatal.
func classifyFailure(r *feed.FetchResult) failureKind {
	if isInvalidCursor(r) {
		return failureInvalidCursor
	}
	if isTransientBody(r) {
		return failureTransientBody
	}
	if r.Status == 429 || r.Status >= 500 {
		return failureOverload
	}
	return failureFatal
}

// isInvalidCursor matches a 400 whose error code or message references the
// cursor. The feed signals expired or malformed continuation tokens this way.
func isInvalidCursor(r *feed.FetchResult) bool {
	if r.Status != 400 || r.APIError == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(r.APIError.Code), "CURSOR") ||
		strings.Contains(strings.ToLower(r.APIError.Message), "cursor")
}

// isTransientBody matches a successful status whose body had to be
// synthesized into EMPTY_RESPONSE or INVALID_RESPONSE.
func isTransientBody(r *feed.FetchResult) bool {
	if r.Status < 200 || r.Status >= 300 || r.APIError == nil {
		return false
	}
	return r.APIError.Code == feed.CodeEmptyResponse || r.APIError.Code == feed.CodeInvalidResponse
}

func errorCode(r *feed.FetchResult) string {
	if r.APIError == nil {
		return ""
	}
	return r.APIError.Code
}

func cursorValue(c *string) string {
	if c == nil {
		return ""
	}
	return *c
}
