package feed

import (
	"context"
	"time"

	"github.com/Sternrassler/datasync-ingest/pkg/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	feedRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_retries_total",
		Help: "Total transport-level retry attempts by operation label",
	}, []string{"label"})

	feedRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_retry_exhausted_total",
		Help: "Total operations that exhausted their retry budget",
	}, []string{"label"})
)

// RetryConfig bounds the generic retry combinator.
type RetryConfig struct {
	// MaxAttempts is the total number of executions, including the first.
	MaxAttempts int

	// Base and Max bound the backoff delay between attempts.
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryConfig returns the retry bounds used around feed fetches.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 8,
		Base:        backoff.DefaultBase,
		Max:         backoff.DefaultMax,
	}
}

// WithRetries invokes fn, retrying on any error up to cfg.MaxAttempts with
// backoff between attempts. After the ceiling is reached the last error is
// propagated unchanged. Intended for unclassified transport-level faults
// only; classified API failures are handled by the ingestion loop.
func WithRetries[T any](ctx context.Context, cfg RetryConfig, label string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempt := 0

	for {
		v, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("label", label).
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return v, nil
		}

		attempt++
		if attempt >= cfg.MaxAttempts {
			feedRetryExhaustedTotal.WithLabelValues(label).Inc()
			log.Warn().
				Str("label", label).
				Int("max_attempts", cfg.MaxAttempts).
				Err(err).
				Msg("Retry attempts exhausted")
			return zero, err
		}

		wait := backoff.DelayWith(attempt, cfg.Base, cfg.Max)
		feedRetriesTotal.WithLabelValues(label).Inc()
		log.Warn().
			Str("label", label).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(err).
			Msg("Operation failed, retrying")

		if serr := backoff.Sleep(ctx, wait); serr != nil {
			return zero, serr
		}
	}
}
