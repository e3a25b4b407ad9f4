// Package metrics documents the Prometheus metrics the worker exposes. The
// metrics themselves are defined via promauto in their respective packages
// (feed, ratelimit, ingest) to maintain modularity and avoid circular
// dependencies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the worker. All
// metrics are automatically registered via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Feed client (pkg/feed):
//   - feed_requests_total{status} (Counter): Requests by HTTP status or transport_error
//   - feed_request_duration_seconds (Histogram): Request duration
//   - feed_retries_total{label} (Counter): Transport-level retry attempts
//   - feed_retry_exhausted_total{label} (Counter): Operations that exhausted their retry budget
//
// Rate limiting (pkg/ratelimit):
//   - feed_rate_limit_remaining (Gauge): Remaining quota reported by the feed
//   - feed_pacing_seconds (Histogram): Self-throttling delay between pages
//
// Ingestion loop (pkg/ingest):
//   - ingest_pages_total (Counter): Pages committed
//   - ingest_events_inserted_total (Counter): Events newly inserted
//   - ingest_transient_failures_total{kind} (Counter): Classified transient failures (malformed_body, overload)
//   - ingest_cursor_resets_total (Counter): Cursor invalidation recoveries
//   - ingest_backoff_seconds (Histogram): Backoff applied after transient failures
//
// Example Prometheus Queries:
//
//   # Transient failure rate
//   rate(ingest_transient_failures_total[5m])
//
//   # Insert throughput
//   rate(ingest_events_inserted_total[5m])
//
//   # P95 feed latency
//   histogram_quantile(0.95, rate(feed_request_duration_seconds_bucket[5m]))
