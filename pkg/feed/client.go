// Package feed implements the resilient client for the DataSync paginated
// event feed: defensive response parsing, rate limit header extraction, and
// the transport-level retry combinator.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/datasync-ingest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for feed requests.
var (
	feedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_requests_total",
		Help: "Total feed requests by outcome status",
	}, []string{"status"})

	feedRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_request_duration_seconds",
		Help:    "Feed request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

const eventsPath = "/api/v1/events"

// Config holds the feed client configuration.
type Config struct {
	// Origin is the feed base URL, e.g. "https://datasync.example.com".
	Origin string

	// APIKey is sent in the X-API-Key header on every request.
	APIKey string
}

// Client issues single paginated fetches against the feed.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a feed client.
func New(cfg Config) (*Client, error) {
	if cfg.Origin == "" {
		return nil, fmt.Errorf("feed origin is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("feed api key is required")
	}
	if _, err := url.Parse(cfg.Origin); err != nil {
		return nil, fmt.Errorf("parse feed origin: %w", err)
	}

	return &Client{
		// Per-request deadlines come from the request context; the
		// transport itself carries no timeout.
		httpClient: &http.Client{},
		config:     cfg,
		logger:     log.With().Str("component", "feed-client").Logger(),
	}, nil
}

// FetchPage performs one paginated GET against the feed. Transport faults
// (timeouts, connection errors) are returned as the error; every HTTP
// response, including failures, is classified into a FetchResult.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*FetchResult, error) {
	target, err := url.Parse(c.config.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	target.Path = eventsPath

	query := url.Values{}
	query.Set("limit", strconv.Itoa(req.Limit))
	if req.Cursor != "" {
		query.Set("cursor", req.Cursor)
	}
	if req.UntilMs != nil {
		query.Set("until", strconv.FormatInt(*req.UntilMs, 10))
	}
	target.RawQuery = query.Encode()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	feedRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		feedRequestsTotal.WithLabelValues("transport_error").Inc()
		c.logger.Warn().Err(err).Str("cursor", req.Cursor).Msg("Feed request failed")
		return nil, fmt.Errorf("fetch events page: %w", err)
	}
	defer resp.Body.Close()

	feedRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	result := &FetchResult{
		Status:     resp.StatusCode,
		RateLimit:  ratelimit.ParseHeaders(resp.Header),
		RetryAfter: ratelimit.RetryAfter(resp.Header),
		Chaos:      ratelimit.ParseChaos(resp.Header),
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	body = bytes.TrimSpace(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.APIError = decodeAPIError(body)
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("chaos", result.Chaos.Applied).
			Msg("Feed returned error status")
		return result, nil
	}

	if len(body) == 0 {
		result.APIError = &APIError{
			Error:   "EmptyResponse",
			Message: "received an empty response body",
			Code:    CodeEmptyResponse,
		}
		return result, nil
	}

	page := new(Page)
	if body[0] != '{' || json.Unmarshal(body, page) != nil {
		result.APIError = &APIError{
			Error:   "InvalidResponse",
			Message: "response body is not a JSON object",
			Code:    CodeInvalidResponse,
		}
		return result, nil
	}

	result.OK = true
	result.Page = page

	c.logger.Debug().
		Int("events", len(page.Data)).
		Bool("has_more", page.Pagination.HasMore).
		Msg("Fetched feed page")

	return result, nil
}

// decodeAPIError extracts the structured error object from a failure body,
// when there is one.
func decodeAPIError(body []byte) *APIError {
	if len(body) == 0 || body[0] != '{' {
		return nil
	}
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return nil
	}
	return &apiErr
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
