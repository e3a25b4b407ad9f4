// Package testutil provides testing utilities for the DataSync ingestion
// worker.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockFeedResponse defines one scripted feed response.
type MockFeedResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockFeed is a configurable mock of the DataSync events endpoint. Responses
// are served in the order they were enqueued; once the queue is drained every
// request gets a terminal empty page.
type MockFeed struct {
	server *httptest.Server
	mu     sync.Mutex
	queue  []MockFeedResponse

	// Tracking
	RequestCount int
	Queries      []url.Values
	LastAPIKey   string
}

// NewMockFeed creates a running mock feed server.
func NewMockFeed() *MockFeed {
	mock := &MockFeed{}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.Queries = append(mock.Queries, r.URL.Query())
		mock.LastAPIKey = r.Header.Get("X-API-Key")

		var resp MockFeedResponse
		if len(mock.queue) > 0 {
			resp = mock.queue[0]
			mock.queue = mock.queue[1:]
		} else {
			resp = NewPageResponse(nil, false, "")
		}
		mock.mu.Unlock()

		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockFeed) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockFeed) Close() {
	m.server.Close()
}

// Enqueue appends scripted responses.
func (m *MockFeed) Enqueue(responses ...MockFeedResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// Reset clears the queue and all tracking state.
func (m *MockFeed) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.RequestCount = 0
	m.Queries = nil
	m.LastAPIKey = ""
}

// GetRequestCount returns the number of requests served so far.
func (m *MockFeed) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// Query returns the query parameters of the i-th request.
func (m *MockFeed) Query(i int) url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.Queries) {
		return url.Values{}
	}
	return m.Queries[i]
}

// RandomEventID returns a fresh event identifier.
func RandomEventID() string {
	return uuid.NewString()
}

// FeedEvent builds a raw feed event. An empty id gets a random one.
func FeedEvent(id string, timestamp any, extra map[string]any) map[string]any {
	if id == "" {
		id = RandomEventID()
	}
	event := map[string]any{
		"id":        id,
		"timestamp": timestamp,
	}
	for k, v := range extra {
		event[k] = v
	}
	return event
}

// NewPageResponse builds a healthy feed page with rate limit headers.
func NewPageResponse(events []map[string]any, hasMore bool, nextCursor string) MockFeedResponse {
	if events == nil {
		events = []map[string]any{}
	}
	page := map[string]any{
		"data": events,
		"pagination": map[string]any{
			"limit":   len(events),
			"hasMore": hasMore,
		},
	}
	if nextCursor != "" {
		page["pagination"].(map[string]any)["nextCursor"] = nextCursor
	}

	body, err := json.Marshal(page)
	if err != nil {
		panic(fmt.Sprintf("marshal mock page: %v", err))
	}

	return MockFeedResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type":          "application/json",
			"X-RateLimit-Limit":     "100",
			"X-RateLimit-Remaining": "99",
			"X-RateLimit-Reset":     "60",
		},
	}
}

// NewRateLimitedResponse creates a 429 with a Retry-After second count.
func NewRateLimitedResponse(retryAfterSeconds int) MockFeedResponse {
	return MockFeedResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "RateLimited", "message": "too many requests", "code": "RATE_LIMITED"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Retry-After":  strconv.Itoa(retryAfterSeconds),
		},
	}
}

// NewInvalidCursorResponse creates the 400 the feed returns for an expired
// continuation token.
func NewInvalidCursorResponse() MockFeedResponse {
	return MockFeedResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error": "InvalidCursor", "message": "cursor has expired", "code": "INVALID_CURSOR"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewEmptyBodyResponse creates a 200 with no body (chaos injection).
func NewEmptyBodyResponse() MockFeedResponse {
	return MockFeedResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"X-Chaos-Applied":     "empty_body",
			"X-Chaos-Description": "body withheld",
		},
	}
}

// NewTextBodyResponse creates a 200 whose body is not JSON (chaos injection).
func NewTextBodyResponse() MockFeedResponse {
	return MockFeedResponse{
		StatusCode: http.StatusOK,
		Body:       "everything is fine, trust me",
		Headers: map[string]string{
			"X-Chaos-Applied":     "garbled_body",
			"X-Chaos-Description": "plain text instead of JSON",
		},
	}
}

// NewServerErrorResponse creates a 500.
func NewServerErrorResponse() MockFeedResponse {
	return MockFeedResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal", "message": "upstream exploded"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
