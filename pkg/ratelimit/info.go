// Package ratelimit parses the feed's rate-limit response headers and
// computes the pacing delay between page fetches. The derived state is
// ephemeral and never persisted.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for rate limit observations.
var (
	feedRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_rate_limit_remaining",
		Help: "Requests remaining in the current feed rate limit window",
	})

	feedPacingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_pacing_seconds",
		Help:    "Self-throttling delay applied between page fetches",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// Feed rate limit headers.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"

	HeaderChaosApplied     = "X-Chaos-Applied"
	HeaderChaosDescription = "X-Chaos-Description"
)

// Info is the rate limit state reported by a single feed response. Absent or
// unparseable headers leave the corresponding field nil.
type Info struct {
	Limit        *int64
	Remaining    *int64
	ResetSeconds *int64
}

// ChaosInfo carries the upstream's fault-injection markers. Diagnostic only.
type ChaosInfo struct {
	Applied     string
	Description string
}

// ParseHeaders reads the rate limit headers from a feed response.
func ParseHeaders(h http.Header) Info {
	info := Info{
		Limit:        parseIntHeader(h, HeaderLimit),
		Remaining:    parseIntHeader(h, HeaderRemaining),
		ResetSeconds: parseIntHeader(h, HeaderReset),
	}
	if info.Remaining != nil {
		feedRateLimitRemaining.Set(float64(*info.Remaining))
	}
	return info
}

// ParseChaos reads the diagnostic chaos markers from a feed response.
func ParseChaos(h http.Header) ChaosInfo {
	return ChaosInfo{
		Applied:     h.Get(HeaderChaosApplied),
		Description: h.Get(HeaderChaosDescription),
	}
}

// RetryAfter converts a Retry-After header into a non-negative delay. The
// header may carry a second count or an HTTP date. Returns nil when absent or
// unparseable.
func RetryAfter(h http.Header) *time.Duration {
	value := h.Get("Retry-After")
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil && !math.IsInf(seconds, 0) && !math.IsNaN(seconds) {
		d := time.Duration(seconds * float64(time.Second))
		if d < 0 {
			d = 0
		}
		return &d
	}

	if when, err := http.ParseTime(value); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

func parseIntHeader(h http.Header, name string) *int64 {
	value := h.Get(name)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsInf(parsed, 0) || math.IsNaN(parsed) {
		return nil
	}
	n := int64(parsed)
	return &n
}
