package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrUnparseableTimestamp marks a timestamp the worker cannot interpret.
// This is a data contract violation and is never silently defaulted.
var ErrUnparseableTimestamp = errors.New("unparseable timestamp")

// timestampLayouts are tried in order for non-numeric string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestampMs normalizes the feed's heterogeneous timestamp encodings to
// epoch milliseconds. Accepted shapes: a finite number, a digit-only string
// (already epoch milliseconds), or a calendar date/time string.
func ParseTimestampMs(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			break
		}
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return ms, nil
		}
		if f, err := t.Float64(); err == nil && !math.IsInf(f, 0) {
			return int64(f), nil
		}
	case string:
		if isAllDigits(t) {
			if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
				return ms, nil
			}
			break
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UnixMilli(), nil
			}
		}
	}

	return 0, fmt.Errorf("%w: %v", ErrUnparseableTimestamp, v)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
