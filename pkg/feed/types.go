package feed

import (
	"encoding/json"
	"time"

	"github.com/Sternrassler/datasync-ingest/pkg/ratelimit"
)

// Synthesized error codes for responses whose body could not be used.
const (
	CodeEmptyResponse   = "EMPTY_RESPONSE"
	CodeInvalidResponse = "INVALID_RESPONSE"
)

// Event is a single raw feed record. The known fields are decoded loosely so
// the normalizer can decide what is usable; Raw always holds the complete
// original record for audit and replay.
type Event struct {
	ID         string          `json:"id"`
	SessionID  any             `json:"sessionId"`
	UserID     any             `json:"userId"`
	Type       any             `json:"type"`
	Name       any             `json:"name"`
	Timestamp  any             `json:"timestamp"`
	Properties json.RawMessage `json:"properties"`
	Session    json.RawMessage `json:"session"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and retains the original bytes.
func (e *Event) UnmarshalJSON(data []byte) error {
	type eventAlias Event
	var a eventAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Event(a)
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Pagination is the cursor metadata attached to every page.
type Pagination struct {
	Limit           int    `json:"limit"`
	HasMore         bool   `json:"hasMore"`
	NextCursor      string `json:"nextCursor,omitempty"`
	CursorExpiresIn *int64 `json:"cursorExpiresIn,omitempty"`
}

// Page is one successfully parsed feed response.
type Page struct {
	Data       []Event        `json:"data"`
	Pagination Pagination     `json:"pagination"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// APIError is the structured error object the feed returns on failures, and
// the shape synthesized for unusable bodies.
type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// PageRequest describes a single paginated fetch.
type PageRequest struct {
	Limit   int
	Cursor  string // empty when no continuation is held
	UntilMs *int64 // optional upper time bound for bounded backfills
	Timeout time.Duration
}

// FetchResult is the tagged outcome of one fetch attempt. OK selects the
// variant: Page on success, Status/APIError/RetryAfter on an API-level
// failure. Transport faults never produce a FetchResult.
type FetchResult struct {
	OK   bool
	Page *Page

	Status     int
	APIError   *APIError
	RetryAfter *time.Duration

	RateLimit ratelimit.Info
	Chaos     ratelimit.ChaosInfo
}
