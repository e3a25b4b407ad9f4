package ingest

import (
	"fmt"

	"github.com/Sternrassler/datasync-ingest/pkg/feed"
	"github.com/Sternrassler/datasync-ingest/pkg/store"
)

// normalizeRecord maps a raw feed event to a persistence-ready record. The
// identifier passes through unchanged, the timestamp is normalized to epoch
// milliseconds, classification fields are kept only when they are strings,
// and the complete original record is retained for audit and replay.
//
// A timestamp the parser rejects is a contract violation; the caller treats
// the error as fatal for the whole run.
func normalizeRecord(e feed.Event) (store.EventRecord, error) {
	if e.ID == "" {
		return store.EventRecord{}, fmt.Errorf("event missing id")
	}

	ms, err := feed.ParseTimestampMs(e.Timestamp)
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("event %s: %w", e.ID, err)
	}

	return store.EventRecord{
		ID:          e.ID,
		TimestampMs: ms,
		Type:        stringField(e.Type),
		Name:        stringField(e.Name),
		UserID:      stringField(e.UserID),
		SessionID:   stringField(e.SessionID),
		Properties:  e.Properties,
		Session:     e.Session,
		Raw:         e.Raw,
	}, nil
}

// stringField keeps a loosely decoded field only when it is a string.
func stringField(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
