package store

import (
	"context"
	"fmt"
)

// EventRecord is a persistence-ready event as produced by the normalizer.
// Properties and Session are opaque JSON payloads or nil; Raw is the complete
// original record and is always stored.
type EventRecord struct {
	ID          string
	TimestampMs int64
	Type        *string
	Name        *string
	UserID      *string
	SessionID   *string
	Properties  []byte
	Session     []byte
	Raw         []byte
}

// insertBatchSQL inserts a whole page in one statement. The conflict clause
// makes re-insertion of an already stored id a no-op, so the operation is
// safe to repeat after a crash or restart.
const insertBatchSQL = `
WITH rows AS (
    SELECT *
    FROM unnest(
        $1::text[],
        $2::bigint[],
        $3::text[],
        $4::text[],
        $5::text[],
        $6::text[],
        $7::text[],
        $8::text[],
        $9::text[]
    ) AS t(id, timestamp_ms, type, name, user_id, session_id, properties_json, session_json, raw_json)
),
ins AS (
    INSERT INTO ingested_events (id, timestamp_ms, "timestamp", type, name, user_id, session_id, properties, session, raw)
    SELECT
        id,
        timestamp_ms,
        to_timestamp(timestamp_ms / 1000.0),
        type,
        name,
        user_id,
        session_id,
        properties_json::jsonb,
        session_json::jsonb,
        raw_json::jsonb
    FROM rows
    ON CONFLICT (id) DO NOTHING
    RETURNING 1
)
SELECT count(*)::bigint AS inserted_count FROM ins
`

// InsertBatch upserts a batch of records and returns how many were newly
// inserted. Zero records is a no-op returning 0. The db argument may be a
// pool or an open transaction.
func InsertBatch(ctx context.Context, db Querier, records []EventRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ids := make([]string, len(records))
	timestamps := make([]int64, len(records))
	types := make([]*string, len(records))
	names := make([]*string, len(records))
	userIDs := make([]*string, len(records))
	sessionIDs := make([]*string, len(records))
	propertiesJSON := make([]*string, len(records))
	sessionJSON := make([]*string, len(records))
	rawJSON := make([]string, len(records))

	for i, r := range records {
		ids[i] = r.ID
		timestamps[i] = r.TimestampMs
		types[i] = r.Type
		names[i] = r.Name
		userIDs[i] = r.UserID
		sessionIDs[i] = r.SessionID
		propertiesJSON[i] = jsonText(r.Properties)
		sessionJSON[i] = jsonText(r.Session)
		rawJSON[i] = string(r.Raw)
	}

	var inserted int64
	err := db.QueryRow(ctx, insertBatchSQL,
		ids, timestamps, types, names, userIDs, sessionIDs,
		propertiesJSON, sessionJSON, rawJSON,
	).Scan(&inserted)
	if err != nil {
		return 0, fmt.Errorf("insert event batch: %w", err)
	}

	return inserted, nil
}

// jsonText maps an opaque payload to a nullable text parameter. A JSON null
// collapses to SQL NULL, matching the nullable payload columns.
func jsonText(b []byte) *string {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := string(b)
	return &s
}
