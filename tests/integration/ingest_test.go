package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Sternrassler/datasync-ingest/internal/testutil"
	"github.com/Sternrassler/datasync-ingest/pkg/feed"
	"github.com/Sternrassler/datasync-ingest/pkg/ingest"
	"github.com/Sternrassler/datasync-ingest/pkg/store"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a Postgres container and returns a store with the
// schema applied.
func setupPostgres(t *testing.T) *store.Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ingest"),
		tcpostgres.WithUsername("ingest"),
		tcpostgres.WithPassword("ingest"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	pg, err := store.NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(pg.Close)

	if err := pg.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return pg
}

func newFeedClient(t *testing.T, origin string) *feed.Client {
	t.Helper()
	client, err := feed.New(feed.Config{Origin: origin, APIKey: "integration-key"})
	if err != nil {
		t.Fatalf("create feed client: %v", err)
	}
	return client
}

func fastWorkerConfig() ingest.Config {
	cfg := ingest.DefaultConfig()
	cfg.PageLimit = 100
	cfg.RequestTimeout = 5 * time.Second
	cfg.Retry = feed.RetryConfig{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}

func TestIngestEndToEnd(t *testing.T) {
	pg := setupPostgres(t)
	mock := testutil.NewMockFeed()
	defer mock.Close()

	t1, t2, t3 := int64(1000), int64(2000), int64(3000)
	mock.Enqueue(testutil.NewPageResponse([]map[string]any{
		testutil.FeedEvent("e-2", t2, map[string]any{"type": "click", "userId": "u1"}),
		testutil.FeedEvent("e-1", t1, map[string]any{"type": "view", "properties": map[string]any{"page": "/"}}),
		testutil.FeedEvent("e-3", t3, map[string]any{"name": "signup"}),
	}, true, "abc"))
	// The drained queue serves the terminal empty page.

	worker := ingest.NewWorker(newFeedClient(t, mock.URL()), pg, fastWorkerConfig())
	sum, err := worker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if sum.Pages != 1 || sum.Fetched != 3 || sum.Inserted != 3 || sum.StoredTotal != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if mock.LastAPIKey != "integration-key" {
		t.Errorf("api key header = %q", mock.LastAPIKey)
	}
	if got := mock.Query(1).Get("cursor"); got != "abc" {
		t.Errorf("second fetch cursor = %q, want abc", got)
	}

	progress, err := pg.LoadProgress(context.Background(), "events")
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if progress.Cursor != nil {
		t.Errorf("final cursor = %q, want nil", *progress.Cursor)
	}
	if progress.CheckpointMs == nil || *progress.CheckpointMs != t1 {
		t.Errorf("checkpoint = %v, want %d", progress.CheckpointMs, t1)
	}
}

func TestIngestResumesFromCommittedProgress(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()

	page := []map[string]any{
		testutil.FeedEvent("r-1", int64(5000), nil),
		testutil.FeedEvent("r-2", int64(6000), nil),
	}

	// First run commits page 1, then dies on an unclassified failure.
	mock := testutil.NewMockFeed()
	mock.Enqueue(testutil.NewPageResponse(page, true, "c1"))
	mock.Enqueue(testutil.MockFeedResponse{
		StatusCode: 403,
		Body:       `{"error": "Forbidden", "message": "key revoked", "code": "FORBIDDEN"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	})

	worker := ingest.NewWorker(newFeedClient(t, mock.URL()), pg, fastWorkerConfig())
	if _, err := worker.Run(ctx); err == nil {
		t.Fatal("expected fatal error on first run")
	}
	mock.Close()

	progress, err := pg.LoadProgress(ctx, "events")
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if progress.Cursor == nil || *progress.Cursor != "c1" {
		t.Fatalf("persisted cursor = %v, want c1", progress.Cursor)
	}

	// Second run resumes from the stored cursor; re-serving the same
	// events must not duplicate rows.
	mock2 := testutil.NewMockFeed()
	defer mock2.Close()
	mock2.Enqueue(testutil.NewPageResponse(page, false, ""))

	worker2 := ingest.NewWorker(newFeedClient(t, mock2.URL()), pg, fastWorkerConfig())
	sum, err := worker2.Run(ctx)
	if err != nil {
		t.Fatalf("second run error: %v", err)
	}

	if got := mock2.Query(0).Get("cursor"); got != "c1" {
		t.Errorf("resume fetch cursor = %q, want c1", got)
	}
	if sum.Inserted != 0 {
		t.Errorf("second run inserted = %d, want 0", sum.Inserted)
	}
	if count, _ := pg.CountEvents(ctx); count != 2 {
		t.Errorf("stored rows = %d, want 2", count)
	}
}

func TestIngestRecoversFromInvalidCursor(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()

	checkpoint := int64(4000)
	stale := "stale-cursor"
	if err := pg.EnsureProgress(ctx, "events"); err != nil {
		t.Fatal(err)
	}
	if err := pg.SaveProgress(ctx, "events", store.Progress{Cursor: &stale, CheckpointMs: &checkpoint}); err != nil {
		t.Fatal(err)
	}

	mock := testutil.NewMockFeed()
	defer mock.Close()
	mock.Enqueue(testutil.NewInvalidCursorResponse())
	mock.Enqueue(testutil.NewPageResponse([]map[string]any{
		testutil.FeedEvent("v-1", int64(3500), nil),
	}, false, ""))

	worker := ingest.NewWorker(newFeedClient(t, mock.URL()), pg, fastWorkerConfig())
	if _, err := worker.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if got := mock.Query(0).Get("cursor"); got != stale {
		t.Errorf("first fetch cursor = %q, want %q", got, stale)
	}
	refetch := mock.Query(1)
	if refetch.Get("cursor") != "" {
		t.Errorf("refetch cursor = %q, want empty", refetch.Get("cursor"))
	}
	if refetch.Get("until") != "4000" {
		t.Errorf("refetch until = %q, want 4000", refetch.Get("until"))
	}
}

func TestIngestAbsorbsChaosResponses(t *testing.T) {
	pg := setupPostgres(t)
	mock := testutil.NewMockFeed()
	defer mock.Close()

	mock.Enqueue(testutil.NewEmptyBodyResponse())
	mock.Enqueue(testutil.NewTextBodyResponse())
	mock.Enqueue(testutil.NewServerErrorResponse())
	mock.Enqueue(testutil.NewRateLimitedResponse(0))
	mock.Enqueue(testutil.NewPageResponse([]map[string]any{
		testutil.FeedEvent("c-1", int64(7000), nil),
	}, false, ""))

	worker := ingest.NewWorker(newFeedClient(t, mock.URL()), pg, fastWorkerConfig())
	sum, err := worker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", sum.Inserted)
	}
	if mock.GetRequestCount() != 5 {
		t.Errorf("requests = %d, want 5 (4 failures + final page)", mock.GetRequestCount())
	}
}

func TestInsertBatchIsIdempotent(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()

	record := store.EventRecord{
		ID:          "dup-1",
		TimestampMs: 1234,
		Raw:         json.RawMessage(`{"id": "dup-1", "timestamp": 1234}`),
	}

	inserted, err := store.InsertBatch(ctx, pg.Pool(), []store.EventRecord{record})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if inserted != 1 {
		t.Errorf("first insert count = %d, want 1", inserted)
	}

	inserted, err = store.InsertBatch(ctx, pg.Pool(), []store.EventRecord{record})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted != 0 {
		t.Errorf("second insert count = %d, want 0", inserted)
	}

	if count, _ := pg.CountEvents(ctx); count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
}

func TestInsertBatch_EmptyIsNoop(t *testing.T) {
	pg := setupPostgres(t)
	inserted, err := store.InsertBatch(context.Background(), pg.Pool(), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted != 0 {
		t.Errorf("inserted = %d, want 0", inserted)
	}
}

func TestCommitPageIsAtomic(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()

	if err := pg.EnsureProgress(ctx, "events"); err != nil {
		t.Fatal(err)
	}
	before, err := pg.LoadProgress(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}

	cursor := "should-not-survive"
	checkpoint := int64(1)
	// The second record violates the NOT NULL raw column, failing the
	// batch after the first record was staged.
	records := []store.EventRecord{
		{ID: "a-1", TimestampMs: 1, Raw: json.RawMessage(`{"id": "a-1"}`)},
		{ID: "a-2", TimestampMs: 2},
	}

	_, err = pg.CommitPage(ctx, "events", records, store.Progress{Cursor: &cursor, CheckpointMs: &checkpoint})
	if err == nil {
		t.Fatal("expected commit failure")
	}

	if count, _ := pg.CountEvents(ctx); count != 0 {
		t.Errorf("rows after rollback = %d, want 0", count)
	}
	after, err := pg.LoadProgress(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}
	if after.Cursor != nil || after.CheckpointMs != nil {
		t.Errorf("progress after rollback = %+v, want %+v", after, before)
	}
}

func TestProgressRoundTrip(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()

	// Ensure is idempotent.
	if err := pg.EnsureProgress(ctx, "events"); err != nil {
		t.Fatal(err)
	}
	if err := pg.EnsureProgress(ctx, "events"); err != nil {
		t.Fatal(err)
	}

	progress, err := pg.LoadProgress(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}
	if progress.UntilMs != nil || progress.Cursor != nil || progress.CheckpointMs != nil {
		t.Errorf("fresh progress = %+v, want all nil", progress)
	}

	until, checkpoint := int64(111), int64(222)
	cursor := "tok"
	want := store.Progress{UntilMs: &until, Cursor: &cursor, CheckpointMs: &checkpoint}
	if err := pg.SaveProgress(ctx, "events", want); err != nil {
		t.Fatal(err)
	}

	got, err := pg.LoadProgress(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}
	if got.UntilMs == nil || *got.UntilMs != until ||
		got.Cursor == nil || *got.Cursor != cursor ||
		got.CheckpointMs == nil || *got.CheckpointMs != checkpoint {
		t.Errorf("progress = %+v, want %+v", got, want)
	}

	// Loading a name that was never ensured yields a zero Progress.
	other, err := pg.LoadProgress(ctx, "other-feed")
	if err != nil {
		t.Fatal(err)
	}
	if other.Cursor != nil {
		t.Errorf("unknown feed progress = %+v", other)
	}
}
