package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/refimport/tools/migrator"
)

// Test Fixtures and Helpers

// newTestDB creates a migrated SQLite database in a temp directory. A file is
// used rather than :memory: so every pooled connection sees the same data.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := migrator.RunMigrations(db.DB, Migrations()); err != nil {
		db.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func seedRun(t *testing.T, db *DB, id, runType string, marker Marker, status string) *ImportRun {
	t.Helper()

	run := &ImportRun{
		ID:             id,
		Type:           runType,
		StartedAt:      marker,
		Status:         status,
		SourceSnapshot: Snapshot{"upstream": "1"},
	}
	if err := db.CreateImportRun(context.Background(), run); err != nil {
		t.Fatalf("failed to seed run %s: %v", id, err)
	}
	return run
}

func upserts(pairs ...string) []Upsert {
	var out []Upsert
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Upsert{Key: pairs[i], Payload: json.RawMessage(pairs[i+1])})
	}
	return out
}

func mustUpsert(t *testing.T, db *DB, collection string, marker Marker, docs []Upsert) UpsertResult {
	t.Helper()
	res, err := db.UpsertDocuments(context.Background(), collection, marker, docs)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	return res
}

func keys(t *testing.T, db *DB, collection string, includeArchived bool) []string {
	t.Helper()
	docs, err := db.ListDocuments(context.Background(), collection, "", includeArchived, 1000)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Key)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Connection Tests

func TestOpen(t *testing.T) {
	db := newTestDB(t)

	if db.Driver() != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %s", db.Driver())
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("failed to read pragma: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign keys enabled, got %d", fk)
	}
}

func TestOpen_InvalidDriver(t *testing.T) {
	if _, err := Open("nope", "whatever"); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestOpenWithConfig(t *testing.T) {
	db, err := OpenWithConfig(Config{
		Driver:          "sqlite3",
		DSN:             filepath.Join(t.TempDir(), "cfg.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	if got := db.Stats().MaxOpenConnections; got != 4 {
		t.Errorf("expected max open conns 4, got %d", got)
	}
}

func TestSqliteDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"file.db", "file.db?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"},
		{"file.db?_busy_timeout=100", "file.db?_busy_timeout=100&_foreign_keys=on&_txlock=immediate"},
	}

	for _, tt := range tests {
		if got := sqliteDSN(tt.in); got != tt.want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: "postgres"}
	if got := pg.Rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected postgres rebind: %s", got)
	}

	lite := &DB{driver: "sqlite3"}
	if got := lite.Rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite query should be unchanged, got %s", got)
	}
}

// Import Run Tests

func TestCreateImportRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedRun(t, db, "run-1", "communes", 100, RunPending)

	run, err := db.GetImportRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if run.Type != "communes" || run.StartedAt != 100 || run.Status != RunPending {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.SourceSnapshot["upstream"] != "1" {
		t.Errorf("expected snapshot to round trip, got %v", run.SourceSnapshot)
	}
	if run.Resource != nil || run.FinishedAt != nil || run.Error != nil {
		t.Errorf("expected nullable fields unset, got %+v", run)
	}
}

func TestCreateImportRun_Duplicate(t *testing.T) {
	db := newTestDB(t)

	seedRun(t, db, "run-1", "communes", 100, RunPending)

	err := db.CreateImportRun(context.Background(), &ImportRun{ID: "run-2", Type: "communes", StartedAt: 100, Status: RunPending})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for same type and marker, got %v", err)
	}
}

func TestGetImportRun_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetImportRun(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestLatestImportRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedRun(t, db, "a", "communes", 100, RunDone)
	seedRun(t, db, "b", "communes", 200, RunFailed)
	seedRun(t, db, "c", "idcc", 300, RunDone)

	run, err := db.LatestImportRun(ctx, "communes", RunDone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ID != "a" {
		t.Errorf("expected latest successful run a, got %s", run.ID)
	}

	run, err = db.LatestImportRun(ctx, "communes", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ID != "b" {
		t.Errorf("expected latest run b, got %s", run.ID)
	}

	if _, err := db.LatestImportRun(ctx, "organismes", RunDone); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListImportRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedRun(t, db, "a", "communes", 100, RunDone)
	seedRun(t, db, "b", "communes", 200, RunDone)
	seedRun(t, db, "c", "idcc", 300, RunDone)

	runs, err := db.ListImportRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "c" {
		t.Errorf("expected 3 runs newest first, got %+v", runs)
	}

	runs, err = db.ListImportRuns(ctx, "communes", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "b" {
		t.Errorf("expected only run b, got %+v", runs)
	}
}

func TestListPendingImportRuns(t *testing.T) {
	db := newTestDB(t)

	seedRun(t, db, "old", "communes", 100, RunPending)
	seedRun(t, db, "new", "idcc", 500, RunPending)
	seedRun(t, db, "done", "organismes", 50, RunDone)

	runs, err := db.ListPendingImportRuns(context.Background(), 300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "old" {
		t.Errorf("expected only the old pending run, got %+v", runs)
	}
}

func TestSetImportRunResource(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedRun(t, db, "run-1", "communes", 100, RunPending)

	date := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	res := &Resource{Title: "Communes", URL: "https://example.org/communes.csv", Date: date, Version: "v1"}
	if err := db.SetImportRunResource(ctx, "run-1", res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run, err := db.GetImportRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Resource == nil || run.Resource.Version != "v1" || !run.Resource.Date.Equal(date) {
		t.Errorf("expected resource to round trip, got %+v", run.Resource)
	}

	if err := db.SetImportRunResource(ctx, "missing", res); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteImportRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedRun(t, db, "run-1", "communes", 100, RunPending)

	finished := time.Now()
	msg := "boom"
	if err := db.CompleteImportRun(ctx, "run-1", RunFailed, finished, &msg, 3, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run, err := db.GetImportRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != RunFailed || run.SuccessCount != 3 || run.SkippedCount != 1 {
		t.Errorf("unexpected run after completion: %+v", run)
	}
	if run.Error == nil || *run.Error != "boom" {
		t.Errorf("expected error message, got %v", run.Error)
	}
	if run.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}

	// terminal runs cannot be completed again
	if err := db.CompleteImportRun(ctx, "run-1", RunDone, finished, nil, 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for terminal run, got %v", err)
	}
}

// Document Tests

func TestUpsertDocuments_InsertThenUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	res := mustUpsert(t, db, "communes", 100, upserts("A", `{"v":1}`, "B", `{"v":1}`))
	if res.Inserted != 2 || res.Updated != 0 {
		t.Errorf("expected 2 inserted, got %+v", res)
	}

	first, err := db.GetDocument(ctx, "communes", "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res = mustUpsert(t, db, "communes", 200, upserts("A", `{"v":2}`, "C", `{"v":2}`))
	if res.Inserted != 1 || res.Updated != 1 {
		t.Errorf("expected 1 inserted 1 updated, got %+v", res)
	}

	doc, err := db.GetDocument(ctx, "communes", "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.ID != first.ID {
		t.Errorf("expected stable identity %s, got %s", first.ID, doc.ID)
	}
	if doc.CreatedAt != 100 || doc.UpdatedAt != 200 {
		t.Errorf("expected created 100 updated 200, got %d/%d", doc.CreatedAt, doc.UpdatedAt)
	}
	if string(doc.Payload) != `{"v":2}` {
		t.Errorf("expected payload to be replaced, got %s", doc.Payload)
	}
}

func TestUpsertDocuments_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	docs := upserts("A", `{"v":1}`, "B", `{"v":1}`)
	mustUpsert(t, db, "communes", 100, docs)
	mustUpsert(t, db, "communes", 200, docs)

	n, err := db.CountDocuments(ctx, "communes", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 documents after re-import, got %d", n)
	}
}

func TestUpsertDocuments_SameKeyTwiceInRun(t *testing.T) {
	db := newTestDB(t)

	res := mustUpsert(t, db, "financements", 100, upserts("0016:RNCP1", `{"v":1}`, "0016:RNCP1", `{"v":2}`))
	if res.Inserted != 1 || res.Updated != 1 {
		t.Errorf("expected 1 inserted 1 updated within a batch, got %+v", res)
	}

	// a later batch of the same run
	res = mustUpsert(t, db, "financements", 100, upserts("0016:RNCP1", `{"v":3}`))
	if res.Inserted != 0 || res.Updated != 1 {
		t.Errorf("expected the second batch to update, got %+v", res)
	}
}

func TestUpsertDocuments_PartialFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	res, err := db.UpsertDocuments(ctx, "communes", 100, upserts("A", `{}`, "", `{}`, "B", `{}`))

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected *BatchError, got %v", err)
	}
	if len(batchErr.Errors) != 1 || batchErr.Errors[0].Key != "" {
		t.Errorf("expected one failure for the empty key, got %+v", batchErr.Errors)
	}
	if res.Inserted != 2 {
		t.Errorf("expected siblings to be written, got %+v", res)
	}

	if got := keys(t, db, "communes", true); !equalStrings(got, []string{"A", "B"}) {
		t.Errorf("expected [A B], got %v", got)
	}
}

func TestRevertDocuments(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustUpsert(t, db, "communes", 100, upserts("A", `{"v":1}`, "B", `{"v":1}`))
	if _, err := db.ArchiveStaleDocuments(ctx, "communes", 150); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mustUpsert(t, db, "communes", 200, upserts("A", `{"v":2}`, "C", `{"v":2}`))

	deleted, restored, err := db.RevertDocuments(ctx, "communes", 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 || restored != 1 {
		t.Errorf("expected 1 deleted 1 restored, got %d/%d", deleted, restored)
	}

	doc, err := db.GetDocument(ctx, "communes", "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(doc.Payload) != `{"v":1}` || doc.UpdatedAt != 100 {
		t.Errorf("expected previous image restored, got %s at %d", doc.Payload, doc.UpdatedAt)
	}
	if doc.ArchivedAt == nil || *doc.ArchivedAt != 150 {
		t.Errorf("expected archive tombstone restored, got %v", doc.ArchivedAt)
	}

	if _, err := db.GetDocument(ctx, "communes", "C"); !IsNotFound(err) {
		t.Errorf("expected C to be removed, got %v", err)
	}
}

func TestRevertDocuments_KeepsRowsOfLaterRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// run 100 created A and never finished; run 200 confirmed it
	mustUpsert(t, db, "communes", 100, upserts("A", `{"v":1}`))
	mustUpsert(t, db, "communes", 200, upserts("A", `{"v":2}`, "B", `{"v":2}`))

	deleted, restored, err := db.RevertDocuments(ctx, "communes", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 0 || restored != 0 {
		t.Errorf("expected nothing reverted, got %d/%d", deleted, restored)
	}

	doc, err := db.GetDocument(ctx, "communes", "A")
	if err != nil {
		t.Fatalf("expected A to survive: %v", err)
	}
	if string(doc.Payload) != `{"v":2}` || doc.UpdatedAt != 200 {
		t.Errorf("expected the later run's image, got %s at %d", doc.Payload, doc.UpdatedAt)
	}
}

func TestDeleteStaleDocuments(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustUpsert(t, db, "communes", 100, upserts("A", `{}`, "B", `{}`, "C", `{}`))
	mustUpsert(t, db, "communes", 200, upserts("A", `{}`, "C", `{}`))
	mustUpsert(t, db, "other", 100, upserts("B", `{}`))

	n, err := db.DeleteStaleDocuments(ctx, "communes", 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale document, got %d", n)
	}

	if got := keys(t, db, "communes", true); !equalStrings(got, []string{"A", "C"}) {
		t.Errorf("expected [A C], got %v", got)
	}
	if got := keys(t, db, "other", true); !equalStrings(got, []string{"B"}) {
		t.Errorf("expected other collection untouched, got %v", got)
	}
}

func TestArchiveStaleDocuments(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustUpsert(t, db, "organismes", 100, upserts("A", `{}`, "B", `{}`))
	mustUpsert(t, db, "organismes", 200, upserts("A", `{}`))

	n, err := db.ArchiveStaleDocuments(ctx, "organismes", 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 archived, got %d", n)
	}

	if got := keys(t, db, "organismes", false); !equalStrings(got, []string{"A"}) {
		t.Errorf("expected only A current, got %v", got)
	}

	// reappearing upstream clears the tombstone
	mustUpsert(t, db, "organismes", 300, upserts("B", `{}`))
	doc, err := db.GetDocument(ctx, "organismes", "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Archived() {
		t.Error("expected B to be current again")
	}
}

func TestListDocuments_Paging(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustUpsert(t, db, "communes", 100, upserts("A", `{}`, "B", `{}`, "C", `{}`))

	page, err := db.ListDocuments(ctx, "communes", "", false, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 || page[1].Key != "B" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = db.ListDocuments(ctx, "communes", page[1].Key, false, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 1 || page[0].Key != "C" {
		t.Errorf("unexpected second page: %+v", page)
	}
}

// Raw Record Tests

func TestRawRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var batch []RawRecord
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, RawRecord{Position: i, Kind: "idcc", Payload: json.RawMessage(`{}`)})
	}
	if err := db.InsertRawRecords(ctx, "idcc.raw", 100, batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.InsertRawRecords(ctx, "idcc.raw", 200, batch[:2]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page, err := db.ListRawRecords(ctx, "idcc.raw", 100, 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 || page[0].Position != 3 || page[1].Position != 4 {
		t.Errorf("unexpected page: %+v", page)
	}

	if err := db.InsertRawRecords(ctx, "idcc.raw", 100, batch[:1]); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for reused position, got %v", err)
	}

	purged, err := db.PurgeRawRecords(ctx, "idcc.raw", 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if purged != 5 {
		t.Errorf("expected 5 purged, got %d", purged)
	}

	n, err := db.CountRawRecords(ctx, "idcc.raw", 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 kept, got %d", n)
	}

	deleted, err := db.DeleteRawRecords(ctx, "idcc.raw", 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
}

// Stats Tests

func TestImportRunStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedRun(t, db, "run-1", "communes", 100, RunDone)

	minDepth, maxDepth := 0, 7
	avg := 2.5
	stats := &ImportRunStats{
		RunID:         "run-1",
		Stage:         "write",
		Processed:     42,
		MinInboxDepth: &minDepth,
		MaxInboxDepth: &maxDepth,
		AvgInboxDepth: &avg,
	}
	if err := db.CreateImportRunStats(ctx, stats); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := db.GetImportRunStats(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Processed != 42 || *got[0].MaxInboxDepth != 7 {
		t.Errorf("unexpected stats: %+v", got)
	}
	if got[0].AvgLatencyUsec != nil {
		t.Errorf("expected unset latency, got %v", *got[0].AvgLatencyUsec)
	}

	err = db.CreateImportRunStats(ctx, &ImportRunStats{RunID: "missing", Stage: "write"})
	if !IsForeignKey(err) {
		t.Errorf("expected foreign key violation, got %v", err)
	}
}

// Transaction Tests

func TestWithTransaction_Rollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO raw_records (type, marker, position, payload) VALUES (?, ?, ?, ?)`,
			"idcc.raw", 1, 1, `{}`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	n, err := db.CountRawRecords(ctx, "idcc.raw", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected rollback, found %d rows", n)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsNotFound(ErrNotFound) {
		t.Error("ErrNotFound should be not found")
	}
	if !IsDuplicate(errors.New("UNIQUE constraint failed: x")) {
		t.Error("sqlite unique error should be duplicate")
	}
	if !IsForeignKey(errors.New("pq: insert violates foreign key constraint")) {
		t.Error("postgres fk error should be foreign key")
	}
	if IsDuplicate(nil) || IsForeignKey(nil) {
		t.Error("nil is not a constraint error")
	}

	if !IsDuplicate(&pq.Error{Code: "23505"}) {
		t.Error("postgres unique_violation should be duplicate")
	}
	if !IsForeignKey(fmt.Errorf("insert: %w", &pq.Error{Code: "23503"})) {
		t.Error("wrapped postgres foreign_key_violation should be foreign key")
	}
	if IsDuplicate(&pq.Error{Code: "23503"}) {
		t.Error("foreign key violation is not a duplicate")
	}
}

func TestErrorClassification_SQLiteDriver(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	insert := `INSERT INTO raw_records (type, marker, position, payload) VALUES (?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insert, "idcc.raw", 1, 1, `{}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := db.ExecContext(ctx, insert, "idcc.raw", 1, 1, `{}`)

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		t.Fatalf("expected a sqlite3.Error, got %T %v", err, err)
	}
	if !IsDuplicate(err) {
		t.Errorf("expected duplicate, got %v", err)
	}
	if IsForeignKey(err) {
		t.Errorf("duplicate is not a foreign key violation")
	}
}
