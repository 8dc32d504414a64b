package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kioku.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRecord(scope, id string, pages ...string) (*models.IndexRecord, []*models.ContentUnit) {
	rec := &models.IndexRecord{
		ID:          id,
		ScopeID:     scope,
		DisplayName: id + ".pdf",
		SourceKind:  models.SourceDocument,
		PageCount:   len(pages),
		Metadata:    map[string]interface{}{"k": "v"},
	}
	units := make([]*models.ContentUnit, len(pages))
	for i, p := range pages {
		rec.SizeBytes += int64(len(p))
		units[i] = &models.ContentUnit{
			ID:         fmt.Sprintf("%s-p%d", id, i+1),
			ScopeID:    scope,
			RecordID:   id,
			SourceKind: models.SourceDocument,
			PageNumber: i + 1,
			RawText:    p,
		}
	}
	return rec, units
}

func TestSQLiteStore_InsertAndGetRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec, units := newRecord("alice", "r1", "page one", "page two")
	job, err := store.InsertRecord(ctx, rec, units)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != models.JobQueued || job.RecordID != "r1" {
		t.Errorf("unexpected job %+v", job)
	}

	got, err := store.GetRecord(ctx, "alice", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusPending || got.PageCount != 2 || got.Metadata["k"] != "v" {
		t.Errorf("got %+v", got)
	}

	if _, err := store.GetRecord(ctx, "bob", "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across scopes, got %v", err)
	}

	if _, err := store.InsertRecord(ctx, rec, nil); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	got2, err := store.UnitsForRecord(ctx, "alice", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got2) != 2 || got2[0].RawText != "page one" || got2[1].PageNumber != 2 {
		t.Errorf("units: %+v", got2)
	}
}

func TestSQLiteStore_ListRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		rec, units := newRecord("s", id, "text")
		if _, err := store.InsertRecord(ctx, rec, units); err != nil {
			t.Fatal(err)
		}
	}
	rec, units := newRecord("other", "z", "text")
	_, _ = store.InsertRecord(ctx, rec, units)

	list, err := store.ListRecords(ctx, "s", "", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Errorf("expected 3 records, got %d", len(list))
	}
	list, _ = store.ListRecords(ctx, "s", models.StatusReady, 0, 10)
	if len(list) != 0 {
		t.Errorf("expected no READY records, got %d", len(list))
	}
	list, _ = store.ListRecords(ctx, "s", "", 1, 1)
	if len(list) != 1 {
		t.Errorf("expected paged result of 1, got %d", len(list))
	}
}

func TestSQLiteStore_UpsertChunksIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec, units := newRecord("s", "r1", "hello world")
	_, _ = store.InsertRecord(ctx, rec, units)

	mk := func(seq int, text string) *models.Chunk {
		return &models.Chunk{
			ID: fmt.Sprintf("c%d", seq), ParentID: "r1-p1", RecordID: "r1", ScopeID: "s",
			SequenceIndex: seq, Text: text, CharStart: seq, CharEnd: seq + len(text),
			Vector: &models.QuantizedVector{Values: []int8{1, -2, 127}, Scale: 0.5},
		}
	}
	if err := store.UpsertChunks(ctx, []*models.Chunk{mk(0, "first"), mk(1, "second"), mk(2, "third")}); err != nil {
		t.Fatal(err)
	}
	before, _ := store.ChunksForRecord(ctx, "s", "r1")

	if err := store.UpsertChunks(ctx, []*models.Chunk{mk(0, "first"), mk(1, "second!")}); err != nil {
		t.Fatal(err)
	}
	removed, err := store.PruneChunks(ctx, "r1-p1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "c2" {
		t.Errorf("expected c2 pruned, got %v", removed)
	}

	after, err := store.ChunksForRecord(ctx, "s", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(after))
	}
	if after[1].Text != "second!" {
		t.Errorf("expected overwritten text, got %q", after[1].Text)
	}
	if !after[0].CreatedAt.Equal(before[0].CreatedAt) {
		t.Errorf("created_at changed on upsert: %v -> %v", before[0].CreatedAt, after[0].CreatedAt)
	}
	if after[0].Vector == nil || after[0].Vector.Values[2] != 127 || after[0].Vector.Scale != 0.5 {
		t.Errorf("vector not round-tripped: %+v", after[0].Vector)
	}
}

func TestSQLiteStore_ChunkWithoutVector(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec, units := newRecord("s", "r1", "x")
	_, _ = store.InsertRecord(ctx, rec, units)

	err := store.UpsertChunks(ctx, []*models.Chunk{{
		ID: "c0", ParentID: "r1-p1", RecordID: "r1", ScopeID: "s", Text: "x", CharEnd: 1,
	}})
	if err != nil {
		t.Fatal(err)
	}
	chunks, _ := store.ChunksForRecord(ctx, "s", "r1")
	if len(chunks) != 1 || chunks[0].Vector != nil {
		t.Errorf("expected one chunk without vector, got %+v", chunks)
	}
	st, _ := store.Stats(ctx, "s")
	if st.Chunks != 1 || st.Vectors != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestSQLiteStore_ReadyFiltering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec, units := newRecord("s", "r1", "hello")
	_, _ = store.InsertRecord(ctx, rec, units)
	chunk := &models.Chunk{
		ID: "c0", ParentID: "r1-p1", RecordID: "r1", ScopeID: "s", Text: "hello", CharEnd: 5,
		Vector: &models.QuantizedVector{Values: []int8{127, 0}, Scale: 1.0 / 127},
	}
	_ = store.UpsertChunks(ctx, []*models.Chunk{chunk})

	vecs, _ := store.ReadyVectors(ctx, "s")
	hits, _ := store.ReadyChunks(ctx, "s", []string{"c0"})
	if len(vecs) != 0 || len(hits) != 0 {
		t.Fatalf("PENDING record must be invisible, got %d vectors %d chunks", len(vecs), len(hits))
	}

	job, err := store.ClaimJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("ClaimJob: %v, %v", job, err)
	}
	if err := store.CompleteJob(ctx, job, 1); err != nil {
		t.Fatal(err)
	}

	vecs, _ = store.ReadyVectors(ctx, "s")
	if len(vecs) != 1 || vecs[0].ID != "c0" || vecs[0].Vector.Values[0] != 127 {
		t.Errorf("ReadyVectors: %+v", vecs)
	}
	hits, _ = store.ReadyChunks(ctx, "s", []string{"c0", "missing"})
	if len(hits) != 1 || hits["c0"].SourceName != "r1.pdf" || hits["c0"].PageNumber != 1 {
		t.Errorf("ReadyChunks: %+v", hits)
	}
	if other, _ := store.ReadyVectors(ctx, "other"); len(other) != 0 {
		t.Error("vectors leaked across scopes")
	}
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec, units := newRecord("s", "r1", "hello")
	_, _ = store.InsertRecord(ctx, rec, units)

	job, err := store.ClaimJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("ClaimJob: %v, %v", job, err)
	}
	got, _ := store.GetRecord(ctx, "s", "r1")
	if got.Status != models.StatusIndexing {
		t.Errorf("expected INDEXING, got %s", got.Status)
	}
	if again, _ := store.ClaimJob(ctx); again != nil {
		t.Error("a running job must not be claimed twice")
	}

	if _, err := store.EnqueueJob(ctx, "s", "r1"); !errors.Is(err, ErrJobActive) {
		t.Errorf("expected ErrJobActive while running, got %v", err)
	}

	if err := store.RecordAttempt(ctx, job, "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := store.FailJob(ctx, job, "gave up"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetRecord(ctx, "s", "r1")
	if got.Status != models.StatusFailed || got.LastError != "gave up" || got.Attempts != 1 {
		t.Errorf("failed record: %+v", got)
	}

	if _, err := store.EnqueueJob(ctx, "s", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	job2, err := store.EnqueueJob(ctx, "s", "r1")
	if err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetRecord(ctx, "s", "r1")
	if got.Status != models.StatusFailed {
		t.Errorf("record must keep its status until claimed, got %s", got.Status)
	}
	claimed, _ := store.ClaimJob(ctx)
	if claimed == nil || claimed.ID != job2.ID {
		t.Fatalf("expected to claim %s, got %+v", job2.ID, claimed)
	}
	if err := store.CompleteJob(ctx, claimed, 4); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetRecord(ctx, "s", "r1")
	if got.Status != models.StatusReady || got.TotalChunks != 4 || got.IndexedAt == nil || got.LastError != "" {
		t.Errorf("ready record: %+v", got)
	}
	jobs, _ := store.JobsForRecord(ctx, "r1")
	if len(jobs) != 2 || jobs[0].State != models.JobFailed || jobs[1].State != models.JobDone {
		t.Errorf("jobs: %+v", jobs)
	}
}

func TestSQLiteStore_OneRunningJobPerScope(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		rec, units := newRecord("a", id, "x")
		_, _ = store.InsertRecord(ctx, rec, units)
	}
	rec, units := newRecord("b", "b1", "x")
	_, _ = store.InsertRecord(ctx, rec, units)

	first, _ := store.ClaimJob(ctx)
	second, _ := store.ClaimJob(ctx)
	third, _ := store.ClaimJob(ctx)
	if first == nil || second == nil {
		t.Fatal("expected two claimable jobs")
	}
	if first.ScopeID == second.ScopeID {
		t.Errorf("two running jobs in scope %s", first.ScopeID)
	}
	if third != nil {
		t.Errorf("expected nothing claimable, got %+v", third)
	}
	_ = store.CompleteJob(ctx, first, 1)
	next, _ := store.ClaimJob(ctx)
	if next == nil || next.ScopeID != "a" {
		t.Errorf("expected the second job of scope a, got %+v", next)
	}
}

func TestSQLiteStore_ConcurrentClaims(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		rec, units := newRecord(fmt.Sprintf("scope%d", i%3), fmt.Sprintf("r%d", i), "x")
		if _, err := store.InsertRecord(ctx, rec, units); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu     sync.Mutex
		scopes = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := store.ClaimJob(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			if job != nil {
				mu.Lock()
				scopes[job.ScopeID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for scope, n := range scopes {
		if n > 1 {
			t.Errorf("scope %s has %d running jobs", scope, n)
		}
	}
}

func TestSQLiteStore_RecoverJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	rec, units := newRecord("s", "r1", "x")
	_, _ = store.InsertRecord(ctx, rec, units)
	if job, _ := store.ClaimJob(ctx); job == nil {
		t.Fatal("expected a job")
	}
	_ = store.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	n, err := store.RecoverJobs(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverJobs: %d, %v", n, err)
	}
	got, _ := store.GetRecord(ctx, "s", "r1")
	if got.Status != models.StatusPending {
		t.Errorf("expected PENDING after recovery, got %s", got.Status)
	}
	if job, _ := store.ClaimJob(ctx); job == nil || job.RecordID != "r1" {
		t.Errorf("expected recovered job to be claimable, got %+v", job)
	}
}

func TestSQLiteStore_DeleteCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		rec, units := newRecord("s", id, "x")
		_, _ = store.InsertRecord(ctx, rec, units)
		_ = store.UpsertChunks(ctx, []*models.Chunk{{
			ID: id + "-c0", ParentID: id + "-p1", RecordID: id, ScopeID: "s", Text: "x", CharEnd: 1,
		}})
	}

	removed, err := store.DeleteRecord(ctx, "s", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "r1-c0" {
		t.Errorf("removed: %v", removed)
	}
	if _, err := store.DeleteRecord(ctx, "s", "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	st, _ := store.Stats(ctx, "s")
	if st.Units != 1 || st.Chunks != 1 || st.QueuedJobs != 1 {
		t.Errorf("after record delete: %+v", st)
	}

	removed, err = store.DeleteScope(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Errorf("removed: %v", removed)
	}
	st, _ = store.Stats(ctx, "")
	if st.Units != 0 || st.Chunks != 0 || st.QueuedJobs != 0 || len(st.Records) != 0 {
		t.Errorf("after scope delete: %+v", st)
	}
}

func TestSQLiteStore_StatusMovesForwardOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec, units := newRecord("s", "r1", "hello")
	_, _ = store.InsertRecord(ctx, rec, units)
	job, err := store.ClaimJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("ClaimJob: %v, %v", job, err)
	}

	// Something moved the record out from under the running pass.
	if _, err := store.db.ExecContext(ctx, `UPDATE index_records SET status = ? WHERE id = ?`,
		string(models.StatusPending), "r1"); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteJob(ctx, job, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PENDING to READY: expected ErrInvalidTransition, got %v", err)
	}
	if got, _ := store.GetRecord(ctx, "s", "r1"); got.Status != models.StatusPending {
		t.Errorf("rejected completion must not change the record, got %s", got.Status)
	}

	// A queued job for a record already INDEXING is failed rather than blocking the queue.
	rec2, units2 := newRecord("s2", "r2", "world")
	stuck, _ := store.InsertRecord(ctx, rec2, units2)
	if _, err := store.db.ExecContext(ctx, `UPDATE index_records SET status = ? WHERE id = ?`,
		string(models.StatusIndexing), "r2"); err != nil {
		t.Fatal(err)
	}
	rec3, units3 := newRecord("s3", "r3", "again")
	_, _ = store.InsertRecord(ctx, rec3, units3)

	next, err := store.ClaimJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.RecordID != "r3" {
		t.Fatalf("expected the job of r3 to be claimed, got %+v", next)
	}
	jobs, _ := store.JobsForRecord(ctx, "r2")
	if len(jobs) != 1 || jobs[0].ID != stuck.ID || jobs[0].State != models.JobFailed {
		t.Errorf("stuck job: %+v", jobs)
	}
}

func TestSQLiteStore_ReplaceRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec, units := newRecord("s", "f1", "old text")
	first, removed, err := store.ReplaceRecord(ctx, rec, units)
	if err != nil || len(removed) != 0 {
		t.Fatalf("first ReplaceRecord: %v %v", removed, err)
	}

	// An unclaimed pass is reused and will index the new units.
	rec2, units2 := newRecord("s", "f1", "new text")
	job, _, err := store.ReplaceRecord(ctx, rec2, units2)
	if err != nil {
		t.Fatalf("replace while queued: %v", err)
	}
	if job.ID != first.ID {
		t.Errorf("expected queued job %s to be reused, got %s", first.ID, job.ID)
	}
	if jobs, _ := store.JobsForRecord(ctx, "f1"); len(jobs) != 1 {
		t.Errorf("expected one job, got %d", len(jobs))
	}
	if got, _ := store.UnitsForRecord(ctx, "s", "f1"); len(got) != 1 || got[0].RawText != "new text" {
		t.Errorf("units after queued replace: %+v", got)
	}

	claimed, _ := store.ClaimJob(ctx)
	rec3, units3 := newRecord("s", "f1", "newest text")
	if _, _, err := store.ReplaceRecord(ctx, rec3, units3); !errors.Is(err, ErrJobActive) {
		t.Errorf("expected ErrJobActive while the pass is running, got %v", err)
	}
	if got, _ := store.UnitsForRecord(ctx, "s", "f1"); len(got) != 1 || got[0].RawText != "new text" {
		t.Errorf("units must not change under a running pass: %+v", got)
	}
	_ = store.UpsertChunks(ctx, []*models.Chunk{{
		ID: "old-c0", ParentID: "f1-p1", RecordID: "f1", ScopeID: "s", Text: "new text", CharEnd: 8,
	}})
	_ = store.CompleteJob(ctx, claimed, 1)

	_, removed, err = store.ReplaceRecord(ctx, rec3, units3)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "old-c0" {
		t.Errorf("removed: %v", removed)
	}
	got, _ := store.UnitsForRecord(ctx, "s", "f1")
	if len(got) != 1 || got[0].RawText != "newest text" {
		t.Errorf("units after replace: %+v", got)
	}
	r, _ := store.GetRecord(ctx, "s", "f1")
	if r.Status != models.StatusReady {
		t.Errorf("status should be kept until claim, got %s", r.Status)
	}

	recOther, unitsOther := newRecord("other", "f1", "x")
	if _, _, err := store.ReplaceRecord(ctx, recOther, unitsOther); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists for foreign scope, got %v", err)
	}
}

func TestSQLiteStore_ChangeLog(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "c.db"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	rec, units := newRecord("s", "r1", "a", "b")
	_, _ = store.InsertRecord(ctx, rec, units)
	_, _ = store.DeleteRecord(ctx, "s", "r1")

	changes, err := store.ListChanges(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	// record create, two unit creates, record delete
	if len(changes) != 4 {
		t.Fatalf("expected 4 changes, got %d", len(changes))
	}
	if changes[0].Entity != "record" || changes[0].Op != "create" || !changes[0].At.Equal(now) {
		t.Errorf("first change: %+v", changes[0])
	}
	if changes[3].Op != "delete" {
		t.Errorf("last change: %+v", changes[3])
	}
	tail, _ := store.ListChanges(ctx, changes[1].Seq, 100)
	if len(tail) != 2 {
		t.Errorf("expected 2 changes after seq %d, got %d", changes[1].Seq, len(tail))
	}
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("disk full")
	err := wrap("upsert chunks", base)
	var se *Error
	if !errors.As(err, &se) || se.Op != "upsert chunks" || !errors.Is(err, base) {
		t.Errorf("unexpected wrap result %v", err)
	}
	if wrap("x", nil) != nil {
		t.Error("wrap(nil) must be nil")
	}
	if !errors.Is(wrap("x", ErrNotFound), ErrNotFound) {
		t.Error("sentinels must pass through")
	}
}
