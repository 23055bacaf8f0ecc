package vector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vectors.db"), RetryConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(id string, v ...float32) Record {
	return Record{ID: id, Content: "track " + id, Vector: v}
}

func TestStore_UpsertAndSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, rec("a", 1, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, rec("b", 0, 1, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, rec("c", 0.9, 0.1, 0)); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Record.ID != "a" || results[1].Record.ID != "c" {
		t.Fatalf("order = %s, %s", results[0].Record.ID, results[1].Record.ID)
	}
}

func TestStore_PersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	ctx := context.Background()

	s, err := Open(path, RetryConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, rec("a", 1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path, RetryConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, ok := s2.Get("a")
	if !ok {
		t.Fatal("record lost across reopen")
	}
	if len(got.Vector) != 3 || got.Vector[2] != 3 {
		t.Fatalf("vector = %v", got.Vector)
	}
}

func TestStore_FailedPersistEntersRetryQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("disk full")
	s.persistFn = func(r *Record) error { return boom }

	err := s.Upsert(ctx, rec("a", 1, 0))
	if !errors.Is(err, ErrPersistFailed) {
		t.Fatalf("expected ErrPersistFailed, got %v", err)
	}
	if !s.HasRetryEntry("a") {
		t.Fatal("failed persist must enter the retry queue")
	}

	// The record is still queryable from memory.
	if _, ok := s.Get("a"); !ok {
		t.Fatal("record must stay in memory")
	}

	// Once the backend recovers, the next upsert's sweep drains the entry.
	s.persistFn = s.persistToDB
	if err := s.Upsert(ctx, rec("b", 0, 1)); err != nil {
		t.Fatal(err)
	}
	if s.HasRetryEntry("a") {
		t.Fatal("recovered entry should have been retried and removed")
	}
}

func TestStore_DeleteRemovesRetryEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.persistFn = func(r *Record) error { return errors.New("offline") }
	s.Upsert(ctx, rec("a", 1, 0))
	if !s.HasRetryEntry("a") {
		t.Fatal("precondition: retry entry exists")
	}

	s.persistFn = s.persistToDB
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if s.HasRetryEntry("a") {
		t.Fatal("delete must remove the retry entry with the record")
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("record must be gone")
	}
}

func TestStore_SweepPrunesDeletedTargets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.persistFn = func(r *Record) error { return errors.New("offline") }
	s.Upsert(ctx, rec("gone", 1, 0))

	// Simulate a deletion that somehow left the retry entry behind.
	s.mu.Lock()
	delete(s.records, "gone")
	s.mu.Unlock()

	s.persistFn = s.persistToDB
	s.Upsert(ctx, rec("b", 0, 1))

	if s.HasRetryEntry("gone") {
		t.Fatal("sweep must drop entries whose record was deleted")
	}
}

func TestStore_RetryTimeoutGivesUp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.nowFunc = func() time.Time { return now }
	s.persistFn = func(r *Record) error { return errors.New("offline") }

	s.Upsert(ctx, rec("a", 1, 0))
	if !s.HasRetryEntry("a") {
		t.Fatal("precondition: retry entry exists")
	}

	// Past the retry timeout the sweep drops the entry even though the
	// backend is still failing.
	now = now.Add(2 * time.Minute)
	s.Upsert(ctx, rec("b", 0, 1))

	if s.HasRetryEntry("a") {
		t.Fatal("stale entry must be dropped after RETRY_TIMEOUT")
	}
}

func TestStore_MaxRetriesGivesUp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.config.MaxRetries = 2
	s.persistFn = func(r *Record) error { return errors.New("offline") }

	s.Upsert(ctx, rec("a", 1, 0))
	for i := 0; i < 5 && s.HasRetryEntry("a"); i++ {
		s.Upsert(ctx, rec("b", 0, 1))
	}
	if s.HasRetryEntry("a") {
		t.Fatal("entry must be dropped after MAX_RETRIES attempts")
	}
}

func TestStore_Metrics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.nowFunc = func() time.Time { return now }
	s.persistFn = func(r *Record) error { return errors.New("offline") }

	s.Upsert(ctx, rec("a", 1, 0))
	now = now.Add(5 * time.Second)
	s.Upsert(ctx, rec("b", 0, 1))

	m := s.RetryQueueMetrics()
	if m.Size != 2 {
		t.Fatalf("size = %d", m.Size)
	}
	if m.OldestRetryAgeMS < 5000 {
		t.Fatalf("oldest age = %dms, want >= 5000", m.OldestRetryAgeMS)
	}
	if m.MaxRetryCount < 1 {
		t.Fatalf("max retry count = %d", m.MaxRetryCount)
	}
}

func TestStore_ClearEmptiesBothMaps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Upsert(ctx, rec("a", 1, 0))
	s.persistFn = func(r *Record) error { return errors.New("offline") }
	s.Upsert(ctx, rec("b", 0, 1))
	s.persistFn = s.persistToDB

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 0 {
		t.Fatalf("count = %d", s.Count())
	}
	if m := s.RetryQueueMetrics(); m.Size != 0 {
		t.Fatalf("retry queue size = %d", m.Size)
	}
}
