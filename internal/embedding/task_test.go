package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rhythmchamber/internal/oplock"
)

// fakeEngine returns fixed-dimension vectors and can fail on demand.
type fakeEngine struct {
	mu      sync.Mutex
	batches int
	failAt  int // fail the nth batch (1-based), 0 = never
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches++
	n := f.batches
	f.mu.Unlock()

	if f.failAt > 0 && n == f.failAt {
		return nil, errors.New("backend unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return 3 }
func (f *fakeEngine) Name() string    { return "fake" }

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "track"
	}
	return out
}

func newTaskManager(t *testing.T, engine Engine, cfg TaskConfig) (*Manager, *FileCheckpointStore, *[][]string) {
	t.Helper()
	store := NewFileCheckpointStore(t.TempDir())
	var mu sync.Mutex
	sunk := &[][]string{}
	sink := func(ctx context.Context, batch []string, vectors [][]float32) error {
		if len(batch) != len(vectors) {
			t.Errorf("sink batch %d texts but %d vectors", len(batch), len(vectors))
		}
		mu.Lock()
		*sunk = append(*sunk, batch)
		mu.Unlock()
		return nil
	}
	cfg.MinBatchInterval = time.Millisecond
	m := NewManager(engine, oplock.NewRegistry(), store, sink, cfg)
	return m, store, sunk
}

// stateRecordingStore records the manager state observed during each
// checkpoint save.
type stateRecordingStore struct {
	FileCheckpointStore
	m *Manager

	statesMu sync.Mutex
	states   []TaskState
}

func (s *stateRecordingStore) Save(cp Checkpoint) error {
	s.statesMu.Lock()
	s.states = append(s.states, s.m.GetStatus().State)
	s.statesMu.Unlock()
	return s.FileCheckpointStore.Save(cp)
}

func TestTask_FinalCheckpointRunsInCompletingState(t *testing.T) {
	store := &stateRecordingStore{FileCheckpointStore: *NewFileCheckpointStore(t.TempDir())}
	m := NewManager(&fakeEngine{}, oplock.NewRegistry(), store, nil,
		TaskConfig{BatchSize: 2, CheckpointInterval: 100, MinBatchInterval: time.Millisecond})
	store.m = m

	done := make(chan struct{})
	if _, err := m.StartTask(context.Background(), TaskSpec{
		Texts:      texts(6),
		OnComplete: func() { close(done) },
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}
	m.Wait()

	// With the interval above the total, the only checkpoint is the final
	// one, written after the last batch but before the task reads completed.
	store.statesMu.Lock()
	states := append([]TaskState(nil), store.states...)
	store.statesMu.Unlock()
	if len(states) != 1 || states[0] != TaskCompleting {
		t.Fatalf("checkpoint states = %v, want [completing]", states)
	}
	if got := m.GetStatus().State; got != TaskCompleted {
		t.Fatalf("final state = %s", got)
	}
}

func TestTask_CompletesAndCheckpoints(t *testing.T) {
	m, store, sunk := newTaskManager(t, &fakeEngine{}, TaskConfig{BatchSize: 2, CheckpointInterval: 4})

	done := make(chan struct{})
	if _, err := m.StartTask(context.Background(), TaskSpec{
		Texts:      texts(10),
		OnComplete: func() { close(done) },
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}
	m.Wait()

	st := m.GetStatus()
	if st.State != TaskCompleted || st.Processed != 10 {
		t.Fatalf("status = %+v", st)
	}

	total := 0
	for _, b := range *sunk {
		total += len(b)
	}
	if total != 10 {
		t.Fatalf("sink received %d items, want 10", total)
	}

	cp, err := store.Load()
	if err != nil || cp == nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if cp.Processed != 10 || cp.Total != 10 {
		t.Fatalf("checkpoint = %+v", cp)
	}
	if m.CanRecover() {
		t.Fatal("finished task must not report recoverable work")
	}
}

func TestTask_PauseAndResume(t *testing.T) {
	m, _, _ := newTaskManager(t, &fakeEngine{}, TaskConfig{BatchSize: 1, CheckpointInterval: 100})

	done := make(chan struct{})
	if _, err := m.StartTask(context.Background(), TaskSpec{
		Texts:      texts(20),
		OnComplete: func() { close(done) },
	}); err != nil {
		t.Fatal(err)
	}

	m.Pause()
	if st := m.GetStatus(); st.State != TaskPaused {
		t.Fatalf("state = %s, want paused", st.State)
	}

	// While paused, progress freezes.
	time.Sleep(20 * time.Millisecond)
	p1 := m.GetStatus().Processed
	time.Sleep(20 * time.Millisecond)
	if p2 := m.GetStatus().Processed; p2 != p1 {
		t.Fatalf("paused task advanced: %d -> %d", p1, p2)
	}

	m.Resume()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("resumed task did not complete")
	}
}

func TestTask_CancelWhilePaused(t *testing.T) {
	m, _, _ := newTaskManager(t, &fakeEngine{}, TaskConfig{BatchSize: 1, CheckpointInterval: 100})

	completed := false
	if _, err := m.StartTask(context.Background(), TaskSpec{
		Texts:      texts(50),
		OnComplete: func() { completed = true },
	}); err != nil {
		t.Fatal(err)
	}

	m.Pause()
	m.Cancel()
	m.Wait()

	if st := m.GetStatus(); st.State != TaskCancelled {
		t.Fatalf("state = %s, want cancelled", st.State)
	}
	if completed {
		t.Fatal("cancelled task must not report completion")
	}
}

func TestTask_ErrorEmitsCallback(t *testing.T) {
	m, _, _ := newTaskManager(t, &fakeEngine{failAt: 2}, TaskConfig{BatchSize: 2, CheckpointInterval: 100})

	errCh := make(chan error, 1)
	if _, err := m.StartTask(context.Background(), TaskSpec{
		Texts:   texts(10),
		OnError: func(err error) { errCh <- err },
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("error callback never fired")
	}
	m.Wait()

	if st := m.GetStatus(); st.State != TaskFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
}

func TestTask_SecondStartRejected(t *testing.T) {
	m, _, _ := newTaskManager(t, &fakeEngine{}, TaskConfig{BatchSize: 1, CheckpointInterval: 100})

	if _, err := m.StartTask(context.Background(), TaskSpec{Texts: texts(30)}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartTask(context.Background(), TaskSpec{Texts: texts(1)}); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("expected ErrTaskRunning, got %v", err)
	}
	m.Cancel()
	m.Wait()
}

func TestTask_ProceedsWhenLockHeld(t *testing.T) {
	locks := oplock.NewRegistry()
	owner, err := locks.TryAcquire("embedding_generation")
	if err != nil {
		t.Fatal(err)
	}
	defer locks.Release("embedding_generation", owner)

	store := NewFileCheckpointStore(t.TempDir())
	m := NewManager(&fakeEngine{}, locks, store, nil, TaskConfig{BatchSize: 5, CheckpointInterval: 100, MinBatchInterval: time.Millisecond})

	done := make(chan struct{})
	if _, err := m.StartTask(context.Background(), TaskSpec{
		Texts:      texts(5),
		OnComplete: func() { close(done) },
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task blocked on held advisory lock")
	}
	m.Wait()
}

func TestCanRecover(t *testing.T) {
	store := NewFileCheckpointStore(t.TempDir())
	m := NewManager(&fakeEngine{}, oplock.NewRegistry(), store, nil, TaskConfig{})

	if m.CanRecover() {
		t.Fatal("no checkpoint, nothing to recover")
	}

	store.Save(Checkpoint{TaskID: "t1", Processed: 40, Total: 100, Timestamp: time.Now()})
	if !m.CanRecover() {
		t.Fatal("unfinished checkpoint must be recoverable")
	}

	store.Save(Checkpoint{TaskID: "t1", Processed: 100, Total: 100, Timestamp: time.Now()})
	if m.CanRecover() {
		t.Fatal("finished checkpoint must not be recoverable")
	}
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	if err != nil || sim < 0.999 {
		t.Fatalf("identical vectors: sim=%v err=%v", sim, err)
	}
	sim, _ = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if sim > 0.001 {
		t.Fatalf("orthogonal vectors: sim=%v", sim)
	}
	if _, err := CosineSimilarity([]float32{1}, []float32{1, 2}); err == nil {
		t.Fatal("dimension mismatch must error")
	}
	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	if err != nil || sim != 0 {
		t.Fatalf("zero magnitude: sim=%v err=%v", sim, err)
	}
}
