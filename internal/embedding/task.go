package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"rhythmchamber/internal/logging"
	"rhythmchamber/internal/oplock"
)

// =============================================================================
// EMBEDDING TASK MANAGER
// =============================================================================

// TaskState is the task lifecycle state.
type TaskState string

const (
	TaskIdle       TaskState = "idle"
	TaskRunning    TaskState = "running"
	TaskPaused     TaskState = "paused"
	TaskCompleting TaskState = "completing" // all batches done, final checkpoint in flight
	TaskCompleted  TaskState = "completed"
	TaskCancelled  TaskState = "cancelled"
	TaskFailed     TaskState = "failed"
)

// Task events.
const (
	EventTaskStarted  = "task_started"
	EventTaskComplete = "task_complete"
	EventTaskError    = "task_error"
)

// ErrTaskRunning is returned when a task is started while one is active.
var ErrTaskRunning = errors.New("embedding task already running")

// Checkpoint is the durable progress record used for recovery.
type Checkpoint struct {
	TaskID    string    `json:"task_id"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckpointStore persists task checkpoints.
type CheckpointStore interface {
	Save(cp Checkpoint) error
	Load() (*Checkpoint, error)
	Clear() error
}

// FileCheckpointStore keeps the checkpoint as a JSON file.
type FileCheckpointStore struct {
	mu   sync.Mutex
	path string
}

// NewFileCheckpointStore creates a store at dir/embedding_checkpoint.json.
func NewFileCheckpointStore(dir string) *FileCheckpointStore {
	return &FileCheckpointStore{path: filepath.Join(dir, "embedding_checkpoint.json")}
}

func (s *FileCheckpointStore) Save(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	// Write-then-rename keeps the checkpoint readable if we crash mid-save.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileCheckpointStore) Load() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *FileCheckpointStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Sink receives each embedded batch, typically the vector store upsert path.
type Sink func(ctx context.Context, texts []string, vectors [][]float32) error

// TaskConfig tunes the batch loop.
type TaskConfig struct {
	BatchSize          int           // texts per engine call
	CheckpointInterval int           // items between durable checkpoints
	MinBatchInterval   time.Duration // cooperative yield between batches
}

// DefaultTaskConfig returns production defaults.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		BatchSize:          10,
		CheckpointInterval: 50,
		MinBatchInterval:   15 * time.Millisecond,
	}
}

// TaskSpec describes one embedding run.
type TaskSpec struct {
	Texts      []string
	OnProgress func(processed, total int)
	OnComplete func()
	OnError    func(err error)
}

// TaskStatus is a point-in-time snapshot.
type TaskStatus struct {
	TaskID    string
	State     TaskState
	Processed int
	Total     int
}

// Manager runs at most one embedding task at a time, checkpointing progress
// and reacting to pause/resume/cancel between batches.
type Manager struct {
	mu sync.Mutex

	engine      Engine
	locks       *oplock.Registry
	checkpoints CheckpointStore
	sink        Sink
	config      TaskConfig

	state     TaskState
	taskID    string
	processed int
	total     int
	paused    bool
	cancelled bool

	wg sync.WaitGroup
}

// NewManager creates a task manager. Zero-value config fields get defaults.
func NewManager(engine Engine, locks *oplock.Registry, checkpoints CheckpointStore, sink Sink, cfg TaskConfig) *Manager {
	def := DefaultTaskConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.MinBatchInterval <= 0 {
		cfg.MinBatchInterval = def.MinBatchInterval
	}

	return &Manager{
		engine:      engine,
		locks:       locks,
		checkpoints: checkpoints,
		sink:        sink,
		config:      cfg,
		state:       TaskIdle,
	}
}

// StartTask begins embedding the given texts in the background. Only one task
// may run at a time.
func (m *Manager) StartTask(ctx context.Context, spec TaskSpec) (string, error) {
	m.mu.Lock()
	if m.state == TaskRunning || m.state == TaskPaused || m.state == TaskCompleting {
		m.mu.Unlock()
		return "", ErrTaskRunning
	}
	m.state = TaskRunning
	m.taskID = uuid.NewString()
	m.processed = 0
	m.total = len(spec.Texts)
	m.paused = false
	m.cancelled = false
	taskID := m.taskID
	m.mu.Unlock()

	// The generation lock is advisory: if another component holds it we log
	// and proceed rather than block indexing forever.
	lockOwner, lockErr := m.locks.TryAcquire("embedding_generation")
	if lockErr != nil {
		logging.EmbeddingWarn("embedding_generation lock unavailable, proceeding without it: %v", lockErr)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if lockErr == nil {
			defer m.locks.Release("embedding_generation", lockOwner)
		}
		m.run(ctx, taskID, spec)
	}()

	logging.Embedding("%s: task %s started (%d texts, batch=%d)", EventTaskStarted, taskID, len(spec.Texts), m.config.BatchSize)
	return taskID, nil
}

func (m *Manager) run(ctx context.Context, taskID string, spec TaskSpec) {
	lastCheckpoint := 0

	for start := 0; start < len(spec.Texts); start += m.config.BatchSize {
		if !m.waitWhilePaused(ctx) {
			m.finish(TaskCancelled, nil, spec)
			return
		}

		end := start + m.config.BatchSize
		if end > len(spec.Texts) {
			end = len(spec.Texts)
		}
		batch := spec.Texts[start:end]

		vectors, err := m.engine.EmbedBatch(ctx, batch)
		if err != nil {
			m.finish(TaskFailed, fmt.Errorf("batch at %d: %w", start, err), spec)
			return
		}
		if m.sink != nil {
			if err := m.sink(ctx, batch, vectors); err != nil {
				m.finish(TaskFailed, fmt.Errorf("sink at %d: %w", start, err), spec)
				return
			}
		}

		m.mu.Lock()
		m.processed = end
		processed, total := m.processed, m.total
		m.mu.Unlock()

		if spec.OnProgress != nil {
			spec.OnProgress(processed, total)
		}

		if processed-lastCheckpoint >= m.config.CheckpointInterval {
			m.saveCheckpoint(taskID, processed, total)
			lastCheckpoint = processed
		}

		// Yield between batches so the host stays responsive.
		time.Sleep(m.config.MinBatchInterval)
	}

	m.mu.Lock()
	m.state = TaskCompleting
	total := m.total
	m.mu.Unlock()

	m.saveCheckpoint(taskID, total, total)
	m.finish(TaskCompleted, nil, spec)
}

// waitWhilePaused blocks cooperatively while paused. Returns false when the
// task was cancelled, including while paused.
func (m *Manager) waitWhilePaused(ctx context.Context) bool {
	for {
		m.mu.Lock()
		cancelled, paused := m.cancelled, m.paused
		m.mu.Unlock()

		if cancelled || ctx.Err() != nil {
			return false
		}
		if !paused {
			return true
		}
		time.Sleep(m.config.MinBatchInterval)
	}
}

func (m *Manager) finish(state TaskState, err error, spec TaskSpec) {
	m.mu.Lock()
	m.state = state
	taskID := m.taskID
	processed, total := m.processed, m.total
	m.mu.Unlock()

	switch state {
	case TaskCompleted:
		logging.Embedding("%s: task %s complete (%d items)", EventTaskComplete, taskID, total)
		if spec.OnComplete != nil {
			spec.OnComplete()
		}
	case TaskFailed:
		logging.EmbeddingWarn("%s: task %s failed: %v", EventTaskError, taskID, err)
		if spec.OnError != nil {
			spec.OnError(err)
		}
	case TaskCancelled:
		logging.Embedding("task %s cancelled at %d/%d", taskID, processed, total)
	}
}

func (m *Manager) saveCheckpoint(taskID string, processed, total int) {
	if m.checkpoints == nil {
		return
	}
	cp := Checkpoint{TaskID: taskID, Processed: processed, Total: total, Timestamp: time.Now()}
	if err := m.checkpoints.Save(cp); err != nil {
		logging.EmbeddingWarn("checkpoint save failed at %d/%d: %v", processed, total, err)
	} else {
		logging.EmbeddingDebug("checkpoint saved: %d/%d", processed, total)
	}
}

// Pause requests a pause at the next batch boundary.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == TaskRunning {
		m.paused = true
		m.state = TaskPaused
	}
}

// Resume clears a pause.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == TaskPaused {
		m.paused = false
		m.state = TaskRunning
	}
}

// Cancel requests cancellation. Paused tasks exit promptly too.
func (m *Manager) Cancel() {
	m.mu.Lock()
	m.cancelled = true
	m.mu.Unlock()
}

// GetStatus returns a snapshot of the current task.
func (m *Manager) GetStatus() TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return TaskStatus{
		TaskID:    m.taskID,
		State:     m.state,
		Processed: m.processed,
		Total:     m.total,
	}
}

// CanRecover reports whether a durable checkpoint exists with unfinished
// work. The consumer decides whether to resume.
func (m *Manager) CanRecover() bool {
	if m.checkpoints == nil {
		return false
	}
	cp, err := m.checkpoints.Load()
	if err != nil || cp == nil {
		return false
	}
	return cp.Processed < cp.Total
}

// Wait blocks until the background task goroutine exits. For shutdown and
// tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}
