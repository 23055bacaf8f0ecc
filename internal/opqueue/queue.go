// Package opqueue implements the priority operation queue layered over the
// advisory lock registry. Operations queue with a priority, are processed
// head-first, retry on lock contention with a bounded pre-check counter, and
// fail with a deadlock error when the same non-empty blocker set recurs.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rhythmchamber/internal/logging"
	"rhythmchamber/internal/oplock"
	"rhythmchamber/internal/retry"
)

// =============================================================================
// OPERATION QUEUE
// =============================================================================

// -----------------------------------------------------------------------------
// Priority Levels
// -----------------------------------------------------------------------------

// Priority defines the scheduling priority for queued operations.
type Priority int

const (
	// PriorityLow is for background maintenance and speculative work.
	PriorityLow Priority = 0

	// PriorityNormal is for regular operations.
	PriorityNormal Priority = 1

	// PriorityHigh is for user-visible operations.
	PriorityHigh Priority = 2

	// PriorityCritical is for safety-critical operations (session save,
	// credential rotation).
	PriorityCritical Priority = 3
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// -----------------------------------------------------------------------------
// Statuses and Events
// -----------------------------------------------------------------------------

// Status is an operation's lifecycle state. Transitions are monotone except
// PROCESSING -> PENDING on retry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventQueued     EventType = "queued"
	EventProcessing EventType = "processing"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
)

// Event is emitted on every lifecycle transition.
type Event struct {
	Type      EventType
	OpID      string
	Operation string
	Err       error
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrDeadlock is returned when the head operation sees the same non-empty
	// blocker set three consecutive times.
	ErrDeadlock = errors.New("deadlock detected")

	// ErrLockTimeout is returned when lock-acquisition attempts are exhausted.
	ErrLockTimeout = errors.New("lock acquisition attempts exhausted")

	// ErrQueueDestroyed is returned for operations cancelled by destroy.
	ErrQueueDestroyed = errors.New("operation queue destroyed")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config tunes the queue.
type Config struct {
	MaxPreCheckRetries int           // consecutive blocked pre-checks before an attempt is charged
	DefaultMaxAttempts int           // default attempts per operation
	DefaultRetryDelay  time.Duration // wait between blocked pre-checks
	DefaultTimeout     time.Duration // default per-operation execution timeout
	DeadlockRepeats    int           // identical blocker sets before ErrDeadlock
	ListenerHighWater  int           // pruned completions that trigger listener cleanup
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPreCheckRetries: 10,
		DefaultMaxAttempts: 3,
		DefaultRetryDelay:  100 * time.Millisecond,
		DefaultTimeout:     30 * time.Second,
		DeadlockRepeats:    3,
		ListenerHighWater:  100,
	}
}

// -----------------------------------------------------------------------------
// Operation
// -----------------------------------------------------------------------------

// Fn is the work a queued operation performs.
type Fn func(ctx context.Context) (interface{}, error)

// Result is delivered on the channel returned by Enqueue.
type Result struct {
	Value interface{}
	Err   error
}

// EnqueueOptions tunes a single operation.
type EnqueueOptions struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
	// Locks lists the advisory locks the operation needs. Defaults to the
	// operation name itself.
	Locks []string
}

// Operation is one queued unit of work.
type Operation struct {
	ID        string
	Name      string
	Priority  Priority
	Status    Status
	CreatedAt time.Time
	Attempts  int
	LastError error

	fn          Fn
	seq         int64
	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
	locks       []string
	resultCh    chan Result

	// Deadlock detection state
	preChecks      int
	lastBlockerKey string
	blockerRepeats int
}

// -----------------------------------------------------------------------------
// Queue
// -----------------------------------------------------------------------------

// Queue serializes named operations through the lock registry.
type Queue struct {
	mu sync.Mutex

	config Config
	locks  *oplock.Registry

	pending   []*Operation // sorted: priority desc, insertion asc
	completed []*Operation

	listeners    map[int]func(Event)
	nextListener int

	running  bool
	wake     chan struct{}
	stopCh   chan struct{}
	workerWg sync.WaitGroup

	seqCounter     int64
	totalCompleted int64
	totalFailed    int64
	totalCancelled int64

	sleepFn func(ctx context.Context, d time.Duration) error // for testing
}

// New creates a queue over the given lock registry.
func New(locks *oplock.Registry, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.MaxPreCheckRetries <= 0 {
		cfg.MaxPreCheckRetries = def.MaxPreCheckRetries
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = def.DefaultRetryDelay
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.DeadlockRepeats <= 0 {
		cfg.DeadlockRepeats = def.DeadlockRepeats
	}
	if cfg.ListenerHighWater <= 0 {
		cfg.ListenerHighWater = def.ListenerHighWater
	}

	return &Queue{
		config:    cfg,
		locks:     locks,
		listeners: make(map[int]func(Event)),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		sleepFn: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Start launches the worker.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	q.workerWg.Add(1)
	go q.worker()
	logging.Queue("operation queue started (pre_check_retries=%d, deadlock_repeats=%d)",
		q.config.MaxPreCheckRetries, q.config.DeadlockRepeats)
}

// Enqueue queues an operation and returns a channel that delivers the result.
// The queue is re-sorted here and only here. Fails once the queue is destroyed.
func (q *Queue) Enqueue(name string, fn Fn, priority Priority, opts EnqueueOptions) (<-chan Result, error) {
	op := &Operation{
		ID:          uuid.NewString(),
		Name:        name,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		fn:          fn,
		seq:         atomic.AddInt64(&q.seqCounter, 1),
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		timeout:     opts.Timeout,
		locks:       opts.Locks,
		resultCh:    make(chan Result, 1),
	}
	if op.maxAttempts <= 0 {
		op.maxAttempts = q.config.DefaultMaxAttempts
	}
	if op.retryDelay <= 0 {
		op.retryDelay = q.config.DefaultRetryDelay
	}
	if op.timeout <= 0 {
		op.timeout = q.config.DefaultTimeout
	}
	if len(op.locks) == 0 {
		op.locks = []string{name}
	}

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil, ErrQueueDestroyed
	}
	q.pending = append(q.pending, op)
	// Sort on enqueue only: priority desc, insertion order asc.
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].Priority != q.pending[j].Priority {
			return q.pending[i].Priority > q.pending[j].Priority
		}
		return q.pending[i].seq < q.pending[j].seq
	})
	q.mu.Unlock()

	q.emit(Event{Type: EventQueued, OpID: op.ID, Operation: name})
	logging.QueueDebug("queued %s (%s, priority=%s)", name, op.ID, priority)

	q.poke()
	return op.resultCh, nil
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------------
// Worker
// -----------------------------------------------------------------------------

func (q *Queue) worker() {
	defer q.workerWg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		}

		for {
			op := q.head()
			if op == nil {
				break
			}
			if !q.processHead(op) {
				return // queue stopped mid-operation
			}
		}
	}
}

func (q *Queue) head() *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// processHead drives the head operation to a terminal state or a retry wait.
// Returns false if the queue was stopped.
func (q *Queue) processHead(op *Operation) bool {
	for {
		select {
		case <-q.stopCh:
			return false
		default:
		}

		ok, blocked := q.locks.CanAcquireAll(op.locks)
		if !ok {
			if q.noteBlocked(op, blocked) {
				return true // op failed terminally (deadlock or exhaustion)
			}
			// Wait retry_delay and re-check without re-sorting and without
			// resetting the deadlock history.
			ctx, cancel := q.stopCtx()
			err := q.sleepFn(ctx, op.retryDelay)
			cancel()
			if err != nil {
				return false
			}
			continue
		}

		// Optimistic snapshot said yes; actually take the locks. A racing
		// holder shows up as a blocked pre-check.
		owners, err := q.acquireAll(op.locks)
		if err != nil {
			if q.noteBlocked(op, op.locks) {
				return true
			}
			ctx, cancel := q.stopCtx()
			serr := q.sleepFn(ctx, op.retryDelay)
			cancel()
			if serr != nil {
				return false
			}
			continue
		}

		q.run(op, owners)
		return true
	}
}

// stopCtx returns a context cancelled when the queue is destroyed. The caller
// must invoke cancel to release the watcher goroutine.
func (q *Queue) stopCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// noteBlocked records a blocked pre-check. Returns true when the operation
// failed terminally.
func (q *Queue) noteBlocked(op *Operation, blocked []string) bool {
	key := strings.Join(blocked, ",")

	if key != "" && key == op.lastBlockerKey {
		op.blockerRepeats++
	} else {
		op.lastBlockerKey = key
		op.blockerRepeats = 1
	}

	if key != "" && op.blockerRepeats >= q.config.DeadlockRepeats {
		logging.QueueWarn("deadlock on %s: blocker set {%s} repeated %d times", op.Name, key, op.blockerRepeats)
		op.lastBlockerKey = ""
		op.blockerRepeats = 0
		q.finish(op, StatusFailed, Result{Err: fmt.Errorf("%w: %s blocked by {%s}", ErrDeadlock, op.Name, key)})
		return true
	}

	op.preChecks++
	if op.preChecks >= q.config.MaxPreCheckRetries {
		op.preChecks = 0
		op.Attempts++
		logging.QueueDebug("%s exhausted pre-checks, attempt %d/%d", op.Name, op.Attempts, op.maxAttempts)
		if op.Attempts >= op.maxAttempts {
			q.finish(op, StatusFailed, Result{Err: fmt.Errorf("%w: %s after %d attempts (blocked by {%s})",
				ErrLockTimeout, op.Name, op.Attempts, key)})
			return true
		}
	}
	return false
}

func (q *Queue) acquireAll(names []string) (map[string]string, error) {
	owners := make(map[string]string, len(names))
	for _, name := range names {
		ownerID, err := q.locks.TryAcquire(name)
		if err != nil {
			for n, o := range owners {
				q.locks.Release(n, o)
			}
			return nil, err
		}
		owners[name] = ownerID
	}
	return owners, nil
}

// run executes the operation, handling retry-in-place on operation errors.
func (q *Queue) run(op *Operation, owners map[string]string) {
	defer func() {
		for name, owner := range owners {
			q.locks.Release(name, owner)
		}
	}()

	q.mu.Lock()
	op.Status = StatusProcessing
	q.mu.Unlock()
	q.emit(Event{Type: EventProcessing, OpID: op.ID, Operation: op.Name})

	for {
		ctx, cancel := context.WithTimeout(context.Background(), op.timeout)
		value, err := op.fn(ctx)
		cancel()

		if err == nil {
			q.finish(op, StatusCompleted, Result{Value: value})
			return
		}

		op.LastError = err
		op.Attempts++

		kind := retry.Classify(err)
		if !retry.IsRetryable(kind) || op.Attempts >= op.maxAttempts {
			q.finish(op, StatusFailed, Result{Err: err})
			return
		}

		// Retry in place: the operation keeps its position and goes back to
		// PENDING. Priority inversion is forbidden, so we do not re-sort.
		q.mu.Lock()
		op.Status = StatusPending
		q.mu.Unlock()
		logging.QueueDebug("%s failed (%s), retrying in place attempt %d/%d: %v",
			op.Name, kind, op.Attempts+1, op.maxAttempts, err)

		ctx2, cancel2 := q.stopCtx()
		serr := q.sleepFn(ctx2, op.retryDelay)
		cancel2()
		if serr != nil {
			q.finish(op, StatusCancelled, Result{Err: ErrQueueDestroyed})
			return
		}

		q.mu.Lock()
		op.Status = StatusProcessing
		q.mu.Unlock()
	}
}

// finish moves an operation to a terminal state, emits its event, delivers the
// result and pops it from the pending list.
func (q *Queue) finish(op *Operation, status Status, result Result) {
	q.mu.Lock()
	op.Status = status
	for i, p := range q.pending {
		if p == op {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	if status == StatusCompleted {
		q.completed = append(q.completed, op)
	}
	q.mu.Unlock()

	switch status {
	case StatusCompleted:
		atomic.AddInt64(&q.totalCompleted, 1)
		q.emit(Event{Type: EventCompleted, OpID: op.ID, Operation: op.Name})
	case StatusFailed:
		atomic.AddInt64(&q.totalFailed, 1)
		q.emit(Event{Type: EventFailed, OpID: op.ID, Operation: op.Name, Err: result.Err})
	case StatusCancelled:
		atomic.AddInt64(&q.totalCancelled, 1)
		q.emit(Event{Type: EventCancelled, OpID: op.ID, Operation: op.Name, Err: result.Err})
	}

	op.resultCh <- result
}

// -----------------------------------------------------------------------------
// Listeners and Lifecycle
// -----------------------------------------------------------------------------

// On registers a lifecycle listener. Returns an unsubscribe function.
func (q *Queue) On(fn func(Event)) func() {
	q.mu.Lock()
	idx := q.nextListener
	q.nextListener++
	q.listeners[idx] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, idx)
		q.mu.Unlock()
	}
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	fns := make([]func(Event), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// ClearCompleted prunes the completed-operation history. When the prune count
// exceeds the high-water mark the listener map is cleared too; long-lived apps
// otherwise accumulate dead listeners.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	pruned := len(q.completed)
	q.completed = nil
	if pruned > q.config.ListenerHighWater {
		q.listeners = make(map[int]func(Event))
		logging.Queue("cleared %d completions and all listeners (high water %d)", pruned, q.config.ListenerHighWater)
	}
	q.mu.Unlock()
	return pruned
}

// PendingCount returns the number of queued operations.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats summarizes queue activity.
type Stats struct {
	Pending   int
	Completed int64
	Failed    int64
	Cancelled int64
}

// GetStats returns current counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	return Stats{
		Pending:   pending,
		Completed: atomic.LoadInt64(&q.totalCompleted),
		Failed:    atomic.LoadInt64(&q.totalFailed),
		Cancelled: atomic.LoadInt64(&q.totalCancelled),
	}
}

// Destroy stops the worker, cancels all pending operations, clears listeners
// and logs a shutdown summary.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.workerWg.Wait()

	q.mu.Lock()
	cancelled := q.pending
	q.pending = nil
	q.listeners = make(map[int]func(Event))
	q.mu.Unlock()

	for _, op := range cancelled {
		op.Status = StatusCancelled
		atomic.AddInt64(&q.totalCancelled, 1)
		op.resultCh <- Result{Err: ErrQueueDestroyed}
	}

	stats := q.GetStats()
	logging.Queue("queue destroyed: completed=%d failed=%d cancelled=%d",
		stats.Completed, stats.Failed, stats.Cancelled)
}
