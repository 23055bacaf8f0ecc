// Package turn implements the conversation pipeline: a single-flight turn
// queue, the tool-call loop with its circuit breaker, and the follow-up
// summary. At most one turn runs at a time; everything else waits in FIFO
// order.
package turn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"rhythmchamber/internal/breaker"
	"rhythmchamber/internal/budget"
	"rhythmchamber/internal/llm"
	"rhythmchamber/internal/logging"
	"rhythmchamber/internal/retry"
	"rhythmchamber/internal/tools"
)

// =============================================================================
// TURN QUEUE
// =============================================================================

// State is a turn's lifecycle state.
type State string

const (
	StateQueued      State = "QUEUED"
	StateRunning     State = "RUNNING"
	StateToolExec    State = "TOOL_EXEC"
	StateSummarizing State = "SUMMARIZING"
	StateDone        State = "DONE"
	StateError       State = "ERROR"
	StateCancelled   State = "CANCELLED"
)

// Status values carried on results.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusError          = "error"
	StatusCancelled      = "cancelled"
)

// Result is delivered when a turn reaches a terminal state.
type Result struct {
	Content        string
	Status         string
	ToolsSucceeded bool
	ToolOutcomes   []ToolOutcome
	Err            error
}

// ToolOutcome records one tool call's disposition within a turn.
type ToolOutcome struct {
	CallID                string
	Name                  string
	Output                string
	IsCircuitBreakerError bool
	Reason                string
	Err                   error
}

// Config tunes the pipeline.
type Config struct {
	TurnBudget     time.Duration // whole-turn budget; zero uses the llm_call default
	SummaryBudget  time.Duration // follow-up summary budget
	FunctionBudget time.Duration // per-tool-call child budget
	MaxRetries     int           // transient retries per LLM call and tool execution
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TurnBudget:     60 * time.Second,
		SummaryBudget:  30 * time.Second,
		FunctionBudget: 10 * time.Second,
		MaxRetries:     2,
	}
}

// Turn is one queued user-assistant exchange.
type Turn struct {
	ID      string
	Message string
	State   State

	ctx      context.Context
	resultCh chan Result
}

// Queue serializes turns. All fields behind mu except the worker plumbing.
type Queue struct {
	mu sync.Mutex

	config   Config
	client   llm.Client
	registry *tools.Registry
	breaker  *breaker.Breaker
	budgets  *budget.Manager

	history []llm.Message
	pending []*Turn
	current *Turn

	running  bool
	wake     chan struct{}
	stopCh   chan struct{}
	workerWg sync.WaitGroup
}

// NewQueue creates a turn queue. Zero-value config fields get defaults.
func NewQueue(client llm.Client, registry *tools.Registry, brk *breaker.Breaker, budgets *budget.Manager, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = def.TurnBudget
	}
	if cfg.SummaryBudget <= 0 {
		cfg.SummaryBudget = def.SummaryBudget
	}
	if cfg.FunctionBudget <= 0 {
		cfg.FunctionBudget = def.FunctionBudget
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	return &Queue{
		config:   cfg,
		client:   client,
		registry: registry,
		breaker:  brk,
		budgets:  budgets,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
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
}

// Push queues a user turn. The returned channel delivers the result when the
// turn reaches a terminal state. ctx is the turn's abort signal.
func (q *Queue) Push(ctx context.Context, message string) <-chan Result {
	return q.push(ctx, message, false)
}

// push is the internal entry point. bypass front-runs the queue for
// system-initiated messages and is deliberately not exported.
func (q *Queue) push(ctx context.Context, message string, bypass bool) <-chan Result {
	if ctx == nil {
		ctx = context.Background()
	}
	t := &Turn{
		ID:       uuid.NewString(),
		Message:  message,
		State:    StateQueued,
		ctx:      ctx,
		resultCh: make(chan Result, 1),
	}

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		t.resultCh <- Result{Status: StatusError, Err: context.Canceled}
		return t.resultCh
	}
	if bypass {
		q.pending = append([]*Turn{t}, q.pending...)
	} else {
		q.pending = append(q.pending, t)
	}
	q.mu.Unlock()

	logging.TurnDebug("turn %s queued (bypass=%v, len=%d)", t.ID, bypass, len(message))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t.resultCh
}

func (q *Queue) worker() {
	defer q.workerWg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			t := q.pending[0]
			q.pending = q.pending[1:]
			q.current = t
			q.mu.Unlock()

			q.execute(t)

			q.mu.Lock()
			q.current = nil
			q.mu.Unlock()

			select {
			case <-q.stopCh:
				return
			default:
			}
		}
	}
}

// execute drives one turn to a terminal state.
func (q *Queue) execute(t *Turn) {
	t.State = StateRunning
	q.breaker.ResetTurn()

	b := q.budgets.Allocate("llm_call", q.config.TurnBudget, budget.AllocateOptions{Signal: t.ctx})
	defer b.Release()

	q.appendHistory(llm.Message{Role: "user", Content: t.Message})

	resp, err := q.completeWithRetry(b.Context(), q.snapshotHistory(), q.registry.Definitions())
	if err != nil {
		q.fail(t, err)
		return
	}

	calls := resp.ToolCalls()
	if len(calls) == 0 {
		content := resp.Content()
		q.appendHistory(llm.Message{Role: "assistant", Content: content})
		t.State = StateDone
		t.resultCh <- Result{Content: content, Status: StatusSuccess}
		logging.Turn("turn %s done (no tools)", t.ID)
		return
	}

	// Assistant message (with any preamble content) enters history once,
	// before any tool executes.
	q.appendHistory(llm.Message{Role: "assistant", Content: resp.Content(), ToolCalls: calls})

	t.State = StateToolExec
	outcomes := q.runToolCalls(t, b, calls)

	allSucceeded := true
	for _, o := range outcomes {
		if o.Err != nil || o.IsCircuitBreakerError {
			allSucceeded = false
			break
		}
	}

	t.State = StateSummarizing
	summary, err := q.summarize(b)
	if err != nil {
		logging.TurnWarn("turn %s summary failed: %v", t.ID, err)
		t.State = StateDone
		t.resultCh <- Result{
			Status:         StatusPartialSuccess,
			ToolsSucceeded: allSucceeded,
			ToolOutcomes:   outcomes,
			Err:            err,
		}
		return
	}

	q.appendHistory(llm.Message{Role: "assistant", Content: summary})
	t.State = StateDone
	t.resultCh <- Result{
		Content:        summary,
		Status:         StatusSuccess,
		ToolsSucceeded: allSucceeded,
		ToolOutcomes:   outcomes,
	}
	logging.Turn("turn %s done (%d tool calls)", t.ID, len(calls))
}

func (q *Queue) fail(t *Turn, err error) {
	if retry.Classify(err) == retry.KindAborted {
		t.State = StateCancelled
		t.resultCh <- Result{Status: StatusCancelled, Err: err}
		return
	}
	t.State = StateError
	t.resultCh <- Result{Status: StatusError, Err: err}
	logging.TurnWarn("turn %s failed: %v", t.ID, err)
}

func (q *Queue) completeWithRetry(ctx context.Context, messages []llm.Message, defs []llm.ToolDefinition) (*llm.Response, error) {
	var resp *llm.Response
	err := retry.WithRetry(ctx, func(ctx context.Context) error {
		var cerr error
		resp, cerr = q.client.Complete(ctx, llm.Request{Messages: messages, Tools: defs})
		return cerr
	}, retry.Options{MaxRetries: q.config.MaxRetries})
	return resp, err
}

// summarize re-invokes the model over the post-tool history under a follow-up
// budget.
func (q *Queue) summarize(parent *budget.Budget) (string, error) {
	child, err := parent.Subdivide("llm_summary", q.config.SummaryBudget)
	if err != nil {
		return "", err
	}
	defer child.Release()

	resp, err := q.completeWithRetry(child.Context(), q.snapshotHistory(), nil)
	if err != nil {
		return "", err
	}
	return resp.Content(), nil
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

func (q *Queue) appendHistory(msg llm.Message) {
	q.mu.Lock()
	q.history = append(q.history, msg)
	q.mu.Unlock()
}

func (q *Queue) snapshotHistory() []llm.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]llm.Message, len(q.history))
	copy(out, q.history)
	return out
}

// History returns a copy of the conversation so far.
func (q *Queue) History() []llm.Message {
	return q.snapshotHistory()
}

// ResetHistory clears the conversation between sessions.
func (q *Queue) ResetHistory() {
	q.mu.Lock()
	q.history = nil
	q.mu.Unlock()
}

// Destroy stops the worker and cancels queued turns.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.workerWg.Wait()

	for _, t := range pending {
		t.State = StateCancelled
		t.resultCh <- Result{Status: StatusCancelled, Err: context.Canceled}
	}
	logging.Turn("turn queue destroyed, %d pending cancelled", len(pending))
}
