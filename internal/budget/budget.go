// Package budget implements hierarchical timeout budgets. Every async path in
// the app runs under a Budget: a cancellable deadline that can be subdivided
// into child budgets whose deadlines never exceed the parent's. Abort fans out
// top-down to every transitive child exactly once.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rhythmchamber/internal/logging"
)

// ErrBudgetExhausted is returned when an operation has no time left, when a
// subdivision asks for more than the parent can give, or when WithBudget's
// function overruns its deadline.
var ErrBudgetExhausted = errors.New("budget exhausted")

// -----------------------------------------------------------------------------
// Defaults
// -----------------------------------------------------------------------------

// DefaultBudgets maps operation names to their default budget.
// Unknown operations fall back to DefaultFallback.
var DefaultBudgets = map[string]time.Duration{
	"llm_call":        60 * time.Second,
	"llm_summary":     30 * time.Second,
	"function_call":   10 * time.Second,
	"vector_search":   5 * time.Second,
	"vector_persist":  5 * time.Second,
	"embedding_batch": 20 * time.Second,
	"token_refresh":   15 * time.Second,
	"license_verify":  10 * time.Second,
}

// DefaultFallback is the budget for operations not listed in DefaultBudgets.
const DefaultFallback = 30 * time.Second

// AdaptiveConfig bounds payload-scaled budgets.
type AdaptiveConfig struct {
	BytesPerSecond int           // scaling factor applied on top of the base
	Min            time.Duration // floor for the scaled budget
	Max            time.Duration // ceiling for the scaled budget
}

// DefaultAdaptiveConfig returns sensible scaling bounds.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		BytesPerSecond: 64 * 1024,
		Min:            5 * time.Second,
		Max:            5 * time.Minute,
	}
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager allocates budgets and tracks the active set for introspection.
type Manager struct {
	mu       sync.Mutex
	active   map[string]*Budget
	defaults map[string]time.Duration
	adaptive AdaptiveConfig
	nowFunc  func() time.Time // for testing
}

// NewManager creates a budget manager with default per-operation budgets.
func NewManager() *Manager {
	defaults := make(map[string]time.Duration, len(DefaultBudgets))
	for op, d := range DefaultBudgets {
		defaults[op] = d
	}
	return &Manager{
		active:   make(map[string]*Budget),
		defaults: defaults,
		adaptive: DefaultAdaptiveConfig(),
		nowFunc:  time.Now,
	}
}

// DefaultFor returns the configured default budget for an operation.
func (m *Manager) DefaultFor(operation string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.defaults[operation]; ok {
		return d
	}
	return DefaultFallback
}

// AdaptiveTimeout scales the operation's base budget by payload size, clamped
// to the configured min/max.
func (m *Manager) AdaptiveTimeout(operation string, payloadSize int) time.Duration {
	base := m.DefaultFor(operation)
	if payloadSize <= 0 || m.adaptive.BytesPerSecond <= 0 {
		return base
	}
	scaled := base + time.Duration(payloadSize/m.adaptive.BytesPerSecond)*time.Second
	if scaled < m.adaptive.Min {
		scaled = m.adaptive.Min
	}
	if scaled > m.adaptive.Max {
		scaled = m.adaptive.Max
	}
	return scaled
}

// AllocateOptions tunes Allocate.
type AllocateOptions struct {
	// Signal ties the budget to an external context. If the context is
	// already cancelled at allocation, the budget starts aborted.
	Signal context.Context
}

// Allocate creates a root budget for an operation. Zero duration uses the
// per-operation default.
func (m *Manager) Allocate(operation string, d time.Duration, opts AllocateOptions) *Budget {
	if d <= 0 {
		d = m.DefaultFor(operation)
	}

	parentCtx := opts.Signal
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	b := newBudget(m, nil, operation, d, parentCtx)

	m.mu.Lock()
	m.active[b.id] = b
	m.mu.Unlock()

	logging.BudgetDebug("allocated %s for %q (%v)", b.id, operation, d)

	if parentCtx.Err() != nil {
		// External signal already fired: the budget starts aborted.
		b.Abort("external signal already aborted")
	}
	return b
}

// WithBudget allocates a budget, runs fn under it, and guarantees release on
// every exit path. A deadline overrun surfaces as ErrBudgetExhausted.
func (m *Manager) WithBudget(ctx context.Context, operation string, d time.Duration, fn func(ctx context.Context, b *Budget) error) error {
	b := m.Allocate(operation, d, AllocateOptions{Signal: ctx})
	defer b.Release()

	err := fn(b.Context(), b)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || (b.Exhausted() && errors.Is(err, context.Canceled)) {
		return fmt.Errorf("%w: %q after %v", ErrBudgetExhausted, operation, d)
	}
	return err
}

// ActiveCount returns the number of live budgets (diagnostics).
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Reset aborts and releases every active budget. Used by tests and Destroy.
func (m *Manager) Reset() {
	m.mu.Lock()
	budgets := make([]*Budget, 0, len(m.active))
	for _, b := range m.active {
		budgets = append(budgets, b)
	}
	m.mu.Unlock()

	for _, b := range budgets {
		b.Abort("manager reset")
		b.Release()
	}
}

func (m *Manager) forget(b *Budget) {
	m.mu.Lock()
	delete(m.active, b.id)
	m.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Budget
// -----------------------------------------------------------------------------

// Budget is one node in the timeout hierarchy.
type Budget struct {
	id        string
	operation string
	duration  time.Duration
	startTime time.Time

	manager *Manager
	parent  *Budget

	ctx    context.Context
	cancel context.CancelFunc
	stopAF func() bool // stops the context.AfterFunc watcher

	mu          sync.Mutex
	children    []*Budget
	aborted     bool
	abortReason string
	released    bool
	handlers    map[int]func(reason string)
	nextHandler int
}

func newBudget(m *Manager, parent *Budget, operation string, d time.Duration, parentCtx context.Context) *Budget {
	now := m.nowFunc()
	ctx, cancel := context.WithDeadline(parentCtx, now.Add(d))

	b := &Budget{
		id:        uuid.NewString(),
		operation: operation,
		duration:  d,
		startTime: now,
		manager:   m,
		parent:    parent,
		ctx:       ctx,
		cancel:    cancel,
		handlers:  make(map[int]func(reason string)),
	}

	// Deadline expiry and upstream cancellation both count as aborts so that
	// handlers fire and children are torn down.
	b.stopAF = context.AfterFunc(ctx, func() {
		b.Abort("deadline or upstream cancellation")
	})

	return b
}

// ID returns the budget's unique ID.
func (b *Budget) ID() string { return b.id }

// Operation returns the operation name this budget was allocated for.
func (b *Budget) Operation() string { return b.operation }

// Context returns the context carrying this budget's deadline. Pass it to
// every blocking call made under the budget.
func (b *Budget) Context() context.Context { return b.ctx }

// Remaining returns the time left: min(own remaining, parent remaining),
// recursively. Never negative.
func (b *Budget) Remaining() time.Duration {
	b.mu.Lock()
	aborted := b.aborted
	b.mu.Unlock()
	if aborted {
		return 0
	}

	own := b.duration - b.manager.nowFunc().Sub(b.startTime)
	if own < 0 {
		own = 0
	}
	if b.parent != nil {
		if pr := b.parent.Remaining(); pr < own {
			own = pr
		}
	}
	return own
}

// Exhausted reports whether the budget is aborted or out of time.
func (b *Budget) Exhausted() bool {
	return b.IsAborted() || b.Remaining() <= 0
}

// IsAborted reports whether Abort has fired.
func (b *Budget) IsAborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// AssertAvailable returns ErrBudgetExhausted when no time remains.
// The context string appears in the error for diagnostics.
func (b *Budget) AssertAvailable(where string) error {
	if b.Exhausted() {
		return fmt.Errorf("%w: %q at %s (elapsed=%v, budget=%v)",
			ErrBudgetExhausted, b.operation, where,
			b.manager.nowFunc().Sub(b.startTime).Round(time.Millisecond), b.duration)
	}
	return nil
}

// Subdivide carves a child budget out of this one. Fails with
// ErrBudgetExhausted when the parent is aborted or cannot cover childD.
func (b *Budget) Subdivide(childOp string, childD time.Duration) (*Budget, error) {
	if childD <= 0 {
		childD = b.manager.DefaultFor(childOp)
	}

	b.mu.Lock()
	if b.aborted {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: parent %q already aborted", ErrBudgetExhausted, b.operation)
	}
	b.mu.Unlock()

	if remaining := b.Remaining(); childD > remaining {
		return nil, fmt.Errorf("%w: child %q wants %v but parent %q has %v left",
			ErrBudgetExhausted, childOp, childD, b.operation, remaining)
	}

	child := newBudget(b.manager, b, childOp, childD, b.ctx)

	b.mu.Lock()
	b.children = append(b.children, child)
	b.mu.Unlock()

	b.manager.mu.Lock()
	b.manager.active[child.id] = child
	b.manager.mu.Unlock()

	logging.BudgetDebug("subdivided %q/%v from %q (parent remaining %v)",
		childOp, childD, b.operation, b.Remaining())
	return child, nil
}

// OnAbort registers a handler invoked once when the budget aborts. Returns an
// unsubscribe function. If the budget is already aborted the handler runs
// immediately.
func (b *Budget) OnAbort(fn func(reason string)) func() {
	b.mu.Lock()
	if b.aborted {
		reason := b.abortReason
		b.mu.Unlock()
		b.invokeHandler(fn, reason)
		return func() {}
	}
	idx := b.nextHandler
	b.nextHandler++
	b.handlers[idx] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, idx)
		b.mu.Unlock()
	}
}

// Abort cancels the budget and every transitive child. Idempotent. Handler
// panics are caught and logged; they never break propagation.
func (b *Budget) Abort(reason string) {
	b.mu.Lock()
	if b.aborted {
		b.mu.Unlock()
		return
	}
	b.aborted = true
	b.abortReason = reason
	handlers := make([]func(string), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.handlers = make(map[int]func(reason string))
	children := make([]*Budget, len(b.children))
	copy(children, b.children)
	b.mu.Unlock()

	logging.BudgetDebug("abort %q (%s): %s", b.operation, b.id, reason)

	for _, fn := range handlers {
		b.invokeHandler(fn, reason)
	}
	for _, child := range children {
		child.Abort(fmt.Sprintf("parent %q aborted: %s", b.operation, reason))
	}
	b.cancel()
}

func (b *Budget) invokeHandler(fn func(string), reason string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryBudget).Error("abort handler panicked for %q: %v", b.operation, r)
		}
	}()
	fn(reason)
}

// Release disposes the budget: the deadline watcher is stopped, the context
// cancelled, and the budget dropped from the active set and its parent.
// Safe to call multiple times and on every exit path.
func (b *Budget) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	children := make([]*Budget, len(b.children))
	copy(children, b.children)
	b.mu.Unlock()

	if b.stopAF != nil {
		b.stopAF()
	}
	for _, child := range children {
		child.Release()
	}
	b.cancel()
	b.manager.forget(b)

	if b.parent != nil {
		b.parent.mu.Lock()
		for i, c := range b.parent.children {
			if c == b {
				b.parent.children = append(b.parent.children[:i], b.parent.children[i+1:]...)
				break
			}
		}
		b.parent.mu.Unlock()
	}
}
