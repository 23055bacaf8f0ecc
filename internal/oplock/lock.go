// Package oplock implements the named advisory lock registry used to serialize
// operations that must not run concurrently (embedding generation, session
// persistence, token refresh). Locks are exclusive per name; waiters are served
// in FIFO order subject to per-waiter deadlines.
package oplock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rhythmchamber/internal/logging"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrTimeout is returned when a waiter's deadline expires before the lock
	// becomes available.
	ErrTimeout = errors.New("lock wait timed out")

	// ErrBusy is returned for zero-wait acquisitions against a held lock.
	ErrBusy = errors.New("lock is busy")
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Options controls a single acquisition.
type Options struct {
	// MaxWait bounds how long the caller is willing to queue. Zero means
	// fail immediately with ErrBusy if the lock is held.
	MaxWait time.Duration

	// HoldTimeout force-releases the lock after this duration. Zero disables
	// the watchdog. A forced release logs a warning; it exists to break
	// abandoned holds, not as a correctness mechanism.
	HoldTimeout time.Duration
}

// waiter is one queued acquisition attempt.
type waiter struct {
	id       string
	deadline time.Time
	ready    chan string // receives the granted owner ID
}

// lockState tracks a single named lock.
type lockState struct {
	ownerID    string
	acquiredAt time.Time
	watchdog   *time.Timer
	waiters    []*waiter // FIFO
}

// Info is an introspection snapshot of one lock.
type Info struct {
	Name       string
	OwnerID    string
	AcquiredAt time.Time
	Waiters    int
}

// Registry is the per-origin lock registry.
type Registry struct {
	mu      sync.Mutex
	locks   map[string]*lockState
	nowFunc func() time.Time // for testing
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{
		locks:   make(map[string]*lockState),
		nowFunc: time.Now,
	}
}

// -----------------------------------------------------------------------------
// Acquisition
// -----------------------------------------------------------------------------

// Acquire obtains the named lock, queueing up to opts.MaxWait.
// Returns the owner ID needed for Release.
func (r *Registry) Acquire(ctx context.Context, name string, opts Options) (string, error) {
	r.mu.Lock()

	st := r.locks[name]
	if st == nil {
		st = &lockState{}
		r.locks[name] = st
	}

	if st.ownerID == "" && len(st.waiters) == 0 {
		ownerID := r.grantLocked(name, st)
		r.mu.Unlock()
		logging.LocksDebug("acquired %q immediately (owner=%s)", name, ownerID)
		return ownerID, nil
	}

	if opts.MaxWait <= 0 {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %q held by %s", ErrBusy, name, st.ownerID)
	}

	w := &waiter{
		id:       uuid.NewString(),
		deadline: r.nowFunc().Add(opts.MaxWait),
		ready:    make(chan string, 1),
	}
	st.waiters = append(st.waiters, w)
	r.mu.Unlock()

	logging.LocksDebug("queued waiter %s on %q (max_wait=%v, depth=%d)", w.id, name, opts.MaxWait, len(st.waiters))

	timer := time.NewTimer(opts.MaxWait)
	defer timer.Stop()

	select {
	case ownerID := <-w.ready:
		if ownerID == "" {
			return "", errors.New("lock registry reset while waiting")
		}
		return ownerID, nil
	case <-timer.C:
		r.removeWaiter(name, w)
		// A grant may have raced the timer; honor it if present.
		select {
		case ownerID := <-w.ready:
			if ownerID != "" {
				return ownerID, nil
			}
		default:
		}
		logging.LocksWarn("waiter %s timed out on %q after %v", w.id, name, opts.MaxWait)
		return "", fmt.Errorf("%w: %q after %v", ErrTimeout, name, opts.MaxWait)
	case <-ctx.Done():
		r.removeWaiter(name, w)
		select {
		case ownerID := <-w.ready:
			if ownerID != "" {
				return ownerID, nil
			}
		default:
		}
		return "", ctx.Err()
	}
}

// AcquireWithTimeout is the common form: queue for at most maxWait.
func (r *Registry) AcquireWithTimeout(ctx context.Context, name string, maxWait time.Duration) (string, error) {
	return r.Acquire(ctx, name, Options{MaxWait: maxWait})
}

// TryAcquire attempts a zero-wait acquisition.
func (r *Registry) TryAcquire(name string) (string, error) {
	return r.Acquire(context.Background(), name, Options{})
}

// grantLocked hands the lock to a new owner. Caller holds r.mu.
func (r *Registry) grantLocked(name string, st *lockState) string {
	st.ownerID = uuid.NewString()
	st.acquiredAt = r.nowFunc()
	return st.ownerID
}

// armWatchdogLocked starts the hold-timeout watchdog. Caller holds r.mu.
func (r *Registry) armWatchdogLocked(name, ownerID string, holdTimeout time.Duration, st *lockState) {
	if holdTimeout <= 0 {
		return
	}
	st.watchdog = time.AfterFunc(holdTimeout, func() {
		logging.LocksWarn("hold timeout on %q (owner=%s, held=%v), force releasing", name, ownerID, holdTimeout)
		r.Release(name, ownerID)
	})
}

// AcquireWithWatchdog acquires and arms a hold-timeout watchdog in one step.
func (r *Registry) AcquireWithWatchdog(ctx context.Context, name string, opts Options) (string, error) {
	ownerID, err := r.Acquire(ctx, name, opts)
	if err != nil {
		return "", err
	}
	if opts.HoldTimeout > 0 {
		r.mu.Lock()
		if st, ok := r.locks[name]; ok && st.ownerID == ownerID {
			r.armWatchdogLocked(name, ownerID, opts.HoldTimeout, st)
		}
		r.mu.Unlock()
	}
	return ownerID, nil
}

// -----------------------------------------------------------------------------
// Release
// -----------------------------------------------------------------------------

// Release gives up the named lock. Releasing with an unknown owner ID is an
// idempotent no-op with a warning.
func (r *Registry) Release(name, ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.locks[name]
	if !ok || st.ownerID != ownerID {
		logging.LocksWarn("release of %q by unknown owner %s ignored", name, ownerID)
		return
	}

	if st.watchdog != nil {
		st.watchdog.Stop()
		st.watchdog = nil
	}
	held := r.nowFunc().Sub(st.acquiredAt)
	st.ownerID = ""
	logging.LocksDebug("released %q (owner=%s, held=%v)", name, ownerID, held)

	r.promoteLocked(name, st)
}

// promoteLocked grants the lock to the first unexpired waiter, failing any
// expired ones along the way. Deletes the entry when nothing is left.
// Caller holds r.mu.
func (r *Registry) promoteLocked(name string, st *lockState) {
	now := r.nowFunc()
	for len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		if now.After(w.deadline) {
			// Expired while queued; its Acquire call handles the timeout.
			continue
		}
		newOwner := r.grantLocked(name, st)
		w.ready <- newOwner
		return
	}

	// Last waiter departed and the owner released: delete the entry.
	if st.ownerID == "" && len(st.waiters) == 0 {
		delete(r.locks, name)
	}
}

// removeWaiter drops a timed-out or cancelled waiter from the queue.
func (r *Registry) removeWaiter(name string, target *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.locks[name]
	if !ok {
		return
	}
	for i, w := range st.waiters {
		if w == target {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			break
		}
	}
	if st.ownerID == "" && len(st.waiters) == 0 {
		delete(r.locks, name)
	}
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

// CanAcquire reports whether the named lock could be taken right now, and if
// not, which locks block it. This is an optimistic snapshot; it does not
// reserve anything.
func (r *Registry) CanAcquire(name string) (bool, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.locks[name]
	if !ok || (st.ownerID == "" && len(st.waiters) == 0) {
		return true, nil
	}
	return false, []string{name}
}

// CanAcquireAll checks a set of locks in one snapshot and returns the subset
// currently blocked. Used by the operation queue's pre-check and deadlock
// detector.
func (r *Registry) CanAcquireAll(names []string) (bool, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var blocked []string
	for _, name := range names {
		if st, ok := r.locks[name]; ok && (st.ownerID != "" || len(st.waiters) > 0) {
			blocked = append(blocked, name)
		}
	}
	return len(blocked) == 0, blocked
}

// IsHeld reports whether the lock currently has an owner.
func (r *Registry) IsHeld(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.locks[name]
	return ok && st.ownerID != ""
}

// Snapshot returns introspection info for every live lock.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.locks))
	for name, st := range r.locks {
		infos = append(infos, Info{
			Name:       name,
			OwnerID:    st.ownerID,
			AcquiredAt: st.acquiredAt,
			Waiters:    len(st.waiters),
		})
	}
	return infos
}

// Reset fails all waiters and clears the registry. Used by tests and by
// app-level Destroy.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, st := range r.locks {
		if st.watchdog != nil {
			st.watchdog.Stop()
		}
		for _, w := range st.waiters {
			close(w.ready)
		}
		delete(r.locks, name)
	}
}
