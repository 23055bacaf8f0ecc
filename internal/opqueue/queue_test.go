package opqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rhythmchamber/internal/oplock"
	"rhythmchamber/internal/retry"
)

func newTestQueue(cfg Config) (*Queue, *oplock.Registry) {
	locks := oplock.NewRegistry()
	q := New(locks, cfg)
	q.sleepFn = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	q.Start()
	return q, locks
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for operation result")
		return Result{}
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(Config{})
	defer q.Destroy()

	var mu sync.Mutex
	var order []string
	record := func(name string) Fn {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	// Hold the worker on a gate operation so the remaining enqueues sort.
	release := make(chan struct{})
	gateCh, err := q.Enqueue("gate", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, PriorityCritical, EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Give the worker time to pick up the gate.
	time.Sleep(20 * time.Millisecond)

	lowCh, _ := q.Enqueue("op-low", record("low"), PriorityLow, EnqueueOptions{})
	highCh, _ := q.Enqueue("op-high", record("high"), PriorityHigh, EnqueueOptions{})
	normalCh, _ := q.Enqueue("op-normal", record("normal"), PriorityNormal, EnqueueOptions{})

	close(release)
	waitResult(t, gateCh)
	waitResult(t, lowCh)
	waitResult(t, highCh)
	waitResult(t, normalCh)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("executed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("executed %v, want %v", order, want)
		}
	}
}

func TestQueue_InsertionOrderWithinPriority(t *testing.T) {
	q, _ := newTestQueue(Config{})
	defer q.Destroy()

	var mu sync.Mutex
	var order []string
	record := func(name string) Fn {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	release := make(chan struct{})
	gateCh, _ := q.Enqueue("gate", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, PriorityHigh, EnqueueOptions{})
	time.Sleep(20 * time.Millisecond)

	chans := make([]<-chan Result, 0, 3)
	for _, name := range []string{"a", "b", "c"} {
		ch, _ := q.Enqueue(name, record(name), PriorityNormal, EnqueueOptions{})
		chans = append(chans, ch)
	}

	close(release)
	waitResult(t, gateCh)
	for _, ch := range chans {
		waitResult(t, ch)
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("same-priority ops must run in insertion order, got %v", order)
	}
}

func TestQueue_DeadlockDetection(t *testing.T) {
	q, locks := newTestQueue(Config{DeadlockRepeats: 3, MaxPreCheckRetries: 100})
	defer q.Destroy()

	// An external holder never releases, so the head sees the same blocker
	// set on every pre-check.
	owner, err := locks.TryAcquire("session")
	if err != nil {
		t.Fatal(err)
	}
	defer locks.Release("session", owner)

	ch, _ := q.Enqueue("save", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal, EnqueueOptions{Locks: []string{"session"}})

	r := waitResult(t, ch)
	if !errors.Is(r.Err, ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock, got %v", r.Err)
	}
}

func TestQueue_PreCheckExhaustion(t *testing.T) {
	q, locks := newTestQueue(Config{
		MaxPreCheckRetries: 2,
		DefaultMaxAttempts: 1,
		DeadlockRepeats:    1000,
	})
	defer q.Destroy()

	owner, err := locks.TryAcquire("index")
	if err != nil {
		t.Fatal(err)
	}
	defer locks.Release("index", owner)

	ch, _ := q.Enqueue("reindex", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal, EnqueueOptions{Locks: []string{"index"}})

	r := waitResult(t, ch)
	if !errors.Is(r.Err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", r.Err)
	}
}

func TestQueue_RetryInPlace(t *testing.T) {
	q, _ := newTestQueue(Config{})
	defer q.Destroy()

	calls := 0
	ch, _ := q.Enqueue("flaky", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, retry.Wrap(retry.KindTransientNetwork, errors.New("connection reset"))
		}
		return "ok", nil
	}, PriorityNormal, EnqueueOptions{MaxAttempts: 3})

	r := waitResult(t, ch)
	if r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if r.Value != "ok" {
		t.Fatalf("value = %v, want ok", r.Value)
	}
	if calls != 3 {
		t.Fatalf("fn invoked %d times, want 3", calls)
	}
}

func TestQueue_NonRetryableFailsImmediately(t *testing.T) {
	q, _ := newTestQueue(Config{})
	defer q.Destroy()

	calls := 0
	ch, _ := q.Enqueue("bad-args", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, retry.Wrap(retry.KindValidation, errors.New("malformed payload"))
	}, PriorityNormal, EnqueueOptions{MaxAttempts: 5})

	r := waitResult(t, ch)
	if r.Err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("validation failure invoked %d times, want 1", calls)
	}
}

func TestQueue_LifecycleEvents(t *testing.T) {
	q, _ := newTestQueue(Config{})
	defer q.Destroy()

	var mu sync.Mutex
	var events []EventType
	unsubscribe := q.On(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})
	defer unsubscribe()

	ch, _ := q.Enqueue("noop", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal, EnqueueOptions{})
	waitResult(t, ch)

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventQueued, EventProcessing, EventCompleted}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestQueue_DestroyCancelsPending(t *testing.T) {
	q, _ := newTestQueue(Config{})

	release := make(chan struct{})
	gateCh, _ := q.Enqueue("gate", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, PriorityHigh, EnqueueOptions{})
	time.Sleep(20 * time.Millisecond)

	p1, _ := q.Enqueue("pending-1", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal, EnqueueOptions{})
	p2, _ := q.Enqueue("pending-2", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal, EnqueueOptions{})

	done := make(chan struct{})
	go func() {
		q.Destroy()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let Destroy close the stop channel
	close(release)

	waitResult(t, gateCh)
	<-done

	for _, ch := range []<-chan Result{p1, p2} {
		r := waitResult(t, ch)
		if !errors.Is(r.Err, ErrQueueDestroyed) {
			t.Fatalf("expected ErrQueueDestroyed, got %v", r.Err)
		}
	}

	if _, err := q.Enqueue("late", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal, EnqueueOptions{}); !errors.Is(err, ErrQueueDestroyed) {
		t.Fatalf("enqueue on destroyed queue = %v, want ErrQueueDestroyed", err)
	}
}

func TestQueue_ClearCompletedPrunesListeners(t *testing.T) {
	q, _ := newTestQueue(Config{ListenerHighWater: 1})
	defer q.Destroy()

	var mu sync.Mutex
	count := 0
	q.On(func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 2; i++ {
		ch, _ := q.Enqueue("work", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, PriorityNormal, EnqueueOptions{})
		waitResult(t, ch)
	}

	if pruned := q.ClearCompleted(); pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}

	mu.Lock()
	before := count
	mu.Unlock()

	// Past the high-water mark the listener map is cleared too.
	ch, _ := q.Enqueue("after", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal, EnqueueOptions{})
	waitResult(t, ch)

	mu.Lock()
	defer mu.Unlock()
	if count != before {
		t.Fatalf("pruned listener still received events (%d -> %d)", before, count)
	}
}
