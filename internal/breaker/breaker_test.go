package breaker

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3})

	for i := 0; i < 3; i++ {
		if d := b.Check(); !d.Allowed {
			t.Fatalf("call %d should be allowed, got %+v", i, d)
		}
		b.RecordFailure()
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if d := b.Check(); d.Allowed {
		t.Fatal("open breaker must deny calls within cooldown")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, Cooldown: time.Minute, SuccessesToClose: 2})
	b.nowFunc = func() time.Time { return now }

	b.Check()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// Cooldown elapses: the next check transitions to half-open
	now = now.Add(2 * time.Minute)
	d := b.Check()
	if !d.Allowed || d.State != StateHalfOpen {
		t.Fatalf("expected half-open probe, got %+v", d)
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("one success should not close, state = %v", b.State())
	}
	b.Check()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("two successes should close, state = %v", b.State())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, Cooldown: time.Minute})
	b.nowFunc = func() time.Time { return now }

	b.Check()
	b.RecordFailure()
	now = now.Add(2 * time.Minute)
	b.Check() // half-open probe
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("probe failure should reopen, state = %v", b.State())
	}
	// The failure refreshed lastFailureTime, so we are inside cooldown again
	if d := b.Check(); d.Allowed {
		t.Fatal("reopened breaker must deny within refreshed cooldown")
	}
}

func TestBreaker_CallCap(t *testing.T) {
	b := New(Config{MaxCallsPerTurn: 5})

	for i := 0; i < 5; i++ {
		if d := b.Check(); !d.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		b.RecordSuccess()
	}

	d := b.Check()
	if d.Allowed {
		t.Fatal("6th call must be denied by the per-turn cap")
	}
	if d.Reason == "" {
		t.Fatal("denial must carry a human-readable reason")
	}
}

func TestBreaker_ResetTurnClearsEverything(t *testing.T) {
	b := New(Config{FailureThreshold: 1, MaxCallsPerTurn: 2})

	b.Check()
	b.RecordFailure()
	b.Check()

	b.ResetTurn()

	if b.State() != StateClosed {
		t.Fatalf("state after reset = %v, want closed", b.State())
	}
	if b.CallCount() != 0 {
		t.Fatalf("call count after reset = %d, want 0", b.CallCount())
	}
	if d := b.Check(); !d.Allowed {
		t.Fatal("fresh turn should allow calls")
	}
}
