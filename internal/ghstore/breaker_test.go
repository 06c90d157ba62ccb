package ghstore

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker()

	if b.State() != BreakerClosed {
		t.Errorf("expected initial state closed, got %s", b.StateString())
	}
	if !b.Allow() {
		t.Error("expected Allow() true in closed state")
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b := NewBreakerWithConfig(3, 1*time.Second, 1)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	if b.State() != BreakerOpen {
		t.Errorf("expected open after 3 failures, got %s", b.StateString())
	}
	if b.Allow() {
		t.Error("expected Allow() false in open state")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreakerWithConfig(3, 1*time.Second, 1)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %s", b.StateString())
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := NewBreakerWithConfig(1, 1*time.Second, 1)

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", b.StateString())
	}

	// fake the reset timeout elapsing
	b.mu.Lock()
	b.lastFailure = time.Now().Add(-2 * time.Second)
	b.mu.Unlock()

	if !b.Allow() {
		t.Error("expected a probe request allowed after reset timeout")
	}
	if b.State() != BreakerHalfOpen {
		t.Errorf("expected half-open, got %s", b.StateString())
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after successful probe, got %s", b.StateString())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreakerWithConfig(1, 1*time.Second, 2)

	b.RecordFailure()
	b.mu.Lock()
	b.lastFailure = time.Now().Add(-2 * time.Second)
	b.mu.Unlock()

	if !b.Allow() {
		t.Fatal("expected probe allowed")
	}
	b.RecordFailure()

	if b.State() != BreakerOpen {
		t.Errorf("expected reopened after failed probe, got %s", b.StateString())
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := NewBreaker()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Allow()
				if n%2 == 0 {
					b.RecordSuccess()
				} else {
					b.RecordFailure()
				}
			}
		}(i)
	}
	wg.Wait()
}
