package httpx

import (
	"testing"
	"time"
)

func TestCalculateBackoff_RespectsRetryAfter(t *testing.T) {
	cfg := DefaultRetryConfig()

	backoff := CalculateBackoff(cfg, 0, 5*time.Second)

	// Retry-After + 500ms padding
	expected := 5*time.Second + 500*time.Millisecond
	if backoff != expected {
		t.Errorf("expected backoff %v, got %v", expected, backoff)
	}
}

func TestCalculateBackoff_ExponentialGrowth(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         false,
	}

	for attempt, want := range []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second} {
		if got := CalculateBackoff(cfg, attempt, 0); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestCalculateBackoff_RespectsMaxBackoff(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         false,
	}

	if b := CalculateBackoff(cfg, 10, 0); b > 5*time.Second {
		t.Errorf("expected backoff capped at 5s, got %v", b)
	}
}

func TestCalculateBackoff_WithJitter(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}

	base := 1 * time.Second
	b := CalculateBackoff(cfg, 0, 0)

	if b < base {
		t.Errorf("expected backoff >= %v, got %v", base, b)
	}
	if max := base + base/4; b > max {
		t.Errorf("expected backoff <= %v with jitter, got %v", max, b)
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.InitialBackoff != 1*time.Second {
		t.Errorf("expected InitialBackoff 1s, got %v", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 30*time.Second {
		t.Errorf("expected MaxBackoff 30s, got %v", cfg.MaxBackoff)
	}
	if !cfg.Jitter {
		t.Error("expected Jitter enabled by default")
	}
}
