package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func tripBreaker(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("webhook returned 503")
		})
	}
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	tripBreaker(cb, 3)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	tripBreaker(cb, 2)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	tripBreaker(cb, 2)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb, 1)

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb, 1)

	now = now.Add(11 * time.Second)
	tripBreaker(cb, 1)
	if cb.State() != CircuitOpen {
		t.Errorf("expected open after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_ShouldTripFiltersErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("400 bad request")
	})
	if cb.State() != CircuitClosed {
		t.Errorf("permanent error should not trip the breaker, got %s", cb.State())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var changes []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})
	tripBreaker(cb, 1)
	cb.Reset()

	if len(changes) != 2 || changes[0] != "closed->open" || changes[1] != "open->closed" {
		t.Errorf("unexpected transitions: %v", changes)
	}
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	got, err := ExecuteVal(context.Background(), cb, func(_ context.Context) ([]byte, error) {
		return []byte("CAS,Component,Percentage"), nil
	})
	if err != nil || string(got) != "CAS,Component,Percentage" {
		t.Errorf("unexpected result %q, %v", got, err)
	}
}

func TestServiceBreakers_PerEndpoint(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	tripBreaker(sb.Get("ftp://lab.example.com"), 1)

	if sb.Get("ftp://lab.example.com") != sb.Get("ftp://lab.example.com") {
		t.Error("expected the same breaker for the same endpoint")
	}
	states := sb.States()
	if states["ftp://lab.example.com"] != CircuitOpen {
		t.Errorf("expected ftp breaker open, got %s", states["ftp://lab.example.com"])
	}
	if sb.Get("https://hooks.example.com").State() != CircuitClosed {
		t.Error("webhook breaker should be independent")
	}
}
