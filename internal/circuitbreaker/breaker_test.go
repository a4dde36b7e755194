package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/ocx/agentkernel/internal/kerr"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     50 * time.Millisecond,
		SuccessThreshold: 1,
	}, nil)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected underlying error, got %v", err)
		}
	}

	if cb.GetState() != Open {
		t.Fatalf("expected Open after %d failures, got %s", 3, cb.GetState())
	}

	if err := cb.Execute(func() error { return nil }); !kerr.Is(err, kerr.CircuitOpen) {
		t.Fatalf("expected CircuitOpen error while open, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New(Config{
		Name:             "recover",
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		ResetTimeout:     10 * time.Millisecond,
		SuccessThreshold: 2,
	}, nil)

	_ = cb.Execute(func() error { return errors.New("fail") })
	if cb.GetState() != Open {
		t.Fatalf("expected Open")
	}

	time.Sleep(20 * time.Millisecond)
	if cb.GetState() != HalfOpen {
		t.Fatalf("expected HalfOpen after reset timeout, got %s", cb.GetState())
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.GetState() != HalfOpen {
		t.Fatalf("expected still HalfOpen after 1/2 successes, got %s", cb.GetState())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.GetState() != Closed {
		t.Fatalf("expected Closed after success threshold met, got %s", cb.GetState())
	}
}

func TestBreakerFailureWindowExpires(t *testing.T) {
	cb := New(Config{
		Name:             "window",
		FailureThreshold: 2,
		FailureWindow:    20 * time.Millisecond,
		ResetTimeout:     time.Second,
		SuccessThreshold: 1,
	}, nil)

	_ = cb.Execute(func() error { return errors.New("fail") })
	time.Sleep(30 * time.Millisecond)
	_ = cb.Execute(func() error { return errors.New("fail") })

	if cb.GetState() != Closed {
		t.Fatalf("expected Closed because the first failure aged out of the window, got %s", cb.GetState())
	}
}

func TestForceOpenAndReset(t *testing.T) {
	cb := New(DefaultConfig("manual"), nil)
	cb.ForceOpen()
	if cb.GetState() != Open {
		t.Fatalf("expected Open after ForceOpen")
	}
	cb.Reset()
	if cb.GetState() != Closed {
		t.Fatalf("expected Closed after Reset")
	}
}

func TestManagerGetIsIdempotent(t *testing.T) {
	m := NewManager(DefaultConfig(""), nil)
	a := m.Get("store")
	b := m.Get("store")
	if a != b {
		t.Fatalf("expected Get to return the same breaker instance for the same name")
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected one breaker registered, got %d", len(m.List()))
	}
}

func TestExecuteWithFallback(t *testing.T) {
	cb := New(Config{Name: "fb", FailureThreshold: 1, FailureWindow: time.Minute, ResetTimeout: time.Hour, SuccessThreshold: 1}, nil)
	_ = cb.Execute(func() error { return errors.New("fail") })

	result, err := ExecuteWithFallback(cb, func() (int, error) {
		return 42, nil
	}, func(error) (int, error) {
		return -1, nil
	})
	if err != nil || result != -1 {
		t.Fatalf("expected fallback to run while circuit open, got result=%d err=%v", result, err)
	}
}
