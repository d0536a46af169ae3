package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUnavailable = errors.New("unavailable")
var errRejected = errors.New("rejected payload")

func testConfig() Config {
	cfg := DefaultConfig("")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errRejected)
	}
	return cfg
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	fail := func() (interface{}, error) { return nil, errUnavailable }

	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(ctx, fail); !errors.Is(err, errUnavailable) {
			t.Fatalf("attempt %d: expected errUnavailable, got %v", i, err)
		}
	}

	called := false
	_, err = cb.Execute(ctx, func() (interface{}, error) {
		called = true
		return nil, nil
	})
	if !IsOpenError(err) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
	if cb.GetState() != StateOpen {
		t.Errorf("state = %s", cb.GetState())
	}
}

func TestBreakerIgnoresSuccessfulErrors(t *testing.T) {
	cb, _ := New(testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(ctx, func() (interface{}, error) { return nil, errRejected })
		if !errors.Is(err, errRejected) {
			t.Fatalf("expected errRejected, got %v", err)
		}
	}
	if !cb.IsClosed() {
		t.Errorf("client errors must not open the breaker, state=%s", cb.GetState())
	}
}

func TestManagerIsolatesBreakers(t *testing.T) {
	m := NewManager(testConfig(), nil)
	ctx := context.Background()

	a, _ := m.GetOrCreate("clinic-a")
	b, _ := m.GetOrCreate("clinic-b")
	again, _ := m.GetOrCreate("clinic-a")
	if a != again {
		t.Fatal("GetOrCreate should return the cached breaker")
	}

	for i := 0; i < 2; i++ {
		_, _ = a.Execute(ctx, func() (interface{}, error) { return nil, errUnavailable })
	}
	if a.IsClosed() {
		t.Error("clinic-a should be open")
	}
	if !b.IsClosed() {
		t.Error("clinic-b should be unaffected")
	}

	if got := len(m.GetHealthStatus()); got != 2 {
		t.Errorf("expected 2 health entries, got %d", got)
	}
}
