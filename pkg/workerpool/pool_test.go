package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestPool_ProcessesSubmittedItems(t *testing.T) {
	var sum int64
	p, err := New(Config{Workers: 3, QueueSize: 10}, func(ctx context.Context, n int) error {
		atomic.AddInt64(&sum, int64(n))
		return nil
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()

	for i := 1; i <= 10; i++ {
		if err := p.Submit(i); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := atomic.LoadInt64(&sum); got != 55 {
		t.Errorf("sum = %d, want 55", got)
	}
	if s := p.Stats(); s.TasksCompleted != 10 || s.TasksSubmitted != 10 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestPool_RequiresHandler(t *testing.T) {
	if _, err := New[int](Config{}, nil, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestPool_BurstThenSaturate(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	p, _ := New(Config{Workers: 1, MaxWorkers: 2, QueueSize: 1, KeepAlive: time.Minute}, func(ctx context.Context, n int) error {
		if n < 2 {
			started.Done()
		}
		<-release
		return nil
	}, nil)
	p.Start()

	// Item 0 occupies the core worker.
	if err := p.Submit(0); err != nil {
		t.Fatalf("Submit(0): %v", err)
	}
	waitFor(t, func() bool { return p.Stats().ActiveWorkers == 1 })

	// Queue is empty, so item 2 waits there; item 1 cannot queue and bursts.
	if err := p.Submit(2); err != nil {
		t.Fatalf("Submit(2): %v", err)
	}
	if err := p.Submit(1); err != nil {
		t.Fatalf("Submit(1) should start a burst worker: %v", err)
	}
	if err := p.Submit(3); !errors.Is(err, ErrQueueSaturated) {
		t.Fatalf("expected ErrQueueSaturated, got %v", err)
	}

	started.Wait()
	if w := p.Stats().Workers; w != 2 {
		t.Errorf("workers = %d, want 2", w)
	}

	close(release)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s := p.Stats(); s.TasksCompleted != 3 || s.TasksRejected != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestPool_BurstWorkerRetiresWhenIdle(t *testing.T) {
	release := make(chan struct{})
	p, _ := New(Config{Workers: 1, MaxWorkers: 2, QueueSize: 1, KeepAlive: 20 * time.Millisecond}, func(ctx context.Context, n int) error {
		if n == 0 {
			<-release
		}
		return nil
	}, nil)
	p.Start()
	defer p.Stop()

	if err := p.Submit(0); err != nil {
		t.Fatalf("Submit(0): %v", err)
	}
	waitFor(t, func() bool { return p.Stats().ActiveWorkers == 1 })

	if err := p.Submit(2); err != nil {
		t.Fatalf("Submit(2): %v", err)
	}
	if err := p.Submit(1); err != nil {
		t.Fatalf("Submit(1): %v", err)
	}

	// The burst worker runs item 1, takes item 2 from the queue, then retires.
	waitFor(t, func() bool { return p.Stats().TasksCompleted == 2 })
	waitFor(t, func() bool { return p.Stats().Workers == 1 })

	close(release)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, n int) error { return nil }, nil)
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Submit(1); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op: %v", err)
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	p, _ := New(Config{Workers: 1, QueueSize: 2}, func(ctx context.Context, n int) error {
		if n == 0 {
			panic("boom")
		}
		return nil
	}, nil)
	p.Start()

	_ = p.Submit(0)
	_ = p.Submit(1)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if s := p.Stats(); s.TasksFailed != 1 || s.TasksCompleted != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestPool_DrainTimeoutCancelsAndDrops(t *testing.T) {
	var cancelled int64
	p, _ := New(Config{Workers: 1, QueueSize: 5, DrainTimeout: 30 * time.Millisecond}, func(ctx context.Context, n int) error {
		<-ctx.Done()
		atomic.AddInt64(&cancelled, 1)
		return ctx.Err()
	}, nil)
	p.Start()

	for i := 0; i < 3; i++ {
		if err := p.Submit(i); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	if err := p.Stop(); err == nil {
		t.Fatal("expected drain timeout error")
	}
	if got := atomic.LoadInt64(&cancelled); got != 1 {
		t.Errorf("expected the running item to observe cancellation, got %d", got)
	}
	if s := p.Stats(); s.TasksDropped != 2 {
		t.Errorf("dropped = %d, want 2", s.TasksDropped)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
