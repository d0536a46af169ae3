// Package workerpool provides a bounded worker pool with a core set of
// long-lived workers, burst workers that retire when idle, and a bounded queue
// that rejects work instead of blocking the submitter.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueSaturated is returned when the queue is full and no burst worker
	// can be started
	ErrQueueSaturated = errors.New("worker pool saturated")
	// ErrPoolStopped is returned by Submit after Stop
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Handler processes one item. The context is cancelled when the pool gives up
// draining at shutdown.
type Handler[T any] func(ctx context.Context, item T) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of core workers kept alive for the pool's lifetime
	Workers int
	// MaxWorkers caps core plus burst workers
	MaxWorkers int
	// QueueSize is the number of items that may wait for a worker
	QueueSize int
	// KeepAlive is how long a burst worker waits idle before exiting
	KeepAlive time.Duration
	// DrainTimeout bounds how long Stop waits for queued and running work
	DrainTimeout time.Duration
}

// DefaultConfig returns the default pool sizing
func DefaultConfig() Config {
	return Config{
		Workers:      5,
		MaxWorkers:   10,
		QueueSize:    100,
		KeepAlive:    60 * time.Second,
		DrainTimeout: 60 * time.Second,
	}
}

// Pool runs a Handler over submitted items
type Pool[T any] struct {
	config  Config
	handler Handler[T]
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
	queue   chan T
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	workers        int64
	activeWorkers  int64
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRejected  int64
	tasksDropped   int64
}

// New creates a new worker pool
func New[T any](cfg Config, fn Handler[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxWorkers < cfg.Workers {
		cfg.MaxWorkers = cfg.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool[T]{
		config:  cfg,
		handler: fn,
		logger:  logger,
		queue:   make(chan T, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the core workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		atomic.AddInt64(&p.workers, 1)
		p.wg.Add(1)
		go p.coreWorker()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("max_workers", p.config.MaxWorkers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues item without blocking. When the queue is full a burst
// worker is started for it if the pool is below MaxWorkers; otherwise
// ErrQueueSaturated is returned.
func (p *Pool[T]) Submit(item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- item:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		return nil
	default:
	}

	for {
		n := atomic.LoadInt64(&p.workers)
		if n >= int64(p.config.MaxWorkers) {
			atomic.AddInt64(&p.tasksRejected, 1)
			return ErrQueueSaturated
		}
		if atomic.CompareAndSwapInt64(&p.workers, n, n+1) {
			break
		}
	}

	atomic.AddInt64(&p.tasksSubmitted, 1)
	p.wg.Add(1)
	go p.burstWorker(item)
	p.logger.Debug("burst worker started", zap.Int64("workers", atomic.LoadInt64(&p.workers)))
	return nil
}

// Stop rejects new work and waits up to DrainTimeout for queued and running
// items. On timeout the handler context is cancelled and items still queued
// are dropped.
func (p *Pool[T]) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool", zap.Int("queued", len(p.queue)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.config.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-timer.C:
	}

	p.cancel()
	<-done

	dropped := atomic.LoadInt64(&p.tasksDropped)
	p.logger.Warn("worker pool drain timed out",
		zap.Duration("timeout", p.config.DrainTimeout),
		zap.Int64("dropped", dropped))
	return fmt.Errorf("drain timed out after %s, %d items dropped", p.config.DrainTimeout, dropped)
}

func (p *Pool[T]) coreWorker() {
	defer p.wg.Done()
	defer atomic.AddInt64(&p.workers, -1)

	for item := range p.queue {
		p.run(item)
	}
}

func (p *Pool[T]) burstWorker(first T) {
	defer p.wg.Done()
	defer atomic.AddInt64(&p.workers, -1)

	p.run(first)

	idle := time.NewTimer(p.config.KeepAlive)
	defer idle.Stop()

	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(item)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.config.KeepAlive)
		case <-idle.C:
			p.logger.Debug("burst worker retired")
			return
		}
	}
}

func (p *Pool[T]) run(item T) {
	if p.ctx.Err() != nil {
		atomic.AddInt64(&p.tasksDropped, 1)
		return
	}

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Error("task panicked", zap.Any("panic", r))
		}
	}()

	if err := p.handler(p.ctx, item); err != nil {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed", zap.Any("item", item), zap.Error(err))
		return
	}
	atomic.AddInt64(&p.tasksCompleted, 1)
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRejected  int64
	TasksDropped   int64
	ActiveWorkers  int64
	Workers        int64
	QueueDepth     int
	QueueCapacity  int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRejected:  atomic.LoadInt64(&p.tasksRejected),
		TasksDropped:   atomic.LoadInt64(&p.tasksDropped),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		Workers:        atomic.LoadInt64(&p.workers),
		QueueDepth:     len(p.queue),
		QueueCapacity:  p.config.QueueSize,
	}
}

// IsHealthy returns true if the queue isn't backing up significantly
func (p *Pool[T]) IsHealthy() bool {
	stats := p.Stats()
	if stats.QueueCapacity == 0 {
		return stats.Workers < int64(p.config.MaxWorkers)
	}
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
