package processing

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/directory"
	"github.com/ctrls/intake/internal/observability/metrics"
	"github.com/ctrls/intake/pkg/retry"
	"github.com/ctrls/intake/pkg/workerpool"
)

// Queue feeds submission ids to a worker pool running the processor. It is
// the admission Dispatcher.
type Queue struct {
	pool *workerpool.Pool[string]
}

// NewQueue creates a queue. Start must be called before Dispatch.
func NewQueue(cfg workerpool.Config, p *Processor, m *metrics.Metrics, logger *zap.Logger) (*Queue, error) {
	pool, err := workerpool.New(cfg, p.Process, logger)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.RegisterQueue(
			func() float64 { return float64(pool.Stats().QueueDepth) },
			func() float64 { return float64(pool.Stats().Workers) },
		)
	}
	return &Queue{pool: pool}, nil
}

// Start launches the core workers
func (q *Queue) Start() { q.pool.Start() }

// Dispatch queues a task without blocking
func (q *Queue) Dispatch(submissionID string) error {
	return q.pool.Submit(submissionID)
}

// Stop stops intake and drains within the configured timeout
func (q *Queue) Stop() error { return q.pool.Stop() }

// Stats returns pool statistics
func (q *Queue) Stats() workerpool.Stats { return q.pool.Stats() }

// IsHealthy reports whether the queue has headroom
func (q *Queue) IsHealthy() bool { return q.pool.IsHealthy() }

// ObservedPolicy adds retry logging and the directory retry counter to p
func ObservedPolicy(p retry.Policy, m *metrics.Metrics, logger *zap.Logger) retry.Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		op := "unknown"
		var derr *directory.Error
		if errors.As(err, &derr) {
			op = derr.Op
		}
		if m != nil {
			m.DirectoryRetries.WithLabelValues(op).Inc()
		}
		logger.Warn("directory call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return p
}
