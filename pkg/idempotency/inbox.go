// Package idempotency guards a unit of work so that at most one worker runs it
// to completion. Keys are claimed in an inbox table; a finished key is never run
// again and a claim abandoned by a crashed worker becomes recoverable.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is the default time-to-live for inbox entries
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// ErrDuplicateMessage indicates the key was already processed
var ErrDuplicateMessage = errors.New("duplicate message: already processed")

// ErrMessageInProgress indicates another worker holds the key
var ErrMessageInProgress = errors.New("message in progress by another handler")

// ProcessFunc is the guarded unit of work
type ProcessFunc func(ctx context.Context) error

// Guard runs a ProcessFunc at most once per key
type Guard interface {
	Process(ctx context.Context, key, handlerName string, fn ProcessFunc) error
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks a handler error as final. The key is recorded FAILED and is
// not run again; any other handler error leaves the key RECOVERABLE.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Inbox is the PostgreSQL-backed Guard
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process claims key and runs fn. It returns ErrDuplicateMessage when the key
// already finished or failed, and ErrMessageInProgress when a fresh claim is
// held elsewhere.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, fn ProcessFunc) error {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	if err := i.claim(ctx, key, handlerName); err != nil {
		span.SetAttributes(attribute.Bool("claimed", false))
		return err
	}

	handlerErr := fn(ctx)

	// The outcome must be recorded even when ctx was cancelled mid-run.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if handlerErr != nil {
		status := StatusRecoverable
		if IsTerminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.markStatus(recordCtx, key, status, handlerErr.Error()); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return handlerErr
	}

	if err := i.markStatus(recordCtx, key, StatusFinished, ""); err != nil {
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// claim inserts a STARTED entry, or takes over a RECOVERABLE or stale STARTED
// one. Any other existing entry blocks the claim.
func (i *Inbox) claim(ctx context.Context, key, handlerName string) error {
	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, 'STARTED', $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - $4::float8 * INTERVAL '1 second')
		RETURNING idempotency_key
	`

	expiresAt := time.Now().Add(i.config.DefaultTTL)
	var returned string
	err := i.pool.QueryRow(ctx, query, key, handlerName, expiresAt, i.config.RecoveryTimeout.Seconds()).Scan(&returned)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to claim %s: %w", key, err)
	}

	var status Status
	if err := i.pool.QueryRow(ctx, `SELECT status FROM inbox WHERE idempotency_key = $1`, key).Scan(&status); err != nil {
		return fmt.Errorf("failed to read claim %s: %w", key, err)
	}
	if status == StatusStarted {
		return ErrMessageInProgress
	}
	return ErrDuplicateMessage
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, errMsg string) error {
	var result json.RawMessage
	if errMsg != "" {
		result, _ = json.Marshal(map[string]string{"error": errMsg})
	}

	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
			if n, err := i.RecoverStaleEntries(i.ctx); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Warn("stale inbox claims recovered", zap.Int64("count", n))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `
		DELETE FROM inbox
		WHERE expires_at < NOW()
	`)
	if err != nil {
		return err
	}

	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}

// RecoverStaleEntries marks stale STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	query := `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::float8 * INTERVAL '1 second'
	`

	result, err := i.pool.Exec(ctx, query, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
