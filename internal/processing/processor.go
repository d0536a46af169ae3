// Package processing runs the asynchronous half of intake: for each queued
// submission id it reconciles the patient with the directory, archives the
// rendered document and commits the terminal status.
package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/directory"
	"github.com/ctrls/intake/internal/domain/submission"
	"github.com/ctrls/intake/internal/ledger"
	"github.com/ctrls/intake/internal/observability/metrics"
	"github.com/ctrls/intake/internal/reconcile"
	"github.com/ctrls/intake/pkg/idempotency"
	"github.com/ctrls/intake/pkg/retry"
)

const handlerName = "submission-processor"

// Resolver maps a patient to a directory patient id
type Resolver interface {
	Resolve(ctx context.Context, cred submission.Credential, p submission.Patient) (*reconcile.Resolution, error)
}

// Archiver renders and uploads a submission's document
type Archiver interface {
	Archive(ctx context.Context, cred submission.Credential, externalID string, l *submission.Loaded) (string, error)
}

// Processor executes one processing task
type Processor struct {
	ledger       ledger.Ledger
	guard        idempotency.Guard
	resolver     Resolver
	archiver     Archiver
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
	writeTimeout time.Duration
}

// NewProcessor wires a processor
func NewProcessor(l ledger.Ledger, guard idempotency.Guard, resolver Resolver, archiver Archiver, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Processor{
		ledger:       l,
		guard:        guard,
		resolver:     resolver,
		archiver:     archiver,
		metrics:      m,
		logger:       logger,
		tracer:       otel.Tracer("processing"),
		writeTimeout: 10 * time.Second,
	}
}

// ClaimKey is the inbox key guarding a submission
func ClaimKey(submissionID string) string {
	return "submission:" + submissionID
}

// Process runs the task for submissionID. Unknown and already terminal
// submissions are dropped with a log line. It returns an error only when the
// submission was left PENDING or its outcome could not be recorded.
func (p *Processor) Process(ctx context.Context, submissionID string) error {
	ctx, span := p.tracer.Start(ctx, "process_submission",
		trace.WithAttributes(attribute.String("submission_id", submissionID)))
	defer span.End()

	log := p.logger.With(zap.String("submission_id", submissionID))

	l, err := p.ledger.Load(ctx, submissionID)
	if errors.Is(err, submission.ErrSubmissionNotFound) {
		log.Warn("task references unknown submission, dropped")
		return nil
	}
	if err != nil {
		log.Error("failed to load submission, left PENDING", zap.Error(err))
		span.RecordError(err)
		return fmt.Errorf("load submission: %w", err)
	}
	if l.Submission.Status.IsTerminal() {
		log.Info("submission already terminal, task dropped", zap.String("status", string(l.Submission.Status)))
		return nil
	}

	err = p.guard.Process(ctx, ClaimKey(submissionID), handlerName, func(ctx context.Context) error {
		return p.run(ctx, l, log)
	})
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrMessageInProgress):
		log.Info("submission claimed elsewhere, task dropped", zap.Error(err))
		return nil
	case idempotency.IsTerminal(err):
		// ERROR has been committed
		return nil
	case err != nil:
		log.Error("processing task failed, submission left PENDING",
			zap.Bool("alert", true),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *Processor) run(ctx context.Context, l *submission.Loaded, log *zap.Logger) (err error) {
	start := time.Now()
	p.metrics.ActiveTasks.Inc()
	defer p.metrics.ActiveTasks.Dec()

	defer func() {
		if r := recover(); r != nil {
			err = p.fail(ctx, l, "panic", fmt.Errorf("panic: %v", r), log)
		}
	}()

	cred := l.Tenant().Credential
	id := l.Submission.ID

	externalID := l.Submission.ExternalPatientID
	if externalID == "" {
		res, err := p.resolver.Resolve(ctx, cred, l.Submission.Patient)
		if err != nil {
			return p.fail(ctx, l, "reconcile", err, log)
		}
		externalID = res.ExternalID

		if err := p.ledger.SetStatus(ctx, id, submission.StatusPending, submission.Patch{ExternalPatientID: &externalID}); err != nil {
			return p.fail(ctx, l, "ledger", fmt.Errorf("record external patient id: %w", err), log)
		}
		log.Info("patient linked",
			zap.String("external_patient_id", externalID),
			zap.Bool("created", res.Created))
	}

	receipt, err := p.archiver.Archive(ctx, cred, externalID, l)
	if err != nil {
		return p.fail(ctx, l, "archive", err, log)
	}

	writeCtx, cancel := p.detached(ctx)
	defer cancel()
	if err := p.ledger.SetStatus(writeCtx, id, submission.StatusProcessed, submission.Patch{ArchiveReceiptID: &receipt}); err != nil {
		// The document is already archived; a rerun would upload it again.
		log.Error("archived submission could not be marked PROCESSED",
			zap.Bool("alert", true),
			zap.String("receipt_id", receipt),
			zap.Error(err))
		return idempotency.Terminal(err)
	}

	p.metrics.SubmissionsProcessed.Inc()
	p.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	log.Info("submission processed",
		zap.String("external_patient_id", externalID),
		zap.String("receipt_id", receipt),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// fail commits ERROR for the submission. When ctx was cancelled (shutdown)
// the submission is left PENDING instead and the claim stays recoverable.
func (p *Processor) fail(ctx context.Context, l *submission.Loaded, stage string, cause error, log *zap.Logger) error {
	if ctx.Err() != nil {
		log.Warn("processing aborted, submission left PENDING",
			zap.String("stage", stage),
			zap.Error(cause))
		return cause
	}

	fields := []zap.Field{zap.String("stage", stage), zap.Error(cause)}
	var derr *directory.Error
	if errors.As(cause, &derr) && derr.StatusCode != 0 {
		fields = append(fields, zap.Int("upstream_status", derr.StatusCode))
	}
	var exhausted *retry.ExhaustedError
	if errors.As(cause, &exhausted) {
		fields = append(fields, zap.Int("attempts", exhausted.Attempts))
	}

	reason := stage + ": " + cause.Error()
	writeCtx, cancel := p.detached(ctx)
	defer cancel()
	if err := p.ledger.SetStatus(writeCtx, l.Submission.ID, submission.StatusError, submission.Patch{FailureReason: &reason}); err != nil {
		log.Error("failed to record ERROR status", append(fields, zap.NamedError("write_error", err))...)
		return idempotency.Terminal(fmt.Errorf("record failure: %w", err))
	}

	p.metrics.SubmissionsFailed.WithLabelValues(stage).Inc()
	log.Error("submission failed", fields...)
	return idempotency.Terminal(cause)
}

// detached returns a context for status writes that survives cancellation of
// the task context
func (p *Processor) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.writeTimeout)
}
