// Package admission is the synchronous intake path: it validates a submission
// against its form template, persists it as PENDING and hands its id to the
// processing queue. It never calls the directory or renders documents.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/domain/submission"
	"github.com/ctrls/intake/internal/ledger"
	"github.com/ctrls/intake/internal/observability/metrics"
	"github.com/ctrls/intake/pkg/workerpool"
)

// Dispatcher queues a processing task for a submission id
type Dispatcher interface {
	Dispatch(submissionID string) error
}

// Request is an incoming form submission
type Request struct {
	Patient submission.Patient `json:"patient"`
	Answers json.RawMessage    `json:"answers"`
}

// Receipt acknowledges an admitted submission
type Receipt struct {
	SubmissionID string            `json:"submissionId"`
	Status       submission.Status `json:"status"`
}

// Service admits submissions
type Service struct {
	ledger     ledger.Ledger
	dispatcher Dispatcher
	validator  *submission.AnswerValidator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// New creates the admission service
func New(l ledger.Ledger, d Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Service{
		ledger:     l,
		dispatcher: d,
		validator:  submission.NewAnswerValidator(),
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Submit validates and persists a submission for the template with the given
// public id. It returns a *submission.ValidationError, ErrTemplateNotFound or
// ErrTemplateInactive for client errors. A failure to queue the task is
// logged and counted but does not fail the call.
func (s *Service) Submit(ctx context.Context, publicID string, req Request) (*Receipt, error) {
	if err := submission.ValidatePatient(req.Patient); err != nil {
		return nil, err
	}
	if err := submission.ValidateAnswers(req.Answers); err != nil {
		return nil, err
	}

	pid, err := uuid.Parse(publicID)
	if err != nil {
		return nil, submission.ErrTemplateNotFound
	}

	tmpl, err := s.ledger.FindTemplate(ctx, pid)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsActive() {
		return nil, submission.ErrTemplateInactive
	}

	if err := s.validator.Validate(tmpl, req.Answers); err != nil {
		var verr *submission.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		// schema compile failure: accept unchecked
		s.logger.Error("template answer schema unusable, accepting answers unchecked",
			zap.String("template_id", tmpl.ID),
			zap.Error(err))
	}

	sub := submission.New(tmpl.ID, req.Patient, req.Answers, s.now())
	id, err := s.ledger.Create(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("persist submission: %w", err)
	}
	s.metrics.SubmissionsAdmitted.Inc()

	if err := s.dispatcher.Dispatch(id); err != nil {
		reason := "error"
		switch {
		case errors.Is(err, workerpool.ErrQueueSaturated):
			reason = "saturated"
		case errors.Is(err, workerpool.ErrPoolStopped):
			reason = "stopped"
		}
		s.metrics.DispatchRejected.WithLabelValues(reason).Inc()
		s.logger.Error("processing task not queued, submission left PENDING",
			zap.Bool("alert", true),
			zap.String("submission_id", id),
			zap.String("reason", reason),
			zap.Error(err))
	}

	s.logger.Info("submission admitted",
		zap.String("submission_id", id),
		zap.String("template_id", tmpl.ID),
		zap.String("clinic_id", tmpl.Tenant.ID))

	return &Receipt{SubmissionID: id, Status: submission.StatusPending}, nil
}

// Template returns the public view of a template
func (s *Service) Template(ctx context.Context, publicID string) (*submission.Template, error) {
	pid, err := uuid.Parse(publicID)
	if err != nil {
		return nil, submission.ErrTemplateNotFound
	}
	return s.ledger.FindTemplate(ctx, pid)
}
