// Package reconcile resolves a submission's patient to a directory patient id,
// reusing an existing directory record or creating one.
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/directory"
	"github.com/ctrls/intake/internal/domain/submission"
	"github.com/ctrls/intake/pkg/retry"
)

// Demographic defaults sent when the submission omitted them
const (
	DefaultSex       = "Não informado"
	DefaultBirthDate = "01/01/1990"
)

// Directory is the subset of the directory client reconciliation needs
type Directory interface {
	SearchPatients(ctx context.Context, cred submission.Credential, identifier string) ([]directory.Record, error)
	CreatePatient(ctx context.Context, cred submission.Credential, p directory.NewPatient) (string, error)
}

// Resolution is the outcome of reconciling one patient
type Resolution struct {
	ExternalID string
	Created    bool
	Matches    int
}

// Reconciler resolves patients against the directory
type Reconciler struct {
	dir    Directory
	policy retry.Policy
	logger *zap.Logger
}

// New creates a reconciler. Each directory call is retried under policy;
// a nil policy.Retryable retries only transient directory failures.
func New(dir Directory, policy retry.Policy, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Retryable == nil {
		policy.Retryable = directory.IsRetryable
	}
	return &Reconciler{dir: dir, policy: policy, logger: logger}
}

// Resolve searches the directory by identifier and adopts the first match, or
// creates the patient when there is none.
func (r *Reconciler) Resolve(ctx context.Context, cred submission.Credential, p submission.Patient) (*Resolution, error) {
	records, err := retry.Do(ctx, r.policy, func(ctx context.Context) ([]directory.Record, error) {
		return r.dir.SearchPatients(ctx, cred, p.Identifier)
	})
	if err != nil {
		return nil, fmt.Errorf("search patient: %w", err)
	}

	if len(records) > 0 {
		if len(records) > 1 {
			r.logger.Warn("ambiguous directory search, using first match",
				zap.Int("matches", len(records)),
				zap.String("external_patient_id", records[0].ID))
		}
		return &Resolution{ExternalID: records[0].ID, Matches: len(records)}, nil
	}

	np := directory.NewPatient{
		Name:       p.Name,
		Identifier: p.Identifier,
		Sex:        p.Sex,
		BirthDate:  p.BirthDate,
	}
	if np.Sex == "" {
		np.Sex = DefaultSex
	}
	if np.BirthDate == "" {
		np.BirthDate = DefaultBirthDate
	}

	id, err := retry.Do(ctx, r.policy, func(ctx context.Context) (string, error) {
		return r.dir.CreatePatient(ctx, cred, np)
	})
	if err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}

	r.logger.Info("directory patient created", zap.String("external_patient_id", id))
	return &Resolution{ExternalID: id, Created: true}, nil
}
