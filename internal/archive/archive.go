// Package archive renders a submission into a document and uploads it to the
// directory under the resolved patient.
package archive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/directory"
	"github.com/ctrls/intake/internal/domain/submission"
	"github.com/ctrls/intake/pkg/retry"
)

// Uploader is the directory upload call
type Uploader interface {
	UploadFile(ctx context.Context, cred submission.Credential, u directory.Upload) (string, error)
}

// Archiver renders and uploads submission documents
type Archiver struct {
	renderer Renderer
	uploader Uploader
	policy   retry.Policy
	now      func() time.Time
	logger   *zap.Logger
}

// New creates an archiver. A nil policy.Retryable retries only transient
// directory failures.
func New(renderer Renderer, uploader Uploader, policy retry.Policy, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Retryable == nil {
		policy.Retryable = directory.IsRetryable
	}
	return &Archiver{
		renderer: renderer,
		uploader: uploader,
		policy:   policy,
		now:      time.Now,
		logger:   logger,
	}
}

// Filename is the upload name for a document produced at t
func Filename(t time.Time) string {
	return fmt.Sprintf("anamnese-%d.pdf", t.UnixMilli())
}

// Archive renders l and uploads it for externalID, returning the receipt id.
// Rendering failures are terminal and wrap ErrRenderingFailed.
func (a *Archiver) Archive(ctx context.Context, cred submission.Credential, externalID string, l *submission.Loaded) (string, error) {
	doc, err := a.renderer.Render(l)
	if err != nil {
		return "", err
	}

	upload := directory.Upload{
		PatientID: externalID,
		Filename:  Filename(a.now()),
		Content:   doc,
	}

	receipt, err := retry.Do(ctx, a.policy, func(ctx context.Context) (string, error) {
		return a.uploader.UploadFile(ctx, cred, upload)
	})
	if err != nil {
		return "", fmt.Errorf("upload document: %w", err)
	}

	a.logger.Info("document archived",
		zap.String("submission_id", l.Submission.ID),
		zap.String("filename", upload.Filename),
		zap.Int("bytes", len(doc)),
		zap.String("receipt_id", receipt))
	return receipt, nil
}
