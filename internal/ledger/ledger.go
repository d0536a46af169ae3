// Package ledger persists submissions and their status, the only externally
// observable record of processing progress.
package ledger

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ctrls/intake/internal/domain/submission"
)

// Ledger is the status ledger contract shared by the Postgres and in-memory
// stores.
type Ledger interface {
	// FindTemplate resolves a template and its tenant by public id.
	FindTemplate(ctx context.Context, publicID uuid.UUID) (*submission.Template, error)
	// Create persists a new submission and records its received event.
	Create(ctx context.Context, s *submission.Submission) (string, error)
	Get(ctx context.Context, id string) (*submission.Submission, error)
	// Load fetches a submission with its template and tenant in one read.
	Load(ctx context.Context, id string) (*submission.Loaded, error)
	// SetStatus applies a status write. Repeating a terminal status is a no-op;
	// leaving a terminal status fails with submission.ErrIllegalTransition.
	SetStatus(ctx context.Context, id string, status submission.Status, patch submission.Patch) error
	List(ctx context.Context, tenantID string, filter Filter) (*Page, error)
}

// Filter narrows the dashboard listing
type Filter struct {
	Status      *submission.Status
	PatientName string
	Page        int
	Size        int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxOffset bounds Page*Size so the row offset cannot overflow
	MaxOffset = math.MaxInt32
)

// MaxPage is the last addressable page for the given page size
func MaxPage(size int) int {
	return MaxOffset / size
}

// Normalize clamps paging values
func (f Filter) Normalize() Filter {
	if f.Page < 0 {
		f.Page = 0
	}
	if f.Size <= 0 {
		f.Size = DefaultPageSize
	}
	if f.Size > MaxPageSize {
		f.Size = MaxPageSize
	}
	if f.Page > MaxPage(f.Size) {
		f.Page = MaxPage(f.Size)
	}
	return f
}

// Summary is one dashboard row
type Summary struct {
	ID                string            `json:"id"`
	PatientName       string            `json:"patientName"`
	PatientIdentifier string            `json:"patientIdentifier"`
	Status            submission.Status `json:"status"`
	FormTitle         string            `json:"formTitle"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// Page is a paginated listing, newest first
type Page struct {
	Content       []Summary `json:"content"`
	Page          int       `json:"page"`
	Size          int       `json:"size"`
	TotalElements int64     `json:"totalElements"`
	TotalPages    int       `json:"totalPages"`
}

func newPage(content []Summary, f Filter, total int64) *Page {
	if content == nil {
		content = []Summary{}
	}
	pages := int((total + int64(f.Size) - 1) / int64(f.Size))
	return &Page{
		Content:       content,
		Page:          f.Page,
		Size:          f.Size,
		TotalElements: total,
		TotalPages:    pages,
	}
}
