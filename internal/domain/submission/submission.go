// Package submission holds the intake domain: submissions, form templates,
// the owning clinic and the status state machine.
package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents submission processing status
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusError     Status = "ERROR"
)

// ParseStatus parses a status filter value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessed, StatusError:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsTerminal reports whether no further automatic transition exists.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusError
}

// ErrIllegalTransition is returned when a write would move a submission out of
// a terminal status.
var ErrIllegalTransition = errors.New("illegal status transition")

// CheckTransition decides whether moving from -> to is allowed. A repeated
// terminal status reports noop=true.
func CheckTransition(from, to Status) (noop bool, err error) {
	if from.IsTerminal() {
		if from == to {
			return true, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return false, nil
}

var (
	ErrTemplateNotFound   = errors.New("form template not found")
	ErrTemplateInactive   = errors.New("form template is not accepting submissions")
	ErrSubmissionNotFound = errors.New("submission not found")
)

// Credential is a tenant's directory access token. Its printed and encoded
// forms are redacted; Reveal is the only way to read it.
type Credential struct {
	token string
}

// NewCredential wraps a raw token.
func NewCredential(token string) Credential { return Credential{token: token} }

// Reveal returns the raw token for use in an outbound request header.
func (c Credential) Reveal() string { return c.token }

// IsZero reports whether no token is configured.
func (c Credential) IsZero() bool { return c.token == "" }

func (c Credential) String() string   { return "[REDACTED]" }
func (c Credential) GoString() string { return "[REDACTED]" }

func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// Branding is the clinic's public presentation
type Branding struct {
	LogoURL      string `json:"logoUrl,omitempty"`
	PrimaryColor string `json:"primaryColor,omitempty"`
	Address      string `json:"address,omitempty"`
}

// Tenant is the clinic owning templates and submissions
type Tenant struct {
	ID         string
	Name       string
	Branding   Branding
	Credential Credential
}

// Template is a published form definition together with its tenant.
type Template struct {
	ID           string
	PublicID     uuid.UUID
	Title        string
	Description  string
	Schema       json.RawMessage
	AnswerSchema json.RawMessage
	Active       bool
	Tenant       Tenant
}

// IsActive reports whether the template accepts submissions
func (t *Template) IsActive() bool { return t.Active }

// Patient identifies the person a submission belongs to
type Patient struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Sex        string `json:"sex,omitempty"`
	BirthDate  string `json:"birthDate,omitempty"`
}

// Submission is one filled-in form instance
type Submission struct {
	ID                string
	TemplateID        string
	Patient           Patient
	Answers           json.RawMessage
	Status            Status
	ExternalPatientID string
	ArchiveReceiptID  string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// New builds a PENDING submission for a template.
func New(templateID string, patient Patient, answers json.RawMessage, now time.Time) *Submission {
	return &Submission{
		ID:         uuid.New().String(),
		TemplateID: templateID,
		Patient:    patient,
		Answers:    answers,
		Status:     StatusPending,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
}

// Loaded is a submission with its template and tenant resolved in one fetch.
type Loaded struct {
	Submission Submission
	Template   Template
}

// Tenant returns the owning clinic
func (l *Loaded) Tenant() Tenant { return l.Template.Tenant }

// Patch carries the mutable fields a status write may set. Nil fields are left
// untouched.
type Patch struct {
	ExternalPatientID *string
	ArchiveReceiptID  *string
	FailureReason     *string
}

// Apply copies the set fields onto s.
func (p Patch) Apply(s *Submission) {
	if p.ExternalPatientID != nil {
		s.ExternalPatientID = *p.ExternalPatientID
	}
	if p.ArchiveReceiptID != nil {
		s.ArchiveReceiptID = *p.ArchiveReceiptID
	}
	if p.FailureReason != nil {
		s.FailureReason = *p.FailureReason
	}
}

// IsEmpty reports whether the patch sets nothing
func (p Patch) IsEmpty() bool {
	return p.ExternalPatientID == nil && p.ArchiveReceiptID == nil && p.FailureReason == nil
}
