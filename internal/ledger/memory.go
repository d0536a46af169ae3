package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctrls/intake/internal/domain/submission"
)

// Memory is an in-process ledger. It keeps the lifecycle events the Postgres
// ledger would write to the outbox so callers can inspect them.
type Memory struct {
	mu          sync.RWMutex
	tenants     map[string]submission.Tenant
	templates   map[string]submission.Template
	submissions map[string]submission.Submission
	events      []submission.Event
	now         func() time.Time
}

// NewMemory creates an empty in-memory ledger
func NewMemory() *Memory {
	return &Memory{
		tenants:     make(map[string]submission.Tenant),
		templates:   make(map[string]submission.Template),
		submissions: make(map[string]submission.Submission),
		now:         time.Now,
	}
}

// PutTenant stores or replaces a tenant
func (m *Memory) PutTenant(t submission.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

// PutTemplate stores or replaces a template. The embedded tenant is ignored;
// the tenant is resolved from the tenant table on read.
func (m *Memory) PutTemplate(t submission.Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

// FindTemplate resolves a template by public id
func (m *Memory) FindTemplate(ctx context.Context, publicID uuid.UUID) (*submission.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.templates {
		if t.PublicID == publicID {
			resolved := m.resolveTemplate(t)
			return &resolved, nil
		}
	}
	return nil, submission.ErrTemplateNotFound
}

func (m *Memory) resolveTemplate(t submission.Template) submission.Template {
	if tenant, ok := m.tenants[t.Tenant.ID]; ok {
		t.Tenant = tenant
	}
	return t
}

// Create persists a new submission
func (m *Memory) Create(ctx context.Context, s *submission.Submission) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[s.TemplateID]
	if !ok {
		return "", submission.ErrTemplateNotFound
	}

	m.submissions[s.ID] = *s
	m.record(s.ID, submission.EventReceived, submission.ReceivedData{
		SubmissionID: s.ID,
		TenantID:     t.Tenant.ID,
		TemplateID:   s.TemplateID,
		Status:       s.Status,
	})
	return s.ID, nil
}

// Get returns a submission by id
func (m *Memory) Get(ctx context.Context, id string) (*submission.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.submissions[id]
	if !ok {
		return nil, submission.ErrSubmissionNotFound
	}
	return &s, nil
}

// Load returns a submission with its template closure
func (m *Memory) Load(ctx context.Context, id string) (*submission.Loaded, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.submissions[id]
	if !ok {
		return nil, submission.ErrSubmissionNotFound
	}
	t, ok := m.templates[s.TemplateID]
	if !ok {
		return nil, submission.ErrTemplateNotFound
	}
	return &submission.Loaded{Submission: s, Template: m.resolveTemplate(t)}, nil
}

// SetStatus applies a status write
func (m *Memory) SetStatus(ctx context.Context, id string, status submission.Status, patch submission.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[id]
	if !ok {
		return submission.ErrSubmissionNotFound
	}

	noop, err := submission.CheckTransition(s.Status, status)
	if err != nil {
		return err
	}
	if noop {
		return nil
	}

	s.Status = status
	patch.Apply(&s)
	s.UpdatedAt = m.now().UTC()
	m.submissions[id] = s

	if eventType := submission.EventForStatus(status, patch); eventType != "" {
		m.record(id, eventType, submission.StatusChangedData{
			SubmissionID:      id,
			Status:            status,
			ExternalPatientID: s.ExternalPatientID,
			ArchiveReceiptID:  s.ArchiveReceiptID,
		})
	}
	return nil
}

// List returns a tenant's submissions, newest first
func (m *Memory) List(ctx context.Context, tenantID string, filter Filter) (*Page, error) {
	filter = filter.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	name := strings.ToLower(strings.TrimSpace(filter.PatientName))
	var matched []submission.Submission
	for _, s := range m.submissions {
		t, ok := m.templates[s.TemplateID]
		if !ok || t.Tenant.ID != tenantID {
			continue
		}
		if filter.Status != nil && s.Status != *filter.Status {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(s.Patient.Name), name) {
			continue
		}
		matched = append(matched, s)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	start := filter.Page * filter.Size
	var content []Summary
	for i := start; i < len(matched) && i < start+filter.Size; i++ {
		s := matched[i]
		content = append(content, Summary{
			ID:                s.ID,
			PatientName:       s.Patient.Name,
			PatientIdentifier: s.Patient.Identifier,
			Status:            s.Status,
			FormTitle:         m.templates[s.TemplateID].Title,
			CreatedAt:         s.CreatedAt,
		})
	}
	return newPage(content, filter, int64(len(matched))), nil
}

// Events returns the lifecycle events recorded for a submission, oldest first.
func (m *Memory) Events(id string) []submission.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []submission.Event
	for _, e := range m.events {
		if e.SubmissionID == id {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) record(id string, eventType submission.EventType, data interface{}) {
	event, err := submission.NewEvent(id, eventType, data)
	if err != nil {
		return
	}
	m.events = append(m.events, *event)
}
