package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ctrls/intake/internal/domain/submission"
)

func seed(t *testing.T) (*Memory, submission.Template) {
	t.Helper()

	m := NewMemory()
	m.PutTenant(submission.Tenant{ID: "clinic-a", Name: "Clínica A", Credential: submission.NewCredential("tok")})
	m.PutTenant(submission.Tenant{ID: "clinic-b", Name: "Clínica B"})

	tmpl := submission.Template{
		ID:       "tmpl-a",
		PublicID: uuid.New(),
		Title:    "Anamnese geral",
		Active:   true,
		Tenant:   submission.Tenant{ID: "clinic-a"},
	}
	m.PutTemplate(tmpl)
	m.PutTemplate(submission.Template{ID: "tmpl-b", PublicID: uuid.New(), Title: "Outro", Tenant: submission.Tenant{ID: "clinic-b"}})
	return m, tmpl
}

func create(t *testing.T, m *Memory, templateID, name string, at time.Time) *submission.Submission {
	t.Helper()
	s := submission.New(templateID, submission.Patient{Name: name, Identifier: "11122233344"}, json.RawMessage(`{"q":"a"}`), at)
	if _, err := m.Create(context.Background(), s); err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func TestMemory_FindTemplateResolvesTenant(t *testing.T) {
	m, tmpl := seed(t)

	got, err := m.FindTemplate(context.Background(), tmpl.PublicID)
	if err != nil {
		t.Fatalf("FindTemplate: %v", err)
	}
	if got.Tenant.Name != "Clínica A" || got.Tenant.Credential.Reveal() != "tok" {
		t.Errorf("tenant not resolved: %+v", got.Tenant)
	}

	if _, err := m.FindTemplate(context.Background(), uuid.New()); !errors.Is(err, submission.ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestMemory_StatusLifecycle(t *testing.T) {
	ctx := context.Background()
	m, tmpl := seed(t)
	s := create(t, m, tmpl.ID, "Maria", time.Now())

	ext := "981"
	if err := m.SetStatus(ctx, s.ID, submission.StatusPending, submission.Patch{ExternalPatientID: &ext}); err != nil {
		t.Fatalf("link patient: %v", err)
	}
	receipt := "r-77"
	if err := m.SetStatus(ctx, s.ID, submission.StatusProcessed, submission.Patch{ArchiveReceiptID: &receipt}); err != nil {
		t.Fatalf("processed: %v", err)
	}

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != submission.StatusProcessed || got.ExternalPatientID != "981" || got.ArchiveReceiptID != "r-77" {
		t.Fatalf("unexpected submission: %+v", got)
	}

	// Repeating the terminal status is accepted and changes nothing.
	other := "r-other"
	if err := m.SetStatus(ctx, s.ID, submission.StatusProcessed, submission.Patch{ArchiveReceiptID: &other}); err != nil {
		t.Fatalf("repeat terminal write: %v", err)
	}
	got, _ = m.Get(ctx, s.ID)
	if got.ArchiveReceiptID != "r-77" {
		t.Errorf("terminal submission mutated: receipt=%s", got.ArchiveReceiptID)
	}

	reason := "late failure"
	err = m.SetStatus(ctx, s.ID, submission.StatusError, submission.Patch{FailureReason: &reason})
	if !errors.Is(err, submission.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	events := m.Events(s.ID)
	want := []submission.EventType{submission.EventReceived, submission.EventPatientLinked, submission.EventProcessed}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Type != want[i] {
			t.Errorf("event %d: got %s, want %s", i, e.Type, want[i])
		}
	}
}

func TestMemory_SetStatusUnknown(t *testing.T) {
	m, _ := seed(t)
	err := m.SetStatus(context.Background(), "missing", submission.StatusError, submission.Patch{})
	if !errors.Is(err, submission.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
}

func TestMemory_Load(t *testing.T) {
	m, tmpl := seed(t)
	s := create(t, m, tmpl.ID, "Ana", time.Now())

	l, err := m.Load(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.Tenant().ID != "clinic-a" || l.Template.Title != "Anamnese geral" {
		t.Errorf("unexpected closure: %+v", l.Template)
	}
}

func TestMemory_ListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	m, tmpl := seed(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		create(t, m, tmpl.ID, fmt.Sprintf("Paciente %d", i), base.Add(time.Duration(i)*time.Minute))
	}
	joao := create(t, m, tmpl.ID, "João Silva", base.Add(time.Hour))
	create(t, m, "tmpl-b", "João Silva", base.Add(2*time.Hour))

	if err := m.SetStatus(ctx, joao.ID, submission.StatusError, submission.Patch{}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	page, err := m.List(ctx, "clinic-a", Filter{Size: 4})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalElements != 6 || page.TotalPages != 2 || len(page.Content) != 4 {
		t.Fatalf("unexpected page: total=%d pages=%d len=%d", page.TotalElements, page.TotalPages, len(page.Content))
	}
	if page.Content[0].ID != joao.ID {
		t.Errorf("expected newest first, got %s", page.Content[0].PatientName)
	}

	second, _ := m.List(ctx, "clinic-a", Filter{Page: 1, Size: 4})
	if len(second.Content) != 2 {
		t.Errorf("expected 2 rows on second page, got %d", len(second.Content))
	}

	status := submission.StatusError
	byStatus, _ := m.List(ctx, "clinic-a", Filter{Status: &status})
	if byStatus.TotalElements != 1 || byStatus.Content[0].FormTitle != "Anamnese geral" {
		t.Errorf("status filter: %+v", byStatus)
	}

	byName, _ := m.List(ctx, "clinic-a", Filter{PatientName: "joão"})
	if byName.TotalElements != 1 {
		t.Errorf("name filter should be case-insensitive and tenant-scoped, got %d", byName.TotalElements)
	}

	empty, _ := m.List(ctx, "clinic-z", Filter{})
	if empty.TotalElements != 0 || empty.Content == nil {
		t.Errorf("unknown tenant should yield an empty page, got %+v", empty)
	}
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{Page: -3, Size: 500}.Normalize()
	if f.Page != 0 || f.Size != MaxPageSize {
		t.Errorf("got %+v", f)
	}
	if f := (Filter{}).Normalize(); f.Size != DefaultPageSize {
		t.Errorf("default size = %d", f.Size)
	}
	if f := (Filter{Page: math.MaxInt, Size: 2}).Normalize(); f.Page*f.Size < 0 || f.Page != MaxPage(2) {
		t.Errorf("page not clamped: %+v", f)
	}
}

func TestMemory_ListPageBeyondEnd(t *testing.T) {
	m, tmpl := seed(t)
	create(t, m, tmpl.ID, "Paciente", time.Now())

	page, err := m.List(context.Background(), "clinic-a", Filter{Page: math.MaxInt, Size: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalElements != 1 || len(page.Content) != 0 {
		t.Errorf("unexpected page: %+v", page)
	}
}
