package reconcile

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ctrls/intake/internal/directory"
	"github.com/ctrls/intake/internal/domain/submission"
	"github.com/ctrls/intake/pkg/retry"
)

type fakeDirectory struct {
	records    []directory.Record
	searchErrs []error
	createErrs []error
	searches   int
	created    []directory.NewPatient
	createdID  string
}

func (f *fakeDirectory) SearchPatients(ctx context.Context, cred submission.Credential, identifier string) ([]directory.Record, error) {
	f.searches++
	if len(f.searchErrs) > 0 {
		err := f.searchErrs[0]
		f.searchErrs = f.searchErrs[1:]
		return nil, err
	}
	return f.records, nil
}

func (f *fakeDirectory) CreatePatient(ctx context.Context, cred submission.Credential, p directory.NewPatient) (string, error) {
	f.created = append(f.created, p)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return "", err
	}
	return f.createdID, nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

var patient = submission.Patient{Name: "Maria", Identifier: "11122233344"}

func TestResolve_FirstMatchWins(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	dir := &fakeDirectory{records: []directory.Record{{ID: "10"}, {ID: "11"}}}
	r := New(dir, fastPolicy(), zap.New(core))

	res, err := r.Resolve(context.Background(), submission.NewCredential("tok"), patient)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ExternalID != "10" || res.Created || res.Matches != 2 {
		t.Errorf("unexpected resolution: %+v", res)
	}
	if len(dir.created) != 0 {
		t.Error("must not create when a match exists")
	}
	if logs.FilterMessage("ambiguous directory search, using first match").Len() != 1 {
		t.Error("expected ambiguity warning")
	}
}

func TestResolve_CreatesWithDefaults(t *testing.T) {
	dir := &fakeDirectory{createdID: "77"}
	r := New(dir, fastPolicy(), nil)

	res, err := r.Resolve(context.Background(), submission.NewCredential("tok"), patient)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ExternalID != "77" || !res.Created {
		t.Errorf("unexpected resolution: %+v", res)
	}
	if len(dir.created) != 1 {
		t.Fatalf("expected one create, got %d", len(dir.created))
	}
	got := dir.created[0]
	if got.Sex != DefaultSex || got.BirthDate != DefaultBirthDate || got.Name != "Maria" {
		t.Errorf("unexpected create payload: %+v", got)
	}
}

func TestResolve_KeepsProvidedDemographics(t *testing.T) {
	dir := &fakeDirectory{createdID: "78"}
	r := New(dir, fastPolicy(), nil)

	p := patient
	p.Sex = "F"
	p.BirthDate = "02/03/1980"
	if _, err := r.Resolve(context.Background(), submission.NewCredential("tok"), p); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dir.created[0].Sex != "F" || dir.created[0].BirthDate != "02/03/1980" {
		t.Errorf("demographics overwritten: %+v", dir.created[0])
	}
}

func TestResolve_RetriesTransientSearch(t *testing.T) {
	unavailable := &directory.Error{Op: "search", StatusCode: http.StatusServiceUnavailable, Retryable: true}
	dir := &fakeDirectory{
		searchErrs: []error{unavailable, unavailable},
		records:    []directory.Record{{ID: "5"}},
	}
	r := New(dir, fastPolicy(), nil)

	res, err := r.Resolve(context.Background(), submission.NewCredential("tok"), patient)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ExternalID != "5" || dir.searches != 3 {
		t.Errorf("id=%s searches=%d", res.ExternalID, dir.searches)
	}
}

func TestResolve_TerminalErrorNotRetried(t *testing.T) {
	rejected := &directory.Error{Op: "search", StatusCode: http.StatusUnauthorized}
	dir := &fakeDirectory{searchErrs: []error{rejected}}
	r := New(dir, fastPolicy(), nil)

	_, err := r.Resolve(context.Background(), submission.NewCredential("tok"), patient)
	if !directory.IsCredentialError(err) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if dir.searches != 1 {
		t.Errorf("searches = %d, want 1", dir.searches)
	}
}

func TestResolve_ExhaustedCreate(t *testing.T) {
	unavailable := &directory.Error{Op: "create", StatusCode: http.StatusServiceUnavailable, Retryable: true}
	dir := &fakeDirectory{createErrs: []error{unavailable, unavailable, unavailable}}
	r := New(dir, fastPolicy(), nil)

	_, err := r.Resolve(context.Background(), submission.NewCredential("tok"), patient)
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Fatalf("expected exhausted after 3 attempts, got %v", err)
	}
	if len(dir.created) != 3 {
		t.Errorf("creates = %d", len(dir.created))
	}
}
