package directory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ctrls/intake/internal/domain/submission"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/"}, srv.Client(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSearchPatients(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/patient/list" || r.URL.Query().Get("cpf") != "11122233344" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if got := r.Header.Get("x-access-token"); got != "clinic-token" {
			t.Errorf("token header = %q", got)
		}
		w.Write([]byte(`{"content":[{"id":9007199254740993,"nome":"Maria","cpf":"11122233344"}]}`))
	})

	records, err := c.SearchPatients(context.Background(), submission.NewCredential("clinic-token"), "11122233344")
	if err != nil {
		t.Fatalf("SearchPatients: %v", err)
	}
	if len(records) != 1 || records[0].ID != "9007199254740993" || records[0].Name != "Maria" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestCreatePatient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["nome"] != "Maria" || body["cpf"] != "11122233344" || body["sexo"] != "F" || body["nascimento"] != "02/03/1980" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Write([]byte(`4521`))
	})

	id, err := c.CreatePatient(context.Background(), submission.NewCredential("tok"), NewPatient{
		Name: "Maria", Identifier: "11122233344", Sex: "F", BirthDate: "02/03/1980",
	})
	if err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if id != "4521" {
		t.Errorf("id = %q", id)
	}
}

func TestUploadFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body struct {
			PatientID  json.Number `json:"patient_id"`
			Base64File string      `json:"base64_file"`
			Filename   string      `json:"filename"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.PatientID.String() != "4521" || strings.Contains(string(raw), `"patient_id":"`) {
			t.Errorf("patient_id should be numeric: %s", raw)
		}
		content, _ := base64.StdEncoding.DecodeString(body.Base64File)
		if string(content) != "%PDF-1.3" || body.Filename != "anamnese-1.pdf" {
			t.Errorf("unexpected upload %q %q", content, body.Filename)
		}
		w.Write([]byte(`{"id":"r-88"}`))
	})

	receipt, err := c.UploadFile(context.Background(), submission.NewCredential("tok"), Upload{
		PatientID: "4521", Filename: "anamnese-1.pdf", Content: []byte("%PDF-1.3"),
	})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if receipt != "r-88" {
		t.Errorf("receipt = %q", receipt)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		tooLarge  bool
		cred      bool
	}{
		{http.StatusBadRequest, false, false, false},
		{http.StatusUnauthorized, false, false, true},
		{http.StatusForbidden, false, false, true},
		{http.StatusRequestEntityTooLarge, false, true, false},
		{http.StatusServiceUnavailable, true, false, false},
		{http.StatusInternalServerError, false, false, false},
	}

	for _, tt := range tests {
		status := tt.status
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := c.UploadFile(context.Background(), submission.NewCredential("tok"), Upload{PatientID: "1"})
		var derr *Error
		if !errors.As(err, &derr) {
			t.Fatalf("%d: expected *Error, got %v", status, err)
		}
		if derr.StatusCode != status {
			t.Errorf("%d: status = %d", status, derr.StatusCode)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%d: retryable = %v", status, IsRetryable(err))
		}
		if errors.Is(err, ErrPayloadTooLarge) != tt.tooLarge {
			t.Errorf("%d: too large = %v", status, errors.Is(err, ErrPayloadTooLarge))
		}
		if IsCredentialError(err) != tt.cred {
			t.Errorf("%d: credential = %v", status, IsCredentialError(err))
		}
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	_, err := c.SearchPatients(context.Background(), submission.NewCredential("tok"), "1")
	if err == nil || !strings.Contains(err.Error(), "HTTP 418") {
		t.Errorf("expected HTTP 418 message, got %v", err)
	}
}

func TestMissingCredential(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.SearchPatients(context.Background(), submission.Credential{}, "11122233344")
	if !IsCredentialError(err) || IsRetryable(err) {
		t.Fatalf("expected terminal credential error, got %v", err)
	}
	if called {
		t.Error("no request should be sent without a token")
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.SearchPatients(context.Background(), submission.NewCredential("tok"), "1")
	if !IsRetryable(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}

func TestCancelledContextIsReturnedAsIs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SearchPatients(ctx, submission.NewCredential("tok"), "1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("cancellation must not be retryable")
	}
}

func TestBreakerOpensPerCredential(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx := context.Background()
	bad := submission.NewCredential("flaky")

	for i := 0; i < 5; i++ {
		_, _ = c.SearchPatients(ctx, bad, "1")
	}
	_, err := c.SearchPatients(ctx, bad, "1")
	var derr *Error
	if !errors.As(err, &derr) || derr.Message != "circuit open" || !derr.Retryable {
		t.Fatalf("expected open circuit error, got %v", err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}

	_, _ = c.SearchPatients(ctx, submission.NewCredential("other"), "1")
	if calls != 6 {
		t.Error("another credential should have its own breaker")
	}
}
