package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		noop     bool
		illegal  bool
	}{
		{StatusPending, StatusPending, false, false},
		{StatusPending, StatusProcessed, false, false},
		{StatusPending, StatusError, false, false},
		{StatusProcessed, StatusProcessed, true, false},
		{StatusError, StatusError, true, false},
		{StatusProcessed, StatusError, false, true},
		{StatusError, StatusPending, false, true},
	}

	for _, tt := range tests {
		noop, err := CheckTransition(tt.from, tt.to)
		if noop != tt.noop {
			t.Errorf("%s -> %s: noop = %v, want %v", tt.from, tt.to, noop, tt.noop)
		}
		if got := errors.Is(err, ErrIllegalTransition); got != tt.illegal {
			t.Errorf("%s -> %s: illegal = %v, want %v (err=%v)", tt.from, tt.to, got, tt.illegal, err)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("PROCESSED"); err != nil || s != StatusProcessed {
		t.Fatalf("ParseStatus(PROCESSED) = %q, %v", s, err)
	}
	if _, err := ParseStatus("processed"); err == nil {
		t.Fatal("expected lowercase status to be rejected")
	}
}

func TestValidatePatient(t *testing.T) {
	valid := Patient{Name: "Jane Roe", Identifier: "11122233344"}
	if err := ValidatePatient(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]Patient{
		"patient.name":       {Name: "  ", Identifier: "11122233344"},
		"patient.identifier": {Name: "Jane", Identifier: "111.222.333-44"},
		"patient.sex":        {Name: "Jane", Identifier: "11122233344", Sex: "X"},
		"patient.birthDate":  {Name: "Jane", Identifier: "11122233344", BirthDate: "31/02/1990"},
	}
	for field, p := range cases {
		err := ValidatePatient(p)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %v", field, err)
			continue
		}
		if verr.Field != field {
			t.Errorf("expected field %s, got %s", field, verr.Field)
		}
	}

	short := Patient{Name: "Jane", Identifier: "1112223334"}
	if err := ValidatePatient(short); err == nil {
		t.Error("expected 10-digit identifier to be rejected")
	}
}

func TestValidateAnswers(t *testing.T) {
	if err := ValidateAnswers(json.RawMessage(`{"sintomas":"dor de cabeça"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, raw := range []string{``, `[]`, `"text"`, `{}`, `{"a":`} {
		if err := ValidateAnswers(json.RawMessage(raw)); err == nil {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
}

func TestAnswerValidator(t *testing.T) {
	tmpl := &Template{
		ID: "tmpl-1",
		AnswerSchema: json.RawMessage(`{
			"type": "object",
			"required": ["duracao"],
			"properties": {"duracao": {"type": "string"}}
		}`),
	}
	v := NewAnswerValidator()

	if err := v.Validate(tmpl, json.RawMessage(`{"duracao":"2 dias"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := v.Validate(tmpl, json.RawMessage(`{"sintomas":"febre"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	if len(v.schemas) != 1 {
		t.Errorf("expected one cached schema, got %d", len(v.schemas))
	}

	noSchema := &Template{ID: "tmpl-2"}
	if err := v.Validate(noSchema, json.RawMessage(`{"x":1}`)); err != nil {
		t.Errorf("template without schema should accept anything: %v", err)
	}
}

func TestCredentialRedaction(t *testing.T) {
	c := NewCredential("super-secret-token")

	for _, s := range []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%#v", c)} {
		if strings.Contains(s, "super-secret") {
			t.Errorf("credential leaked in %q", s)
		}
	}

	tenant := Tenant{ID: "t1", Credential: c}
	b, err := json.Marshal(tenant)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "super-secret") {
		t.Errorf("credential leaked in JSON: %s", b)
	}

	if c.Reveal() != "super-secret-token" {
		t.Error("Reveal should return the raw token")
	}
}

func TestEventForStatus(t *testing.T) {
	ext := "42"
	if got := EventForStatus(StatusPending, Patch{ExternalPatientID: &ext}); got != EventPatientLinked {
		t.Errorf("got %s", got)
	}
	if got := EventForStatus(StatusProcessed, Patch{}); got != EventProcessed {
		t.Errorf("got %s", got)
	}
	if got := EventForStatus(StatusError, Patch{}); got != EventFailed {
		t.Errorf("got %s", got)
	}
	if got := EventForStatus(StatusPending, Patch{}); got != "" {
		t.Errorf("expected no event, got %s", got)
	}
}
