package submission

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	identifierPattern = regexp.MustCompile(`^\d{11}$`)
	birthDatePattern  = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)
)

// BirthDateLayout is the directory's date format
const BirthDateLayout = "02/01/2006"

// ValidationError describes a rejected admission payload
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidatePatient checks the patient block of an admission payload.
func ValidatePatient(p Patient) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("patient.name", "is required")
	}
	if !identifierPattern.MatchString(p.Identifier) {
		return invalid("patient.identifier", "must contain exactly 11 digits")
	}
	switch p.Sex {
	case "", "M", "F", "Outro":
	default:
		return invalid("patient.sex", "must be M, F or Outro")
	}
	if p.BirthDate != "" {
		if !birthDatePattern.MatchString(p.BirthDate) {
			return invalid("patient.birthDate", "must use dd/MM/yyyy")
		}
		if _, err := time.Parse(BirthDateLayout, p.BirthDate); err != nil {
			return invalid("patient.birthDate", "is not a calendar date")
		}
	}
	return nil
}

// ValidateAnswers requires a non-empty JSON object.
func ValidateAnswers(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return invalid("answers", "must be a JSON object")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return invalid("answers", "must be a JSON object")
	}
	if len(m) == 0 {
		return invalid("answers", "must not be empty")
	}
	return nil
}

// AnswerValidator checks answers against a template's answer schema. Compiled
// schemas are cached by content hash.
type AnswerValidator struct {
	mu      sync.Mutex
	schemas map[[32]byte]*jsonschema.Schema
}

// NewAnswerValidator creates a validator with an empty cache
func NewAnswerValidator() *AnswerValidator {
	return &AnswerValidator{schemas: make(map[[32]byte]*jsonschema.Schema)}
}

// Validate returns nil when the template carries no answer schema.
func (v *AnswerValidator) Validate(t *Template, answers json.RawMessage) error {
	if raw := bytes.TrimSpace(t.AnswerSchema); len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	schema, err := v.compile(t.AnswerSchema)
	if err != nil {
		return fmt.Errorf("compile answer schema for template %s: %w", t.ID, err)
	}
	var doc any
	if err := json.Unmarshal(answers, &doc); err != nil {
		return invalid("answers", "must be a JSON object")
	}
	if err := schema.Validate(doc); err != nil {
		return invalid("answers", "do not match the form: %v", err)
	}
	return nil
}

func (v *AnswerValidator) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := sha256.Sum256(raw)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("answers.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	s, err := compiler.Compile("answers.json")
	if err != nil {
		return nil, err
	}
	v.schemas[key] = s
	return s, nil
}
