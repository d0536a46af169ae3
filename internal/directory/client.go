// Package directory is the client for the external patient directory: patient
// search by national identifier, patient creation and document upload. Every
// call carries the owning clinic's access token.
package directory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/domain/submission"
	"github.com/ctrls/intake/pkg/circuitbreaker"
)

const (
	tokenHeader          = "x-access-token"
	defaultTimeout       = 30 * time.Second
	maxResponseBodyBytes = 1 << 20
)

// Record is one patient returned by a directory search
type Record struct {
	ID         string
	Name       string
	Identifier string
}

// NewPatient is the demographic payload for patient creation
type NewPatient struct {
	Name       string
	Identifier string
	Sex        string
	BirthDate  string
}

// Upload is a document attached to a directory patient
type Upload struct {
	PatientID string
	Filename  string
	Content   []byte
}

// Config holds client settings
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// Client talks to the patient directory over HTTP
type Client struct {
	baseURL  string
	http     *http.Client
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewClient creates a directory client. A nil httpClient gets a client with
// cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid directory base url %q: %w", cfg.BaseURL, err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.MaxRequests == 0 {
		breakerCfg = circuitbreaker.DefaultConfig("")
	}
	// Only transient failures say anything about the directory's health.
	breakerCfg.IsSuccessful = func(err error) bool {
		return err == nil || !IsRetryable(err)
	}

	return &Client{
		baseURL:  base,
		http:     httpClient,
		breakers: circuitbreaker.NewManager(breakerCfg, logger),
		logger:   logger,
		tracer:   otel.Tracer("directory"),
	}, nil
}

// Breakers exposes per-credential breaker health
func (c *Client) Breakers() []circuitbreaker.HealthStatus {
	return c.breakers.GetHealthStatus()
}

type searchResponse struct {
	Content []struct {
		ID   json.Number `json:"id"`
		Nome string      `json:"nome"`
		CPF  string      `json:"cpf"`
	} `json:"content"`
}

// SearchPatients lists directory patients with the given identifier
func (c *Client) SearchPatients(ctx context.Context, cred submission.Credential, identifier string) ([]Record, error) {
	q := url.Values{"cpf": {identifier}}
	var resp searchResponse
	if err := c.call(ctx, cred, "search", http.MethodGet, "/patient/list?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.Content))
	for _, p := range resp.Content {
		records = append(records, Record{ID: p.ID.String(), Name: p.Nome, Identifier: p.CPF})
	}
	return records, nil
}

// CreatePatient registers a patient and returns its directory id
func (c *Client) CreatePatient(ctx context.Context, cred submission.Credential, p NewPatient) (string, error) {
	body := map[string]string{
		"nome":       p.Name,
		"cpf":        p.Identifier,
		"sexo":       p.Sex,
		"nascimento": p.BirthDate,
	}
	var id json.RawMessage
	if err := c.call(ctx, cred, "create", http.MethodPost, "/patient", body, &id); err != nil {
		return "", err
	}
	return decodeID("create", id)
}

// UploadFile attaches a document to a patient and returns the archive receipt
func (c *Client) UploadFile(ctx context.Context, cred submission.Credential, u Upload) (string, error) {
	body := map[string]any{
		"patient_id":  patientIDValue(u.PatientID),
		"base64_file": base64.StdEncoding.EncodeToString(u.Content),
		"filename":    u.Filename,
	}
	var receipt json.RawMessage
	if err := c.call(ctx, cred, "upload", http.MethodPost, "/patient/files", body, &receipt); err != nil {
		return "", err
	}
	return decodeID("upload", receipt)
}

func (c *Client) call(ctx context.Context, cred submission.Credential, op, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "directory."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()

	if cred.IsZero() {
		err := &Error{Op: op, Message: "missing access token", Err: ErrNoCredential}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	breaker, err := c.breakers.GetOrCreate(breakerKey(cred))
	if err != nil {
		return fmt.Errorf("directory %s: %w", op, err)
	}

	_, err = breaker.Execute(ctx, func() (interface{}, error) {
		return nil, c.do(ctx, cred, op, method, path, body, out)
	})
	if err != nil {
		if circuitbreaker.IsOpenError(err) {
			err = &Error{Op: op, Retryable: true, Message: "circuit open", Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, cred submission.Credential, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Message: "build request", Err: err}
	}
	req.Header.Set(tokenHeader, cred.Reveal())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &Error{Op: op, Retryable: true, Message: "transport failure", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Retryable: true, Message: "read response", Err: err}
	}

	c.logger.Debug("directory call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

// decodeID accepts a bare number, a string or an object with an id field
func decodeID(op string, raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", &Error{Op: op, Message: "decode id", Err: err}
	}

	if obj, ok := v.(map[string]any); ok {
		v = obj["id"]
	}
	switch id := v.(type) {
	case json.Number:
		return id.String(), nil
	case string:
		if id != "" {
			return id, nil
		}
	}
	return "", &Error{Op: op, Message: "response carried no id"}
}

// patientIDValue sends numeric ids as JSON numbers
func patientIDValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func breakerKey(cred submission.Credential) string {
	sum := sha256.Sum256([]byte(cred.Reveal()))
	return "directory-" + hex.EncodeToString(sum[:6])
}

// IsCredentialError reports a rejected or missing access token
func IsCredentialError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden ||
		errors.Is(e.Err, ErrNoCredential)
}
