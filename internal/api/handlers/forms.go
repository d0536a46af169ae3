// Package handlers provides HTTP handlers for the intake API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/admission"
	"github.com/ctrls/intake/internal/api/middleware"
	"github.com/ctrls/intake/internal/domain/submission"
)

const maxBodyBytes = 1 << 20

// FormHandler serves the public form endpoints
type FormHandler struct {
	admission *admission.Service
	logger    *zap.Logger
}

// NewFormHandler creates a new handler
func NewFormHandler(svc *admission.Service, logger *zap.Logger) *FormHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormHandler{admission: svc, logger: logger}
}

// Routes returns the handler routes
func (h *FormHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{publicId}", h.Get)
	r.Post("/{publicId}/submit", h.Submit)
	return r
}

// BrandingView is the clinic presentation shown on the public form
type BrandingView struct {
	Name         string `json:"name"`
	LogoURL      string `json:"logoUrl,omitempty"`
	PrimaryColor string `json:"primaryColor,omitempty"`
	Address      string `json:"address,omitempty"`
}

// TemplateView is the public template representation
type TemplateView struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Schema         json.RawMessage `json:"schema"`
	Active         bool            `json:"active"`
	ClinicBranding BrandingView    `json:"clinicBranding"`
}

func newTemplateView(t *submission.Template) TemplateView {
	schema := t.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{}`)
	}
	return TemplateView{
		ID:          t.PublicID.String(),
		Title:       t.Title,
		Description: t.Description,
		Schema:      schema,
		Active:      t.Active,
		ClinicBranding: BrandingView{
			Name:         t.Tenant.Name,
			LogoURL:      t.Tenant.Branding.LogoURL,
			PrimaryColor: t.Tenant.Branding.PrimaryColor,
			Address:      t.Tenant.Branding.Address,
		},
	}
}

// Get handles GET /forms/{publicId}
func (h *FormHandler) Get(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.admission.Template(r.Context(), chi.URLParam(r, "publicId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTemplateView(tmpl))
}

// Submit handles POST /forms/{publicId}/submit
func (h *FormHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("form-handler").Start(r.Context(), "submit_form")
	defer span.End()

	publicID := chi.URLParam(r, "publicId")
	span.SetAttributes(attribute.String("template_public_id", publicID))

	var req admission.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := h.admission.Submit(ctx, publicID, req)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("submission_id", receipt.SubmissionID))
	writeJSON(w, http.StatusAccepted, receipt)
}

func (h *FormHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *submission.ValidationError
	switch {
	case errors.As(err, &verr):
		jsonError(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, submission.ErrTemplateNotFound):
		jsonError(w, "form not found", http.StatusNotFound)
	case errors.Is(err, submission.ErrTemplateInactive):
		jsonError(w, "form is not accepting submissions", http.StatusConflict)
	default:
		h.logger.Error("form request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
