package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/api/middleware"
	"github.com/ctrls/intake/internal/domain/submission"
	"github.com/ctrls/intake/internal/ledger"
)

// SubmissionHandler serves the clinic dashboard listing. Routes must sit
// behind middleware.TenantAuth.
type SubmissionHandler struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewSubmissionHandler creates a new handler
func NewSubmissionHandler(l ledger.Ledger, logger *zap.Logger) *SubmissionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionHandler{ledger: l, logger: logger}
}

// Routes returns the handler routes
func (h *SubmissionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	return r
}

// List handles GET /submissions?status=&patientName=&page=&size=
func (h *SubmissionHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantID(r.Context())
	if tenantID == "" {
		jsonError(w, "access to clinic denied", http.StatusForbidden)
		return
	}

	filter, msg := parseFilter(r)
	if msg != "" {
		jsonError(w, msg, http.StatusBadRequest)
		return
	}

	page, err := h.ledger.List(r.Context(), tenantID, filter)
	if err != nil {
		h.logger.Error("list submissions failed",
			zap.String("clinic_id", tenantID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "failed to list submissions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseFilter(r *http.Request) (ledger.Filter, string) {
	q := r.URL.Query()
	f := ledger.Filter{PatientName: q.Get("patientName")}

	if s := q.Get("status"); s != "" {
		status, err := submission.ParseStatus(s)
		if err != nil {
			return f, "unknown status " + strconv.Quote(s)
		}
		f.Status = &status
	}

	f.Size = ledger.DefaultPageSize
	if s := q.Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > ledger.MaxPageSize {
			return f, "size must be between 1 and " + strconv.Itoa(ledger.MaxPageSize)
		}
		f.Size = n
	}

	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > ledger.MaxPage(f.Size) {
			return f, "page must be between 0 and " + strconv.Itoa(ledger.MaxPage(f.Size))
		}
		f.Page = n
	}

	return f, ""
}
