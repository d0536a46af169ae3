package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctrls/intake/internal/admission"
	"github.com/ctrls/intake/internal/api/middleware"
	"github.com/ctrls/intake/internal/ledger"
	"github.com/ctrls/intake/internal/observability/metrics"
)

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(string) error { return nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	l := ledger.NewMemory()
	return NewRouter(Deps{
		Admission: admission.New(l, nopDispatcher{}, metrics.New(reg), nil),
		Ledger:    l,
		DB:        okPinger{},
		Gatherer:  reg,
		JWTSecret: "secret",
	})
}

func TestRouter_DashboardRequiresToken(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	token, err := middleware.GenerateToken("secret", middleware.Claims{UserID: "u1", ClinicIDs: []string{"clinic-a"}}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/submissions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Clinic-ID", "clinic-a")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
}

func TestRouter_OperationalEndpoints(t *testing.T) {
	r := newTestRouter(t)

	for _, path := range []string{"/health", "/ready", "/metrics", "/health/breakers"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}
