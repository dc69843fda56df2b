package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelgw/aistudio-gateway/internal/pipeline"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
	"github.com/kestrelgw/aistudio-gateway/internal/telemetry"
	"github.com/kestrelgw/aistudio-gateway/internal/testutil"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	state := runtime.New()
	reg := prometheus.NewRegistry()
	return Deps{
		Auth:            testutil.FakeAuth{},
		Queue:           pipeline.NewQueue(),
		Gate:            pipeline.NewParkingGate(state),
		State:           state,
		Page:            &testutil.FakePageController{},
		ResponseTimeout: 2 * time.Second,
		Metrics:         telemetry.NewMetrics(reg),
		MetricsHandler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)
	h := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("models: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "aistudiogw_requests_total") {
		t.Error("metrics should contain aistudiogw_requests_total")
	}
	if !strings.Contains(body, "aistudiogw_request_duration_seconds") {
		t.Error("metrics should contain aistudiogw_request_duration_seconds")
	}
}

func TestHealthzAndReadyz(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)
	h := New(deps)

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}
