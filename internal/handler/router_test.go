package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	sessionHandler "github.com/zhouzirui/vera/client/internal/handler/session"
	"github.com/zhouzirui/vera/client/internal/observability/metrics"
	sessionService "github.com/zhouzirui/vera/client/internal/service/session"
)

type stubController struct{}

func (stubController) SendText(context.Context, string) error     { return nil }
func (stubController) ToggleCall(context.Context) (bool, error)   { return true, nil }
func (stubController) EndCall(context.Context) error              { return nil }
func (stubController) Reconnect(context.Context) error            { return nil }
func (stubController) Snapshot() sessionService.View              { return sessionService.View{} }
func (stubController) Subscribe() (<-chan sessionService.Update, func()) {
	return make(chan sessionService.Update), func() {}
}

func newTestRouter() (http.Handler, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	return NewRouter(RouterDeps{
		Session:        sessionHandler.New(stubController{}),
		Gatherer:       reg,
		AllowedOrigins: []string{"http://localhost:5173"},
	}), m
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter()
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	r, m := newTestRouter()
	m.CallsStarted.Inc()

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "vera_client_calls_started_total 1") {
		t.Fatalf("metric missing from output")
	}
}

func TestSessionRoutesMounted(t *testing.T) {
	r, _ := newTestRouter()
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/session/call", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodOptions, "/api/session/messages", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestVoiceAgentRoutesAbsentWhenDisabled(t *testing.T) {
	r, _ := newTestRouter()
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/voice-agent/events", strings.NewReader(`{}`)))

	if resp.Code != http.StatusNotFound && resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected route to be absent, got %d", resp.Code)
	}
}
