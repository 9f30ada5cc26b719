package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest("GET", 200, 0.01)
	m.ObserveTransition("call_next", "ok")
	m.WatchOpened("shop")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"qline_http_requests_total", "qline_booking_transitions_total", "qline_live_watches"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", 200, 0)
	m.ObserveTransition("join", "ok")
	m.WatchOpened("user")
	m.WatchClosed("user")
	m.ObserveRecompute("user", false)
	m.ConnectionOpened("sockjs")
	m.ConnectionClosed("sockjs")
}
