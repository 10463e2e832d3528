package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.Inc(PeersJoined)
	m.Inc(PeersJoined)
	m.Inc(BroadcasterConflicts)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE livenix_bridge_events_total counter",
		`livenix_bridge_events_total{event="peers_joined"} 2`,
		`livenix_bridge_events_total{event="broadcaster_conflicts"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("output missing %q:\n%s", want, body)
		}
	}
}

func TestPrometheusHandlerNilMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(PeersJoined)
	if m.Get(PeersJoined) != 0 {
		t.Fatal("nil metrics must read zero")
	}
	if m.Snapshot() != nil {
		t.Fatal("nil metrics snapshot must be nil")
	}
}
