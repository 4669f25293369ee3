package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.SessionCompleted("finished")
	m.SetLiveSessions(3)
	m.SetInterceptEntries(2)
	m.TopologyEvent("ok", "tunnel")
	m.EdgeStream("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expect 503 from nil metrics, got %d", rec.Code)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionCompleted("failed")
	m.SetInterceptEntries(4)

	if got := testutil.ToFloat64(m.sessionsStarted); got != 2 {
		t.Fatalf("started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sessionsOutcome.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.interceptEntries); got != 4 {
		t.Fatalf("entries = %v, want 4", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.TopologyEvent("ok", "direct_url")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `overlay_topology_events_total{shape="direct_url",status="ok"} 1`) {
		t.Fatalf("topology counter missing from exposition:\n%s", body)
	}
}
