package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentRecordsStatusClass(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("probe", "4xx"))

	h := Instrument("probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("probe", "4xx"))
	if after-before != 1 {
		t.Fatalf("requests_total{probe,4xx} delta = %v, want 1", after-before)
	}
	if got := testutil.ToFloat64(InFlight.WithLabelValues("probe")); got != 0 {
		t.Fatalf("in flight = %v, want 0", got)
	}
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	SetBuildInfo("test", "abc123")
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"loranode_build_info", "loranode_uptime_seconds", "loranode_device_class"} {
		if !strings.Contains(body, want) {
			t.Fatalf("/metrics missing %s", want)
		}
	}
}
