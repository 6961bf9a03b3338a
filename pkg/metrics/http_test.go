package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHTTPMetricsLabelsByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	m.ObserveRequest("/api/v1/orders/{orderId}", http.MethodGet, http.StatusOK, 20*time.Millisecond)
	m.ObserveRequest("/api/v1/orders/{orderId}", http.MethodGet, http.StatusOK, 40*time.Millisecond)
	m.ObserveRequest("", http.MethodGet, http.StatusNotFound, time.Millisecond)
	m.IncPanic()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "settlement_http_requests_total", "route", "/api/v1/orders/{orderId}"); err != nil || got != 2 {
		t.Fatalf("expected 2 order reads, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "settlement_http_requests_total", "route", "unknown"); err != nil || got != 1 {
		t.Fatalf("expected unmatched route under unknown, got %f (%v)", got, err)
	}
	if got, err := fetchHistogramSum(mfs, "settlement_http_request_duration_seconds", "route", "/api/v1/orders/{orderId}"); err != nil || got < 0.059 || got > 0.061 {
		t.Fatalf("unexpected latency sum %f (%v)", got, err)
	}
	mf := findMetricFamily(mfs, "settlement_http_panics_total")
	if mf == nil || mf.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected one recovered panic")
	}
}

func TestNilHTTPMetricsAreNoops(t *testing.T) {
	var m *HTTPMetrics
	m.ObserveRequest("/health/live", http.MethodGet, http.StatusOK, time.Millisecond)
	m.IncPanic()
	NewHTTPMetrics(nil).ObserveRequest("/health/live", http.MethodGet, http.StatusOK, time.Millisecond)
}
