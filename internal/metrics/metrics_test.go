package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenhq/warden/internal/metrics"
)

func TestRegistryExposesMetrics(t *testing.T) {
	metrics.EmitBuildInfo()
	metrics.SetManagedProcesses(3)
	metrics.IncrementProcessesStarted()
	metrics.AddProcessesReaped(2)
	metrics.ObserveTermination("forced_killed", 150*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "warden_managed_processes 3") {
		t.Fatalf("expected managed processes gauge in body:\n%s", body)
	}
	if !strings.Contains(body, "warden_terminations_total{outcome=\"forced_killed\"} 1") {
		t.Fatalf("expected termination counter line in body:\n%s", body)
	}
	if !strings.Contains(body, "warden_build_info{") {
		t.Fatalf("expected build info metric in body:\n%s", body)
	}
	if !strings.Contains(body, "go_version=") {
		t.Fatalf("expected go_version label on build info metric:\n%s", body)
	}
}
