package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("vm.start_vm", "sync", "ok", time.Second)
	m.HostBlacklisted("node1", 1)
	m.CreditCheck("allowed")
	m.AgentCall("vm.start_vm", "sync", "ok", time.Second)
	m.Event("created")
	m.PollFailure("vm.deploy_vm")
	m.SyncRun("ok")
	m.HostMetric("node1", "load", 1)
	m.GuestMetric("vm-1", "memory", 512)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveDispatch("vm.start_vm", "sync", "timeout", 2*time.Second)
	m.ObserveDispatch("vm.start_vm", "sync", "timeout", time.Second)
	m.HostBlacklisted("node1", 3)

	if got := gathered(t, m, "knot_dispatch_total"); got != 2 {
		t.Fatalf("dispatch counter = %v", got)
	}
	if got := gathered(t, m, "knot_host_blacklist_size"); got != 3 {
		t.Fatalf("blacklist size = %v", got)
	}

	m.HostMetric("node1", "load", 0.5)
	m.HostMetric("node1", "load", 1.5)
	if got := gathered(t, m, "knot_host_metric"); got != 1.5 {
		t.Fatalf("host metric = %v", got)
	}
}

// gathered sums every sample of a counter or gauge family.
func gathered(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			sum += metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
		}
	}
	return sum
}

func TestMonitoringRoutes(t *testing.T) {
	m := NewMetrics()
	m.Event("created")
	mon := NewMonitoring(m)
	mon.AddHealthCheck("store", func(context.Context) HealthCheck {
		return HealthCheck{Status: HealthStatusHealthy}
	})
	mux := http.NewServeMux()
	mon.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
	var body struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != HealthStatusHealthy || len(body.Checks) != 1 || body.Checks[0].Name != "store" {
		t.Fatalf("unexpected health body %+v", body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(text), `knot_lifecycle_events_total{kind="created"} 1`) {
		t.Fatalf("metrics output missing event counter:\n%s", text)
	}
}

func TestMonitoringDegraded(t *testing.T) {
	mon := NewMonitoring(nil)
	mon.AddHealthCheck("dispatch", func(context.Context) HealthCheck {
		return HealthCheck{Status: HealthStatusDegraded}
	})
	mux := http.NewServeMux()
	mon.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestBuildInfo(t *testing.T) {
	rec := httptest.NewRecorder()
	NewProfilingServer("").handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/build", nil))
	var info buildInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.GoVersion == "" || info.NumCPU == 0 {
		t.Fatalf("unexpected build info %+v", info)
	}
}
