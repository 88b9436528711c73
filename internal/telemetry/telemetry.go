package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by the orchestrator, the
// dispatcher and the host agent. All methods are safe on a nil receiver so
// components can be built without telemetry in tests.
type Metrics struct {
	registry *prometheus.Registry

	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	blacklisted      *prometheus.CounterVec
	blacklistSize    prometheus.Gauge
	creditChecks     *prometheus.CounterVec
	agentCalls       *prometheus.CounterVec
	agentDuration    *prometheus.HistogramVec
	events           *prometheus.CounterVec
	pollFailures     *prometheus.CounterVec
	syncRuns         *prometheus.CounterVec
	hostMetrics      *prometheus.GaugeVec
	guestMetrics     *prometheus.GaugeVec
}

// NewMetrics registers all collectors on a fresh registry, together with
// the standard process and Go runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knot_dispatch_total",
			Help: "Remote dispatches by command, executor strategy and outcome.",
		}, []string{"command", "strategy", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "knot_dispatch_duration_seconds",
			Help:    "Wall clock duration of remote dispatches.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"command", "strategy"}),
		blacklisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knot_host_blacklisted_total",
			Help: "Hosts put on the timeout blacklist.",
		}, []string{"host"}),
		blacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knot_host_blacklist_size",
			Help: "Number of hosts currently on the timeout blacklist.",
		}),
		creditChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knot_credit_checks_total",
			Help: "Admission gate decisions by outcome.",
		}, []string{"outcome"}),
		agentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knot_agent_calls_total",
			Help: "Commands executed by the host agent.",
		}, []string{"command", "mode", "status"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "knot_agent_call_duration_seconds",
			Help:    "Duration of commands executed by the host agent.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command", "mode"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knot_lifecycle_events_total",
			Help: "Lifecycle events published on the event bus.",
		}, []string{"kind"}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knot_dispatch_poll_failures_total",
			Help: "Job status polls that failed to reach the host.",
		}, []string{"command"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knot_sync_runs_total",
			Help: "Synchronization runs by outcome.",
		}, []string{"outcome"}),
		hostMetrics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "knot_host_metric",
			Help: "Last value reported by host.metrics.",
		}, []string{"host", "metric"}),
		guestMetrics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "knot_guest_metric",
			Help: "Last value reported by vm.metrics.",
		}, []string{"compute", "metric"}),
	}
	reg.MustRegister(
		m.dispatches, m.dispatchDuration, m.blacklisted, m.blacklistSize,
		m.creditChecks, m.agentCalls, m.agentDuration, m.events,
		m.pollFailures, m.syncRuns, m.hostMetrics, m.guestMetrics,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for HTTP exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDispatch(command, strategy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(command, strategy, outcome).Inc()
	m.dispatchDuration.WithLabelValues(command, strategy).Observe(d.Seconds())
}

func (m *Metrics) HostBlacklisted(host string, size int) {
	if m == nil {
		return
	}
	m.blacklisted.WithLabelValues(host).Inc()
	m.blacklistSize.Set(float64(size))
}

func (m *Metrics) BlacklistSize(size int) {
	if m == nil {
		return
	}
	m.blacklistSize.Set(float64(size))
}

func (m *Metrics) CreditCheck(outcome string) {
	if m == nil {
		return
	}
	m.creditChecks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AgentCall(command, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(command, mode, status).Inc()
	m.agentDuration.WithLabelValues(command, mode).Observe(d.Seconds())
}

func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) PollFailure(command string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(command).Inc()
}

func (m *Metrics) SyncRun(outcome string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HostMetric(host, metric string, v float64) {
	if m == nil {
		return
	}
	m.hostMetrics.WithLabelValues(host, metric).Set(v)
}

func (m *Metrics) GuestMetric(compute, metric string, v float64) {
	if m == nil {
		return
	}
	m.guestMetrics.WithLabelValues(compute, metric).Set(v)
}

// Global metrics instance
var (
	globalMu      sync.Mutex
	globalMetrics *Metrics
)

// InitGlobal replaces the process-wide metrics instance.
func InitGlobal() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = NewMetrics()
	return globalMetrics
}

// GetGlobal returns the process-wide metrics instance, creating it on first use.
func GetGlobal() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = NewMetrics()
	}
	return globalMetrics
}
