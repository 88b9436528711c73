package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// Monitoring serves /health and /metrics. It is mounted on an existing mux
// so the daemon and the agent can share their listener with it.
type Monitoring struct {
	metrics *Metrics

	mu     sync.RWMutex
	checks map[string]func(ctx context.Context) HealthCheck
}

func NewMonitoring(metrics *Metrics) *Monitoring {
	return &Monitoring{
		metrics: metrics,
		checks:  make(map[string]func(ctx context.Context) HealthCheck),
	}
}

// AddHealthCheck registers a named check that runs on every /health request.
func (m *Monitoring) AddHealthCheck(name string, check func(ctx context.Context) HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Register mounts the monitoring routes on mux.
func (m *Monitoring) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", m.healthHandler)
	if reg := m.metrics.Registry(); reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

func (m *Monitoring) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runHealthChecks(r.Context())

	overallStatus := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded {
			overallStatus = HealthStatusDegraded
		}
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now(),
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != HealthStatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Debug().Err(err).Msg("write health response")
	}
}

func (m *Monitoring) runHealthChecks(ctx context.Context) []HealthCheck {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	fns := make([]func(context.Context) HealthCheck, 0, len(names))
	for _, name := range names {
		fns = append(fns, m.checks[name])
	}
	m.mu.RUnlock()

	results := make([]HealthCheck, 0, len(fns))
	for i, fn := range fns {
		start := time.Now()
		check := fn(ctx)
		if check.Name == "" {
			check.Name = names[i]
		}
		check.LastChecked = start
		check.Duration = time.Since(start)
		results = append(results, check)
	}
	return results
}
