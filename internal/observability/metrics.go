// Package observability exposes Prometheus metrics for the governance
// pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics manages the Prometheus registry and the core gauges/counters
type Metrics struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	activeRuns       prometheus.Gauge
	runsTotal        *prometheus.CounterVec
	proposalsTotal   *prometheus.CounterVec
	approvalsTotal   *prometheus.CounterVec
	executionBlocked *prometheus.CounterVec
	helperSteps      *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics(logger *zap.SugaredLogger) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{logger: logger, registry: registry}

	m.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pocketbrain_active_tool_runs",
		Help: "Number of tool runs currently in flight",
	})
	m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pocketbrain_runs_total",
		Help: "Total tool runs by terminal status",
	}, []string{"status"})
	m.proposalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pocketbrain_proposals_total",
		Help: "Total proposals by initial gating state",
	}, []string{"status"})
	m.approvalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pocketbrain_approvals_total",
		Help: "Total approval resolutions by outcome",
	}, []string{"outcome"})
	m.executionBlocked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pocketbrain_execution_blocked_total",
		Help: "Execution attempts rejected before running, by code",
	}, []string{"code"})
	m.helperSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pocketbrain_helper_steps_total",
		Help: "Helper swarm steps by terminal status",
	}, []string{"status"})

	registry.MustRegister(
		m.activeRuns,
		m.runsTotal,
		m.proposalsTotal,
		m.approvalsTotal,
		m.executionBlocked,
		m.helperSteps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted increments the in-flight gauge
func (m *Metrics) RunStarted() { m.activeRuns.Inc() }

// RunFinished decrements the in-flight gauge and counts the outcome
func (m *Metrics) RunFinished(status string) {
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
}

// ProposalCreated counts one proposal by initial state
func (m *Metrics) ProposalCreated(status string) {
	m.proposalsTotal.WithLabelValues(status).Inc()
}

// ApprovalResolved counts one approval resolution
func (m *Metrics) ApprovalResolved(outcome string) {
	m.approvalsTotal.WithLabelValues(outcome).Inc()
}

// ExecutionBlocked counts one precondition rejection by taxonomy code
func (m *Metrics) ExecutionBlocked(code string) {
	m.executionBlocked.WithLabelValues(code).Inc()
}

// HelperStep counts one helper/merge step outcome
func (m *Metrics) HelperStep(status string) {
	m.helperSteps.WithLabelValues(status).Inc()
}
