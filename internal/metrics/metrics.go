// Package metrics exposes deployment and health-sweep counters in
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcheli/homeport/internal/models"
)

// Metrics holds the Prometheus collectors. It implements the orchestrator's
// MetricsRecorder.
type Metrics struct {
	registry *prometheus.Registry

	deployments        *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	rollbacks          *prometheus.CounterVec
	sweepFailures      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homeport_deployments_total",
			Help: "Deployments by service and terminal outcome.",
		}, []string{"service", "outcome"}),
		deploymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "homeport_deployment_duration_seconds",
			Help:    "Wall-clock duration of deployments by service and outcome.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"service", "outcome"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homeport_rollbacks_total",
			Help: "Rollback attempts by service and whether the restore verified healthy.",
		}, []string{"service", "success"}),
		sweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homeport_health_sweep_failures_total",
			Help: "Scheduled health sweeps that found a committed service unhealthy.",
		}, []string{"service"}),
	}
	registry.MustRegister(m.deployments, m.deploymentDuration, m.rollbacks, m.sweepFailures)
	return m
}

// ObserveDeployment records one terminal deployment.
func (m *Metrics) ObserveDeployment(service string, outcome models.DeploymentOutcome, duration time.Duration) {
	m.deployments.WithLabelValues(service, string(outcome)).Inc()
	m.deploymentDuration.WithLabelValues(service, string(outcome)).Observe(duration.Seconds())
}

// ObserveRollback records one rollback attempt.
func (m *Metrics) ObserveRollback(service string, success bool) {
	m.rollbacks.WithLabelValues(service, strconv.FormatBool(success)).Inc()
}

// ObserveSweepFailure records a committed service failing a scheduled sweep.
func (m *Metrics) ObserveSweepFailure(service string) {
	m.sweepFailures.WithLabelValues(service).Inc()
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
