// Package metrics instruments the orchestration core with Prometheus
// vectors. The core never serves an HTTP /metrics endpoint itself (an
// exporter is a host concern, §1), but it still emits these so a host can
// register Handler() behind whatever surface it runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// NodesTotal tracks registry membership by cluster and state.
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warrendeploy_nodes_total",
			Help: "Total number of registered nodes by cluster and state",
		},
		[]string{"cluster", "state"},
	)

	// DeploymentsTotal counts terminal deployments by strategy and status.
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrendeploy_deployments_total",
			Help: "Total number of deployments by strategy and terminal status",
		},
		[]string{"strategy", "status"},
	)

	// DeploymentDuration records end-to-end pipeline duration by strategy.
	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warrendeploy_deployment_duration_seconds",
			Help:    "Deployment duration in seconds by strategy",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy"},
	)

	// RolledBackDeploymentsTotal counts rollbacks by strategy and trigger.
	RolledBackDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrendeploy_deployments_rolled_back_total",
			Help: "Total number of deployments that were rolled back, by strategy and reason",
		},
		[]string{"strategy", "reason"},
	)

	// StageDuration records per-stage latency within the pipeline.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warrendeploy_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds by stage name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// InProgressExecutions is a live gauge of Tracker's in-progress set size.
	InProgressExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrendeploy_in_progress_executions",
			Help: "Number of pipeline executions currently in-progress",
		},
	)

	// ApprovalsPendingTotal tracks the approvals currently pending, by environment.
	ApprovalsPendingTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warrendeploy_approvals_pending",
			Help: "Number of approvals currently pending, by environment",
		},
		[]string{"environment"},
	)

	// HeartbeatMissedTotal counts nodes observed past heartbeatGrace.
	HeartbeatMissedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrendeploy_heartbeat_missed_total",
			Help: "Total number of heartbeat-grace violations observed, by cluster",
		},
		[]string{"cluster"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		DeploymentsTotal,
		DeploymentDuration,
		RolledBackDeploymentsTotal,
		StageDuration,
		InProgressExecutions,
		ApprovalsPendingTotal,
		HeartbeatMissedTotal,
	)
}

// Handler returns the Prometheus HTTP handler for hosts that expose one.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
