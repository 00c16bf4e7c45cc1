// Package metrics is the status/metrics component (C9)'s Prometheus
// surface: ops_backup_last_success, ops_backup_last_epoch and
// ops_jobs_running.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the gauges exposed at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	backupLastSuccess *prometheus.GaugeVec
	backupLastEpoch   *prometheus.GaugeVec
	jobsRunning       prometheus.Gauge
}

// New registers a fresh set of gauges on a dedicated registry so tests
// can create independent instances without colliding on the default
// global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		backupLastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ops_backup_last_success",
			Help: "1 if the most recent backup for this app succeeded, 0 otherwise.",
		}, []string{"app"}),
		backupLastEpoch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ops_backup_last_epoch",
			Help: "Unix timestamp of the most recent successful backup for this app.",
		}, []string{"app"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ops_jobs_running",
			Help: "Number of jobs currently executing.",
		}),
	}

	reg.MustRegister(m.backupLastSuccess, m.backupLastEpoch, m.jobsRunning)
	return m
}

// Registry returns the underlying Prometheus registry for mounting via
// promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordBackupSuccess sets the last-success and last-epoch gauges for
// app, per spec.md §4.5 step 10.
func (m *Metrics) RecordBackupSuccess(app string, epoch float64) {
	m.backupLastSuccess.WithLabelValues(app).Set(1)
	m.backupLastEpoch.WithLabelValues(app).Set(epoch)
}

// JobsRunningInc increments the concurrency gauge.
func (m *Metrics) JobsRunningInc() { m.jobsRunning.Inc() }

// JobsRunningDec decrements the concurrency gauge.
func (m *Metrics) JobsRunningDec() { m.jobsRunning.Dec() }
