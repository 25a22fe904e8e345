// Package metrics exposes prune run results as Prometheus metrics, either on an HTTP
// handler in schedule mode or as a node_exporter textfile after a one-off run.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/agerwick/backup-retention/internal/metadata"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backup_retention"

// Collector holds the run metrics on a private registry.
//
// Metrics:
//   - backup_retention_entries{state}: entries by matched/retained/discardable/invalid in the last run
//   - backup_retention_retained_entries{reason}: retained entries by reason in the last run
//   - backup_retention_actions_total{action,result}: entries moved or deleted
//   - backup_retention_runs_total{status}: completed runs
//   - backup_retention_last_run_timestamp_seconds: end of the last run
//   - backup_retention_last_run_duration_seconds: duration of the last run
type Collector struct {
	registry *prometheus.Registry

	entries      *prometheus.GaugeVec
	reasons      *prometheus.GaugeVec
	actions      *prometheus.CounterVec
	runs         *prometheus.CounterVec
	lastRun      prometheus.Gauge
	lastDuration prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Backup entries seen by the last run, by state",
		}, []string{"state"}),
		reasons: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retained_entries",
			Help:      "Entries retained by the last run, by reason",
		}, []string{"reason"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Entries moved or deleted, by action and result",
		}, []string{"action", "result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed prune runs, by status",
		}, []string{"status"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		lastDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the last run",
		}),
	}

	c.registry.MustRegister(c.entries, c.reasons, c.actions, c.runs, c.lastRun, c.lastDuration)
	return c
}

// Registry returns the registry the metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe records a finished run.
func (c *Collector) Observe(report *metadata.Report, finishedAt time.Time) {
	c.entries.WithLabelValues("matched").Set(float64(report.Matched))
	c.entries.WithLabelValues("retained").Set(float64(report.Retained))
	c.entries.WithLabelValues("discardable").Set(float64(report.Discardable))
	c.entries.WithLabelValues("invalid").Set(float64(report.Invalid))

	// Reasons absent from this run must not keep the previous run's value.
	c.reasons.Reset()
	for reason, n := range report.Reasons {
		c.reasons.WithLabelValues(reason).Set(float64(n))
	}

	if report.Action != "list" {
		c.actions.WithLabelValues(report.Action, "ok").Add(float64(report.Acted))
		c.actions.WithLabelValues(report.Action, "error").Add(float64(report.Failed))
	}

	c.runs.WithLabelValues(report.Status).Inc()
	c.lastRun.Set(float64(finishedAt.Unix()))
	c.lastDuration.Set(float64(report.DurationMs) / 1000)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the metrics for the node_exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
