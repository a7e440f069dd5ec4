// Package metrics records fetch activity with Prometheus collectors.
//
// The jobs are short-lived, so nothing is scraped: at the end of a run the
// registry can be written to a node_exporter textfile with WriteTextfile.
//
// Metrics:
//   - marketfetch_requests_total{api, status} (Counter): HTTP attempts by API and status class
//   - marketfetch_retries_total{api} (Counter): retries after HTTP 429
//   - marketfetch_backoff_seconds_total{api} (Counter): time spent in 429 backoff
//   - marketfetch_fetch_errors_total{api, type} (Counter): terminal fetch errors by error type
//   - marketfetch_batch_targets{job, outcome} (Gauge): targets per outcome in the last batch
//   - marketfetch_batch_rows{job} (Gauge): accumulated rows in the last batch
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the collectors for one run.
type Recorder struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	backoff     *prometheus.CounterVec
	fetchErrors *prometheus.CounterVec
	targets     *prometheus.GaugeVec
	rows        *prometheus.GaugeVec
}

// New creates a recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfetch_requests_total",
				Help: "Total number of HTTP attempts by API and status class",
			},
			[]string{"api", "status"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfetch_retries_total",
				Help: "Total number of retries after a rate limit response",
			},
			[]string{"api"},
		),
		backoff: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfetch_backoff_seconds_total",
				Help: "Total time spent waiting in rate limit backoff",
			},
			[]string{"api"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfetch_fetch_errors_total",
				Help: "Total number of terminal fetch errors by error type",
			},
			[]string{"api", "type"},
		),
		targets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfetch_batch_targets",
				Help: "Targets per outcome in the last batch",
			},
			[]string{"job", "outcome"},
		),
		rows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfetch_batch_rows",
				Help: "Rows accumulated in the last batch",
			},
			[]string{"job"},
		),
	}

	r.registry.MustRegister(r.requests, r.retries, r.backoff, r.fetchErrors, r.targets, r.rows)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordRequest records one HTTP attempt. A zero status means the request
// never produced a response.
func (r *Recorder) RecordRequest(api string, status int) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(api, statusClass(status)).Inc()
}

// RecordRetry records a retry and the backoff that preceded it.
func (r *Recorder) RecordRetry(api string, wait time.Duration) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(api).Inc()
	r.backoff.WithLabelValues(api).Add(wait.Seconds())
}

// RecordFetchError records a terminal error for a target.
func (r *Recorder) RecordFetchError(api, errorType string) {
	if r == nil {
		return
	}
	r.fetchErrors.WithLabelValues(api, errorType).Inc()
}

// RecordBatch records the outcome counts of a finished batch.
func (r *Recorder) RecordBatch(job string, succeeded, failed, rows int) {
	if r == nil {
		return
	}
	r.targets.WithLabelValues(job, "success").Set(float64(succeeded))
	r.targets.WithLabelValues(job, "failure").Set(float64(failed))
	r.rows.WithLabelValues(job).Set(float64(rows))
}

// WriteTextfile writes all metrics in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status == 429:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
