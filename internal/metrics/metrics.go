// Package metrics exposes Prometheus instruments for crowdwatch operations.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder collects operation latency and submission outcomes on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	operationDuration *prometheus.HistogramVec
	operationTotal    *prometheus.CounterVec
	submissionsTotal  *prometheus.CounterVec
}

// NewRecorder creates a Recorder with Go runtime and process collectors registered.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crowdwatch_operation_duration_seconds",
			Help:    "Duration of crowdwatch operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		operationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwatch_operation_total",
			Help: "Total crowdwatch operations by status.",
		}, []string{"operation", "status"}),
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwatch_submissions_total",
			Help: "Total reading submissions by outcome.",
		}, []string{"outcome"}),
	}

	registry.MustRegister(r.operationDuration)
	registry.MustRegister(r.operationTotal)
	registry.MustRegister(r.submissionsTotal)

	return r
}

// Observe records one operation.
func (r *Recorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.operationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	r.operationTotal.WithLabelValues(operation, status).Inc()
}

// ObserveSubmission counts a coordinator outcome.
func (r *Recorder) ObserveSubmission(outcome string) {
	r.submissionsTotal.WithLabelValues(outcome).Inc()
}

// Registry returns the Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
