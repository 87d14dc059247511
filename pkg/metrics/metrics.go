// Package metrics exposes Prometheus metrics for the HTTP API and the
// workflow engine. Every Collector owns its registry, so tests can create as
// many as they like.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the application. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	Executions        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	NodeOutcomes      *prometheus.CounterVec
	EditOperations    *prometheus.CounterVec

	SourceReads *prometheus.CounterVec
}

// NewCollector creates a collector whose metrics are prefixed with namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Workflow executions by final status",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		NodeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_node_outcomes_total",
			Help:      "Node outcomes by node type and status",
		}, []string{"type", "status"}),
		EditOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_edit_operations_total",
			Help:      "Workflow edit operations by operation and result",
		}, []string{"operation", "result"}),
		SourceReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_reads_total",
			Help:      "Source data reads by kind and result",
		}, []string{"kind", "result"}),
	}

	c.registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.Executions,
		c.ExecutionDuration,
		c.NodeOutcomes,
		c.EditOperations,
		c.SourceReads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveExecution records one finished execution.
func (c *Collector) ObserveExecution(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.Executions.WithLabelValues(status).Inc()
	c.ExecutionDuration.Observe(d.Seconds())
}

// ObserveNode records the outcome of one node.
func (c *Collector) ObserveNode(nodeType, status string) {
	if c == nil {
		return
	}
	c.NodeOutcomes.WithLabelValues(nodeType, status).Inc()
}

// ObserveEdit records an edit operation and whether it succeeded.
func (c *Collector) ObserveEdit(operation string, err error) {
	if c == nil {
		return
	}
	c.EditOperations.WithLabelValues(operation, result(err)).Inc()
}

// ObserveSourceRead records a latest/history read against a data source.
func (c *Collector) ObserveSourceRead(kind string, err error) {
	if c == nil {
		return
	}
	c.SourceReads.WithLabelValues(kind, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware records request counts and durations labelled by route template
// and logs every request at debug level.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		slog.Debug("Request handled", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
