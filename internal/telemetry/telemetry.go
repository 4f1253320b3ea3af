// Package telemetry bundles the service logger with the Prometheus
// counters the engine and server report into.
package telemetry

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry is the shared observability handle.
type Telemetry struct {
	logger *log.Logger

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	toolCallsTotal  *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
}

// New builds a Telemetry registering its collectors on the default
// Prometheus registry. Call it once per process.
func New(prefix string) *Telemetry {
	return &Telemetry{
		logger: log.New(log.Writer(), prefix, log.LstdFlags),
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aide_requests_total",
			Help: "Chat requests by model and outcome status.",
		}, []string{"model", "status"}),
		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aide_request_duration_seconds",
			Help:    "End to end chat request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),
		toolCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aide_tool_calls_total",
			Help: "Tool invocations by provider, tool and outcome.",
		}, []string{"provider", "tool", "outcome"}),
		retriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aide_backend_retries_total",
			Help: "Transient model API retries by backend.",
		}, []string{"backend"}),
	}
}

// Logger returns the shared logger.
func (t *Telemetry) Logger() *log.Logger { return t.logger }

// RecordRequest counts one completed request.
func (t *Telemetry) RecordRequest(model, status string, duration time.Duration) {
	t.requestsTotal.WithLabelValues(model, status).Inc()
	t.requestDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordToolCall counts one tool invocation.
func (t *Telemetry) RecordToolCall(provider, tool string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	t.toolCallsTotal.WithLabelValues(provider, tool, outcome).Inc()
}

// RecordRetry counts one transient backend retry.
func (t *Telemetry) RecordRetry(backend string) {
	t.retriesTotal.WithLabelValues(backend).Inc()
}
