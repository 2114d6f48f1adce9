package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is an additive prometheus/client_golang-backed mirror of Sink,
// exposed on /metrics/v2. /metrics keeps serving Sink.Render's hand-rolled
// exact-format text so the spec's S1-S6 assertions against literal metric
// names keep holding; this registry exists for operators who want
// standard client-library semantics (a quantile Summary for durations,
// promhttp exposition) without touching that contract. It has no
// histograms, and its handler is built with default options, so
// OpenMetrics negotiation is off.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    prometheus.Counter
	ParseErrorsTotal prometheus.Counter
	ResponsesTotal   *prometheus.CounterVec
	RequestDuration  prometheus.Summary
	BytesSentTotal   prometheus.Counter
	UpstreamRequests *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	TimeoutErrors    *prometheus.CounterVec
}

// NewRegistry builds a Registry with its own prometheus.Registry, not the
// global default one, so tests can construct multiple independent
// instances without collector-already-registered panics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_requests_total_v2", Help: "Total requests accepted.",
		}),
		ParseErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_requests_parse_errors_total_v2", Help: "Requests that failed to parse.",
		}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_responses_total_v2", Help: "Responses by status class.",
		}, []string{"status_class"}),
		RequestDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: "proxy_request_duration_seconds_v2", Help: "Request duration in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		BytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_bytes_sent_total_v2", Help: "Total bytes forwarded to clients.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_upstream_requests_total_v2", Help: "Requests forwarded per upstream.",
		}, []string{"upstream"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_upstream_errors_total_v2", Help: "Upstream errors by type.",
		}, []string{"upstream", "type"}),
		TimeoutErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_timeout_errors_total_v2", Help: "Timeouts by phase.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		r.RequestsTotal, r.ParseErrorsTotal, r.ResponsesTotal, r.RequestDuration,
		r.BytesSentTotal, r.UpstreamRequests, r.UpstreamErrors, r.TimeoutErrors,
	)
	return r
}

// Handler exposes the registry via the standard promhttp handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordRequestStart mirrors Sink.RecordRequestStart onto the client-library
// counters, keeping /metrics/v2 in step with /metrics.
func (r *Registry) RecordRequestStart() {
	r.RequestsTotal.Inc()
}

// RecordParseError mirrors Sink.RecordParseError.
func (r *Registry) RecordParseError() {
	r.ParseErrorsTotal.Inc()
}

// RecordRequestDone mirrors Sink.RecordRequestDone.
func (r *Registry) RecordRequestDone(status int, seconds float64, upstreamKey string, bytesSent int64) {
	r.ResponsesTotal.WithLabelValues(StatusClass(status)).Inc()
	r.RequestDuration.Observe(seconds)
	r.BytesSentTotal.Add(float64(bytesSent))
	r.UpstreamRequests.WithLabelValues(upstreamKey).Inc()
}

// RecordUpstreamError mirrors Sink.RecordUpstreamError.
func (r *Registry) RecordUpstreamError(upstreamKey, errType string) {
	r.UpstreamErrors.WithLabelValues(upstreamKey, errType).Inc()
}

// RecordTimeoutError mirrors Sink.RecordTimeoutError.
func (r *Registry) RecordTimeoutError(phase string) {
	r.TimeoutErrors.WithLabelValues(phase).Inc()
}
