// Package metrics collects the proxy's request/response/timeout counters
// and a latency summary, and exposes them in Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StatusClass buckets an HTTP status code into Prometheus's conventional
// "Nxx" label, e.g. 200 -> "2xx".
func StatusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Sink is the hand-rolled, spec-exact counter set the engine updates at
// every decision point in §4.6/§8 and that Render exposes on /metrics in
// Prometheus text format, matching the reference's
// _render_prometheus_sync byte-for-byte in structure.
type Sink struct {
	requestsTotal           atomic.Int64
	requestsParseErrorTotal atomic.Int64
	bytesSentTotal          atomic.Int64

	mu                 sync.Mutex
	responsesByClass   map[string]int64
	durationSumSeconds float64
	durationCount      int64
	upstreamRequests   map[string]int64
	upstreamErrors     map[string]map[string]int64
	timeoutErrors      map[string]int64
}

// NewSink creates an empty Sink with the four response classes and four
// timeout-error types pre-seeded at zero, matching the reference's
// pre-populated dicts so Render always lists every label even before a
// sample has been observed.
func NewSink() *Sink {
	return &Sink{
		responsesByClass: map[string]int64{"2xx": 0, "3xx": 0, "4xx": 0, "5xx": 0},
		upstreamRequests: make(map[string]int64),
		upstreamErrors:   make(map[string]map[string]int64),
		timeoutErrors:    map[string]int64{"connect": 0, "read": 0, "write": 0, "total": 0},
	}
}

// RecordRequestStart increments the total-requests counter. Called once
// per accepted connection, before parsing.
func (s *Sink) RecordRequestStart() {
	s.requestsTotal.Add(1)
}

// RecordParseError increments the parse-error counter.
func (s *Sink) RecordParseError() {
	s.requestsParseErrorTotal.Add(1)
}

// RecordRequestDone records one completed request's status, duration, and
// upstream attribution, per §4.6 step 8.
func (s *Sink) RecordRequestDone(status int, d time.Duration, upstreamKey string, bytesSent int64) {
	s.bytesSentTotal.Add(bytesSent)

	s.mu.Lock()
	defer s.mu.Unlock()
	cls := StatusClass(status)
	s.responsesByClass[cls]++
	s.durationSumSeconds += d.Seconds()
	s.durationCount++
	s.upstreamRequests[upstreamKey]++
}

// RecordUpstreamError records a failed call to upstreamKey, classified by
// errType ("connection_refused", "timeout", "circuit", "other").
func (s *Sink) RecordUpstreamError(upstreamKey, errType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.upstreamErrors[upstreamKey]
	if !ok {
		byType = make(map[string]int64)
		s.upstreamErrors[upstreamKey] = byType
	}
	byType[errType]++
}

// RecordTimeoutError records a timeout of the given phase
// ("connect"|"read"|"write"|"total").
func (s *Sink) RecordTimeoutError(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeoutErrors[phase]++
}

// RecordResponseStatus records a response status the engine emits itself
// (e.g. its own 502/504), independent of RecordRequestDone.
func (s *Sink) RecordResponseStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responsesByClass[StatusClass(status)]++
}

// Render produces the exact Prometheus text exposition spec.md §6 pins
// down: proxy_requests_total, proxy_requests_parse_errors_total,
// proxy_responses_total{status_class}, proxy_request_duration_seconds_{sum,count},
// proxy_bytes_sent_total, proxy_upstream_requests_total{upstream},
// proxy_upstream_errors_total{upstream,type}, proxy_timeout_errors_total{type}.
func (s *Sink) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("# TYPE proxy_requests_total counter\n")
	fmt.Fprintf(&b, "proxy_requests_total %d\n", s.requestsTotal.Load())
	b.WriteString("# TYPE proxy_requests_parse_errors_total counter\n")
	fmt.Fprintf(&b, "proxy_requests_parse_errors_total %d\n", s.requestsParseErrorTotal.Load())

	b.WriteString("# TYPE proxy_responses_total counter\n")
	for _, cls := range []string{"2xx", "3xx", "4xx", "5xx"} {
		fmt.Fprintf(&b, `proxy_responses_total{status_class="%s"} %d`+"\n", cls, s.responsesByClass[cls])
	}

	b.WriteString("# TYPE proxy_request_duration_seconds summary\n")
	fmt.Fprintf(&b, "proxy_request_duration_seconds_sum %.6f\n", s.durationSumSeconds)
	fmt.Fprintf(&b, "proxy_request_duration_seconds_count %d\n", s.durationCount)

	b.WriteString("# TYPE proxy_bytes_sent_total counter\n")
	fmt.Fprintf(&b, "proxy_bytes_sent_total %d\n", s.bytesSentTotal.Load())

	b.WriteString("# TYPE proxy_upstream_requests_total counter\n")
	for _, key := range sortedKeys(s.upstreamRequests) {
		fmt.Fprintf(&b, `proxy_upstream_requests_total{upstream="%s"} %d`+"\n", key, s.upstreamRequests[key])
	}

	b.WriteString("# TYPE proxy_upstream_errors_total counter\n")
	for _, up := range sortedMapKeys(s.upstreamErrors) {
		byType := s.upstreamErrors[up]
		for _, typ := range sortedKeys(byType) {
			fmt.Fprintf(&b, `proxy_upstream_errors_total{upstream="%s",type="%s"} %d`+"\n", up, typ, byType[typ])
		}
	}

	b.WriteString("# TYPE proxy_timeout_errors_total counter\n")
	for _, typ := range []string{"connect", "read", "write", "total"} {
		fmt.Fprintf(&b, `proxy_timeout_errors_total{type="%s"} %d`+"\n", typ, s.timeoutErrors[typ])
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedMapKeys(m map[string]map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handler serves the exact-format exposition at the spec-mandated path.
// Any caller routing other paths to 404 is the admin mux's job, not this
// handler's.
func (s *Sink) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(s.Render()))
	}
}
