package engine

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/Polqt/meshproxy/metrics"
	"github.com/Polqt/meshproxy/proxyerr"
	"github.com/Polqt/meshproxy/upstream"
)

func TestTimeoutPhaseMapping(t *testing.T) {
	cases := map[proxyerr.Kind]string{
		proxyerr.KindConnectTimeout: "connect",
		proxyerr.KindReadTimeout:    "read",
		proxyerr.KindWriteTimeout:   "write",
		proxyerr.KindTotalTimeout:   "total",
	}
	for kind, want := range cases {
		if got := timeoutPhase(kind); got != want {
			t.Errorf("timeoutPhase(%v) = %q, want %q", kind, got, want)
		}
	}
}

func TestUpstreamErrorTypeMapping(t *testing.T) {
	cases := map[proxyerr.Kind]string{
		proxyerr.KindConnectionRefused: "connection_refused",
		proxyerr.KindConnectTimeout:    "timeout",
		proxyerr.KindReadTimeout:       "timeout",
		proxyerr.KindCircuitOpen:       "circuit",
		proxyerr.KindParse:             "other",
	}
	for kind, want := range cases {
		if got := upstreamErrorType(kind); got != want {
			t.Errorf("upstreamErrorType(%v) = %q, want %q", kind, got, want)
		}
	}
}

func TestClassifyConnectErrPassesThroughProxyErr(t *testing.T) {
	pe := proxyerr.New(proxyerr.KindConnectTimeout, "dial", nil)
	if got := classifyConnectErr(pe); got != error(pe) {
		t.Errorf("classifyConnectErr should pass an existing *proxyerr.Error through unchanged")
	}
}

func TestClassifyConnectErrRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, dialErr := net.Dial("tcp", addr)
	if dialErr == nil {
		t.Skip("expected dial to a closed port to fail")
	}

	got := classifyConnectErr(dialErr)
	if proxyerr.KindOf(got) != proxyerr.KindConnectionRefused {
		t.Errorf("classifyConnectErr(%v) kind = %v, want KindConnectionRefused", dialErr, proxyerr.KindOf(got))
	}
}

func TestClassifyConnectErrFallsBackToNetwork(t *testing.T) {
	got := classifyConnectErr(errors.New("something else"))
	if proxyerr.KindOf(got) != proxyerr.KindNetwork {
		t.Errorf("kind = %v, want KindNetwork", proxyerr.KindOf(got))
	}
}

func TestWriteErrorResponseTimeoutStatus(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeErrorResponse(w, "HTTP/1.1", proxyerr.New(proxyerr.KindReadTimeout, "read upstream", nil))

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("504")) {
		t.Errorf("expected a 504 status line, got %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("Gateway Timeout")) {
		t.Errorf("expected the Gateway Timeout reason phrase, got %q", out)
	}
}

func TestWriteErrorResponseRefusedMentionsUnavailable(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeErrorResponse(w, "HTTP/1.1", proxyerr.New(proxyerr.KindConnectionRefused, "dial", nil))

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("502")) {
		t.Errorf("expected a 502 status line, got %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("unavailable")) {
		t.Errorf("expected the body to mention unavailability, got %q", out)
	}
}

func TestWriteErrorResponseDefaultsVersionWhenEmpty(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeErrorResponse(w, "", proxyerr.New(proxyerr.KindNetwork, "dial", nil))

	if got := buf.String(); !bytes.HasPrefix([]byte(got), []byte("HTTP/1.1 502")) {
		t.Errorf("expected a default HTTP/1.1 version prefix, got %q", got)
	}
}

func TestRecordFailureUpdatesSinkWithNilRegistry(t *testing.T) {
	eng := &Engine{Metrics: metrics.NewSink()}
	// Registry is deliberately left nil: recordFailure must not panic when unset.

	up := upstream.Upstream{Host: "127.0.0.1", Port: 9001}
	eng.recordFailure(up, proxyerr.New(proxyerr.KindConnectTimeout, "dial", nil))

	out := eng.Metrics.Render()
	if !bytes.Contains([]byte(out), []byte(`proxy_timeout_errors_total{type="connect"} 1`)) {
		t.Errorf("expected a connect timeout to be recorded:\n%s", out)
	}
	if !bytes.Contains([]byte(out), []byte(`proxy_upstream_errors_total{upstream="127.0.0.1:9001",type="timeout"} 1`)) {
		t.Errorf("expected an upstream error to be recorded:\n%s", out)
	}
}
