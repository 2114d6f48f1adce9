// Package engine implements the per-connection request pipeline: parse,
// select an upstream, admit through both gates, invoke the breaker, and
// forward the request/response — the orchestration spec.md §4.6
// describes, replacing the teacher's net/http-based ServeHTTP.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Polqt/meshproxy/breaker"
	"github.com/Polqt/meshproxy/httpproxy"
	"github.com/Polqt/meshproxy/limits"
	"github.com/Polqt/meshproxy/logx"
	"github.com/Polqt/meshproxy/metrics"
	"github.com/Polqt/meshproxy/proxyerr"
	"github.com/Polqt/meshproxy/timeouts"
	"github.com/Polqt/meshproxy/upstream"
)

const chunkSize = 8 * 1024

// Engine owns everything one accepted connection needs: the upstream
// pool, the admission gates, the breaker manager, the timeout policy, a
// metrics sink, and a logger. It holds no per-connection state itself —
// that lives in a fresh invocation of HandleConn's local variables.
type Engine struct {
	Pool     *upstream.Pool
	Limits   *limits.Manager
	Breakers *breaker.Manager
	Timeouts timeouts.Policy
	Metrics  *metrics.Sink
	Registry *metrics.Registry
	Log      *slog.Logger
}

// HandleConn runs the full per-connection pipeline over conn and always
// closes conn before returning, per §4.6 step 9.
func (e *Engine) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	traceID := uuid.NewString()
	ctx = logx.WithTraceID(ctx, traceID)

	ctx, cancel := context.WithTimeout(ctx, e.Timeouts.Total())
	defer cancel()

	if err := e.Limits.ClientGate().Acquire(ctx); err != nil {
		return
	}
	defer e.Limits.ClientGate().Release()

	e.Metrics.RecordRequestStart()
	if e.Registry != nil {
		e.Registry.RecordRequestStart()
	}

	br := bufio.NewReader(conn)
	req, err := httpproxy.Parse(br)
	if err != nil {
		e.Metrics.RecordParseError()
		if e.Registry != nil {
			e.Registry.RecordParseError()
		}
		return
	}

	start := time.Now()

	up := e.Pool.Next()
	upGate := e.Limits.UpstreamGate(up)
	if err := upGate.Acquire(ctx); err != nil {
		return
	}
	defer upGate.Release()

	cb := e.Breakers.Get(up.Key())

	var status int
	var bytesSent int64

	bw := bufio.NewWriter(conn)
	cbErr := cb.Execute(ctx, func(cctx context.Context) error {
		s, n, ferr := e.forward(cctx, req, up, traceID, bw)
		status, bytesSent = s, n
		return ferr
	})

	if cbErr != nil {
		e.recordFailure(up, cbErr)
		if status == 0 {
			writeErrorResponse(bw, req.Version, cbErr)
		}
		return
	}

	elapsed := time.Since(start)
	e.Metrics.RecordRequestDone(status, elapsed, up.Key(), bytesSent)
	if e.Registry != nil {
		e.Registry.RecordRequestDone(status, elapsed.Seconds(), up.Key(), bytesSent)
	}
}

// forward performs §4.6 step 7's connect/write/read-loop/flush sequence
// against a single upstream, already inside the breaker's per-call
// timeout. It returns the status code observed (0 if none was read), the
// number of response bytes forwarded to the client, and an error.
//
// ctx already carries an absolute deadline by the time forward runs — the
// total timeout set in HandleConn, tightened further by the breaker's
// per-call timeout — but net.Conn's Read/Write do not look at ctx at all.
// So forward sets a real SetWriteDeadline/SetReadDeadline on conn before
// every blocking call, bounded by whichever of "one phase's duration" or
// "ctx's own deadline" is sooner (boundedDeadline). A deadline that fires
// makes the blocking call return immediately with a timeout error, and the
// deferred conn.Close() below then actually releases the socket — unlike
// racing a goroutine against cctx.Done(), which only abandons the
// goroutine and leaves the real connection running.
func (e *Engine) forward(ctx context.Context, req *httpproxy.Request, up upstream.Upstream, traceID string, clientW *bufio.Writer) (int, int64, error) {
	var status int
	var bytesSent int64

	conn, cerr := timeouts.WithConnect(ctx, e.Timeouts, "dial "+up.Addr(), func(dctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(dctx, "tcp", up.Addr())
	})
	if cerr != nil {
		return 0, 0, classifyConnectErr(cerr)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(boundedDeadline(ctx, e.Timeouts.Write())); err != nil {
		return 0, 0, proxyerr.New(proxyerr.KindWriteError, "set write deadline", err)
	}
	upW := bufio.NewWriter(conn)
	if _, werr := httpproxy.WriteToUpstream(upW, req, traceID); werr != nil {
		return 0, 0, classifyIOErr(ctx, werr, proxyerr.KindWriteTimeout, proxyerr.KindWriteError, "write upstream")
	}

	upR := bufio.NewReaderSize(conn, chunkSize)
	buf := make([]byte, chunkSize)
	firstChunk := true

	for {
		if err := conn.SetReadDeadline(boundedDeadline(ctx, e.Timeouts.Read())); err != nil {
			return status, bytesSent, proxyerr.New(proxyerr.KindReadTimeout, "set read deadline", err)
		}

		n, rerr := upR.Read(buf)
		if n > 0 {
			if firstChunk {
				status = httpproxy.StatusFromFirstChunk(buf[:n])
				firstChunk = false
			}
			nw, cwerr := clientW.Write(buf[:n])
			bytesSent += int64(nw)
			if cwerr != nil {
				return status, bytesSent, proxyerr.New(proxyerr.KindClient, "write client", cwerr)
			}
			if ferr := clientW.Flush(); ferr != nil {
				return status, bytesSent, proxyerr.New(proxyerr.KindClient, "flush client", ferr)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return status, bytesSent, classifyIOErr(ctx, rerr, proxyerr.KindReadTimeout, proxyerr.KindNetwork, "read upstream")
		}
	}

	if err := clientW.Flush(); err != nil {
		return status, bytesSent, proxyerr.New(proxyerr.KindClient, "flush client", err)
	}
	return status, bytesSent, nil
}

// boundedDeadline returns the earlier of "phase duration from now" and
// ctx's own deadline, so a per-phase SetDeadline call can never grant more
// time than the caller (HandleConn's total timeout, tightened by the
// breaker's per-call timeout) has already committed to.
func boundedDeadline(ctx context.Context, phase time.Duration) time.Time {
	d := time.Now().Add(phase)
	if total, ok := ctx.Deadline(); ok && total.Before(d) {
		return total
	}
	return d
}

// classifyIOErr turns a raw net.Conn Read/Write error into a classified
// *proxyerr.Error: an already-classified error passes through unchanged; a
// deadline-exceeded net.Error becomes phaseKind, or KindTotalTimeout if
// ctx's own deadline (not just this phase's slice of it) has elapsed;
// anything else becomes otherKind.
func classifyIOErr(ctx context.Context, err error, phaseKind, otherKind proxyerr.Kind, op string) error {
	var pe *proxyerr.Error
	if errors.As(err, &pe) {
		return pe
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if total, ok := ctx.Deadline(); ok && !time.Now().Before(total) {
			return proxyerr.New(proxyerr.KindTotalTimeout, "read upstream", err)
		}
		return proxyerr.New(phaseKind, op, err)
	}
	return proxyerr.New(otherKind, op, err)
}

// recordFailure classifies err and records the appropriate metrics,
// mirroring the reference's record_upstream_error/record_timeout_error
// calls.
func (e *Engine) recordFailure(up upstream.Upstream, err error) {
	kind := proxyerr.KindOf(err)
	if proxyerr.IsTimeout(err) {
		phase := timeoutPhase(kind)
		e.Metrics.RecordTimeoutError(phase)
		if e.Registry != nil {
			e.Registry.RecordTimeoutError(phase)
		}
	}
	errType := upstreamErrorType(kind)
	e.Metrics.RecordUpstreamError(up.Key(), errType)
	if e.Registry != nil {
		e.Registry.RecordUpstreamError(up.Key(), errType)
	}
}

func timeoutPhase(k proxyerr.Kind) string {
	switch k {
	case proxyerr.KindConnectTimeout:
		return "connect"
	case proxyerr.KindReadTimeout:
		return "read"
	case proxyerr.KindWriteTimeout:
		return "write"
	default:
		return "total"
	}
}

func upstreamErrorType(k proxyerr.Kind) string {
	switch k {
	case proxyerr.KindConnectionRefused:
		return "connection_refused"
	case proxyerr.KindConnectTimeout, proxyerr.KindReadTimeout, proxyerr.KindWriteTimeout, proxyerr.KindTotalTimeout:
		return "timeout"
	case proxyerr.KindCircuitOpen:
		return "circuit"
	default:
		return "other"
	}
}

func classifyConnectErr(err error) error {
	if pe, ok := err.(*proxyerr.Error); ok {
		return pe
	}
	if isRefused(err) {
		return proxyerr.New(proxyerr.KindConnectionRefused, "dial", err)
	}
	return proxyerr.New(proxyerr.KindNetwork, "dial", err)
}

func isRefused(err error) bool {
	var opErr *net.OpError
	for e := err; e != nil; e = unwrap(e) {
		if oe, ok := e.(*net.OpError); ok {
			opErr = oe
			break
		}
	}
	if opErr == nil {
		return false
	}
	return opErr.Op == "dial"
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// writeErrorResponse emits the spec-mandated 502/504 diagnostic response,
// only called when no upstream byte has yet reached the client.
func writeErrorResponse(w *bufio.Writer, version string, err error) {
	if version == "" {
		version = "HTTP/1.1"
	}
	status := proxyerr.StatusBeforeFirstByte(err)
	reason := "Bad Gateway"
	body := fmt.Sprintf("Upstream error: %v", err)
	if status == 504 {
		reason = "Gateway Timeout"
		body = fmt.Sprintf("Upstream timeout: %v", err)
	} else if proxyerr.KindOf(err) == proxyerr.KindConnectionRefused {
		body = fmt.Sprintf("Upstream unavailable: %v", err)
	}
	fmt.Fprintf(w, "%s %d %s\r\n", version, status, reason)
	fmt.Fprintf(w, "Content-Type: text/plain\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	w.Flush()
}
