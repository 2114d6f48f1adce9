// Package timeouts implements the proxy's per-phase deadline policy:
// connect, read (per chunk), write, and a total deadline wrapping the
// whole proxy-to-upstream activity.
package timeouts

import (
	"context"
	"time"

	"github.com/Polqt/meshproxy/proxyerr"
)

// Policy holds the four phase timeouts, in milliseconds, exactly as
// configured. A Policy is a value and is never mutated after construction.
type Policy struct {
	ConnectMS int
	ReadMS    int
	WriteMS   int
	TotalMS   int
}

// Default matches the reference proxy's defaults.
func Default() Policy {
	return Policy{ConnectMS: 1000, ReadMS: 15000, WriteMS: 15000, TotalMS: 30000}
}

func (p Policy) Connect() time.Duration { return time.Duration(p.ConnectMS) * time.Millisecond }
func (p Policy) Read() time.Duration    { return time.Duration(p.ReadMS) * time.Millisecond }
func (p Policy) Write() time.Duration   { return time.Duration(p.WriteMS) * time.Millisecond }
func (p Policy) Total() time.Duration   { return time.Duration(p.TotalMS) * time.Millisecond }

// wrap runs fn under a deadline derived from ctx and d. If fn does not
// return before the deadline, wrap cancels fn's context and returns a
// *proxyerr.Error of the given kind. fn must respect ctx cancellation for
// the underlying operation to actually stop.
func wrap[T any](ctx context.Context, d time.Duration, kind proxyerr.Kind, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-cctx.Done():
		return zero, proxyerr.New(kind, op, cctx.Err())
	}
}

// WithConnect wraps the TCP establishment to one upstream. It is a free
// function, not a method, because Go methods cannot carry their own type
// parameters.
func WithConnect[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	return wrap(ctx, p.Connect(), proxyerr.KindConnectTimeout, op, fn)
}

// WithWrite wraps "write start line + headers + body" to a single upstream.
func (p Policy) WithWrite(ctx context.Context, op string, fn func(context.Context) (int64, error)) (int64, error) {
	return wrap(ctx, p.Write(), proxyerr.KindWriteTimeout, op, fn)
}

// WithRead wraps one chunked read from a single upstream.
func (p Policy) WithRead(ctx context.Context, op string, fn func(context.Context) (int, error)) (int, error) {
	return wrap(ctx, p.Read(), proxyerr.KindReadTimeout, op, fn)
}

// WithTotal wraps the whole proxy-to-upstream activity: connect + write +
// read-loop + flush.
func (p Policy) WithTotal(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := wrap(ctx, p.Total(), proxyerr.KindTotalTimeout, op, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}
