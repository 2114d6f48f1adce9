// Package upstream holds the static, ordered pool of upstream backends and
// hands them out in round-robin order.
package upstream

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
)

// Upstream is a single backend endpoint. It is a value type; two Upstreams
// with the same Host and Port are equal and interchangeable, and an
// Upstream is never mutated once placed in a Pool.
type Upstream struct {
	Host string
	Port int
}

// Addr renders the upstream as a dial-able "host:port" string.
func (u Upstream) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u Upstream) String() string { return u.Addr() }

// Key identifies an upstream for the limit manager and the circuit breaker
// manager's lazy maps. It is just the dial address, since identity is
// defined by (host, port).
func (u Upstream) Key() string { return u.Addr() }

// Pool is a fixed-size, ordered set of upstreams handed out round-robin.
// It never grows or shrinks after construction.
type Pool struct {
	upstreams []Upstream
	cursor    atomic.Uint64
}

// NewPool builds a Pool from a non-empty list of upstreams.
func NewPool(upstreams []Upstream) (*Pool, error) {
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("upstream pool: at least one upstream is required")
	}
	cp := make([]Upstream, len(upstreams))
	copy(cp, upstreams)
	return &Pool{upstreams: cp}, nil
}

// Next returns the next upstream in round-robin order and atomically
// advances the cursor. Over any window of k*len(pool) calls, each upstream
// is returned exactly k times.
func (p *Pool) Next() Upstream {
	n := uint64(len(p.upstreams))
	idx := p.cursor.Add(1) - 1
	return p.upstreams[idx%n]
}

// Len reports the number of upstreams in the pool.
func (p *Pool) Len() int { return len(p.upstreams) }

// All returns a copy of the upstream list, in pool order.
func (p *Pool) All() []Upstream {
	cp := make([]Upstream, len(p.upstreams))
	copy(cp, p.upstreams)
	return cp
}
