// Package limits implements the proxy's two-level admission control: a
// global ceiling on concurrent client connections and a per-upstream
// ceiling on concurrent upstream connections, both built from counting
// semaphores.
package limits

import (
	"context"
	"sync"

	"github.com/Polqt/meshproxy/upstream"
)

// Semaphore is a counting semaphore backed by a buffered channel, matching
// the teacher's prefilled connSem chan struct{} pattern.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore of the given capacity, fully available.
func NewSemaphore(capacity int) *Semaphore {
	s := &Semaphore{slots: make(chan struct{}, capacity)}
	for i := 0; i < capacity; i++ {
		s.slots <- struct{}{}
	}
	return s
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the pool. Calling Release without a matching
// Acquire is a caller bug: when every slot is already free, Release blocks
// until some other caller acquires one, since the semaphore never holds
// more than its capacity.
func (s *Semaphore) Release() {
	s.slots <- struct{}{}
}

// InFlight reports the number of slots currently checked out.
func (s *Semaphore) InFlight() int {
	return cap(s.slots) - len(s.slots)
}

// Manager owns the global client gate and the lazily-created per-upstream
// gates. A given upstream always maps to the same semaphore for the
// lifetime of the manager; semaphores are never recreated or resized.
type Manager struct {
	clientGate *Semaphore

	mu             sync.Mutex
	perUpstream    map[string]*Semaphore
	maxPerUpstream int
}

// NewManager builds a Manager with the given global and per-upstream
// capacities.
func NewManager(maxClientConns, maxConnsPerUpstream int) *Manager {
	return &Manager{
		clientGate:     NewSemaphore(maxClientConns),
		perUpstream:    make(map[string]*Semaphore),
		maxPerUpstream: maxConnsPerUpstream,
	}
}

// ClientGate returns the global counting semaphore gating client
// connections.
func (m *Manager) ClientGate() *Semaphore { return m.clientGate }

// UpstreamGate returns the per-upstream semaphore for u, creating it under
// a lock on first use. Subsequent calls for the same upstream return the
// same semaphore instance.
func (m *Manager) UpstreamGate(u upstream.Upstream) *Semaphore {
	key := u.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if sem, ok := m.perUpstream[key]; ok {
		return sem
	}
	sem := NewSemaphore(m.maxPerUpstream)
	m.perUpstream[key] = sem
	return sem
}
