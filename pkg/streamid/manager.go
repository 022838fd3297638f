// Package streamid allocates and tracks the stream ids a Transport
// multiplexes frames over: odd ids for the caller role, even ids for the
// responder role, per spec section 4.2.
package streamid

import (
	"sync"

	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
)

// MaxStreamID is the largest allocatable id; allocating past it fails with
// STREAM_EXHAUSTED and the transport must be re-established.
const MaxStreamID = (1 << 31) - 1

// Role picks the parity of ids a Manager allocates.
type Role int

const (
	Caller Role = iota
	Responder
)

// Manager hands out unique, never-reused stream ids for one transport's
// lifetime and tracks which are still active.
type Manager struct {
	mu     sync.Mutex
	next   uint32
	active map[uint32]struct{}
}

// New builds a Manager for role. Caller ids start at 1, responder ids at 2;
// both step by 2.
func New(role Role) *Manager {
	start := uint32(2)
	if role == Caller {
		start = 1
	}
	return &Manager{next: start, active: make(map[uint32]struct{})}
}

// Allocate reserves and returns the next id for this role.
func (m *Manager) Allocate() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next > MaxStreamID {
		return 0, rpcerr.StreamExhausted()
	}
	id := m.next
	m.next += 2
	m.active[id] = struct{}{}
	return id, nil
}

// Observe records an id created by the remote peer as active, without
// consuming this Manager's own counter. Responders call this for ids they
// did not allocate themselves (caller-opened streams).
func (m *Manager) Observe(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = struct{}{}
}

// Release retires id. It is idempotent: the second call for the same id
// returns false and has no further effect; a released id is never reused.
func (m *Manager) Release(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; !ok {
		return false
	}
	delete(m.active, id)
	return true
}

// IsActive reports whether id is currently allocated and unreleased.
func (m *Manager) IsActive(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// ActiveCount returns the number of currently active ids.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Reset clears all active ids and rewinds the counter to its starting
// value. It does not un-release ids already observed by a peer; it is
// meant for re-using a Manager against a brand new transport.
func (m *Manager) Reset(role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := uint32(2)
	if role == Caller {
		start = 1
	}
	m.next = start
	m.active = make(map[uint32]struct{})
}
