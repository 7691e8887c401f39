// Package device holds the compute placement and memory lifecycle state a
// client establishes once at construction. Accelerator memory is a hard,
// shared resource: the Manager accounts every batch buffer against a ceiling
// and Cleanup reclaims the recycle cache between units of work so a
// long-running client cannot grow without bound across rounds.
package device

import (
	"fmt"
	"runtime"
	"sync"
)

// Kind selects the compute device. Only cpu executes natively today; cuda is
// accepted so configs stay portable across deployments.
type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

// ParseKind validates a configured device name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case CPU, CUDA:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown device kind %q", s)
	}
}

// Context couples the selected device with its memory manager. One context
// is built per client and shared for the process lifetime.
type Context struct {
	Kind Kind
	Mem  *Manager
}

// NewContext builds a context from configured values.
func NewContext(kind string, budget uint64, fraction float64) (*Context, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}
	return &Context{Kind: k, Mem: NewManager(budget, fraction)}, nil
}

// Cleanup reclaims cached device memory and triggers host garbage
// collection.
func (c *Context) Cleanup() { c.Mem.Cleanup() }

// DefaultFraction is the share of the device budget a single client may
// hold, leaving the remainder for co-located processes.
const DefaultFraction = 0.4

const bytesPerValue = 8 // float64

// Manager enforces the memory ceiling and recycles batch buffers. All
// methods are safe for concurrent use by prefetch workers.
type Manager struct {
	mu      sync.Mutex
	ceiling uint64
	inUse   uint64
	cached  uint64
	free    map[int][][]float64
}

// NewManager derives the ceiling as budget*fraction. Out-of-range fractions
// fall back to DefaultFraction.
func NewManager(budget uint64, fraction float64) *Manager {
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultFraction
	}
	return &Manager{
		ceiling: uint64(float64(budget) * fraction),
		free:    make(map[int][][]float64),
	}
}

// Alloc returns a zeroed slice of n values, reusing a cached buffer of the
// same size when one is parked. Fresh allocations that would push the total
// footprint past the ceiling fail with ResourceExhaustedError; callers are
// expected to Cleanup and retry once before giving up.
func (m *Manager) Alloc(n int) ([]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("alloc of %d values", n)
	}
	size := uint64(n) * bytesPerValue

	m.mu.Lock()
	defer m.mu.Unlock()

	if list := m.free[n]; len(list) > 0 {
		buf := list[len(list)-1]
		m.free[n] = list[:len(list)-1]
		m.cached -= size
		m.inUse += size
		for i := range buf {
			buf[i] = 0
		}
		return buf, nil
	}

	if m.inUse+m.cached+size > m.ceiling {
		return nil, &ResourceExhaustedError{Requested: size, InUse: m.inUse + m.cached, Ceiling: m.ceiling}
	}
	m.inUse += size
	return make([]float64, n), nil
}

// Release parks a buffer obtained from Alloc for reuse. The bytes stay
// accounted to the cache tier until Cleanup drops them.
func (m *Manager) Release(buf []float64) {
	if buf == nil {
		return
	}
	size := uint64(len(buf)) * bytesPerValue

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inUse >= size {
		m.inUse -= size
	} else {
		m.inUse = 0
	}
	m.cached += size
	m.free[len(buf)] = append(m.free[len(buf)], buf)
}

// Cleanup drops every cached buffer and triggers host garbage collection.
// Invoked after each training epoch and after each evaluation batch.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	m.free = make(map[int][][]float64)
	m.cached = 0
	m.mu.Unlock()

	runtime.GC()
}

// InUse reports bytes currently held by callers.
func (m *Manager) InUse() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

// Cached reports bytes parked in the recycle cache.
func (m *Manager) Cached() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached
}

// Ceiling reports the enforced byte ceiling.
func (m *Manager) Ceiling() uint64 { return m.ceiling }
