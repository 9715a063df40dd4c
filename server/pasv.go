package server

import (
	"fmt"
	"sync"
)

// PortAllocator hands out passive-mode ports from a fixed range. It is
// shared by every session of a server. The zero range (0, 0) means the
// operating system picks a port for each listener and nothing is tracked.
type PortAllocator struct {
	min, max int

	mu    sync.Mutex
	inUse map[int]struct{}
	next  int
}

// NewPortAllocator returns an allocator for ports min..max inclusive.
func NewPortAllocator(min, max int) (*PortAllocator, error) {
	if min == 0 && max == 0 {
		return &PortAllocator{}, nil
	}
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid passive port range %d-%d", min, max)
	}
	return &PortAllocator{
		min:   min,
		max:   max,
		inUse: make(map[int]struct{}),
		next:  min,
	}, nil
}

// Ephemeral reports whether ports come from the operating system.
func (a *PortAllocator) Ephemeral() bool {
	return a.min == 0
}

// Size returns the number of ports in the range, 0 when ephemeral.
func (a *PortAllocator) Size() int {
	if a.Ephemeral() {
		return 0
	}
	return a.max - a.min + 1
}

// Acquire reserves a free port. Ports are handed out round-robin so a
// just-released port is the last to be reused. It returns 0 when ephemeral
// and ErrNoPortsAvailable when the range is exhausted.
func (a *PortAllocator) Acquire() (int, error) {
	if a.Ephemeral() {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for range a.Size() {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if _, busy := a.inUse[port]; !busy {
			a.inUse[port] = struct{}{}
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// Release returns port to the pool. It reports false if the port was not
// reserved, which indicates a double release.
func (a *PortAllocator) Release(port int) bool {
	if a.Ephemeral() || port == 0 {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.inUse[port]; !ok {
		return false
	}
	delete(a.inUse, port)
	return true
}

// InUse returns how many ports are currently reserved.
func (a *PortAllocator) InUse() int {
	if a.Ephemeral() {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
