package proc

import (
	"fmt"
	"sync"
)

// Process is a handle to a target process. It stays valid until Close is
// called or the process disappears.
type Process struct {
	pid     int
	backend string

	mu     sync.RWMutex
	space  AddressSpace
	closed bool
}

// Open returns a handle to pid obtained through b.
func Open(b Backend, pid int) (*Process, error) {
	if b == nil {
		return nil, invalidArgf("nil backend")
	}
	if pid <= 0 {
		return nil, invalidArgf("pid %d", pid)
	}
	space, err := b.Open(pid)
	if err != nil {
		return nil, fmt.Errorf("could not open process %d: %w", pid, err)
	}
	return &Process{pid: pid, backend: b.Name(), space: space}, nil
}

// NewProcess wraps an already opened address space.
func NewProcess(pid int, space AddressSpace) *Process {
	return &Process{pid: pid, backend: "custom", space: space}
}

// Pid returns the process id of the target.
func (p *Process) Pid() int {
	return p.pid
}

// Backend returns the name of the backend that opened the handle.
func (p *Process) Backend() string {
	return p.backend
}

// Valid returns nil if the handle can still be used.
func (p *Process) Valid() error {
	_, err := p.addressSpace()
	return err
}

// Close invalidates the handle. Further calls return ErrStaleHandle.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.space.Close()
}

func (p *Process) addressSpace() (AddressSpace, error) {
	if p == nil {
		return nil, invalidArgf("nil process handle")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("process %d: %w", p.pid, ErrStaleHandle)
	}
	return p.space, nil
}
