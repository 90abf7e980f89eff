package debugger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rwmem/rwmem/pkg/logflags"
	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/native"
	"github.com/rwmem/rwmem/pkg/proc/sim"
	"github.com/rwmem/rwmem/pkg/proc/watch"
)

// Debugger service.
//
// Debugger provides a higher level of abstraction over the proc and watch
// packages. It keeps the process handles opened by clients, sizes region
// listings and owns the breakpoint controller.
type Debugger struct {
	config *Config
	log    logflags.Logger

	backend  proc.Backend
	engine   *proc.Engine
	enum     *proc.Enumerator
	ctrl     *watch.Controller
	watchErr error

	processMutex sync.Mutex
	processes    map[int]*proc.Process
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// Backend selects the address space backend, "native" or "sim".
	Backend string

	// Force makes memory commands bypass page protections by default.
	Force bool

	// MapSlack is the number of records reserved above the region count
	// when listing regions.
	MapSlack int

	// MaxNameLength bounds the backing names of listed regions.
	MaxNameLength int

	// ResidencyChunkPages bounds a single residency query. Zero selects the
	// default.
	ResidencyChunkPages int
}

// ErrUnknownBackend is returned by New for unsupported backend names.
var ErrUnknownBackend = errors.New("unknown backend")

// New creates a new Debugger for the backend named in config.
func New(config *Config) (*Debugger, error) {
	switch config.Backend {
	case "", "default", "native":
		fac, err := native.NewFacility()
		d := NewWithBackend(config, native.NewBackend(), fac)
		if err != nil {
			d.watchErr = err
		}
		return d, nil
	case "sim":
		b := sim.NewBackend()
		return NewWithBackend(config, b, sim.NewFacility(b)), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownBackend, config.Backend)
}

// NewWithBackend creates a Debugger over an explicit backend and watchpoint
// facility. fac may be nil.
func NewWithBackend(config *Config, b proc.Backend, fac watch.Facility) *Debugger {
	d := &Debugger{
		config:    config,
		log:       logflags.DebuggerLogger(),
		backend:   b,
		engine:    proc.NewEngine(nil),
		enum:      proc.NewEnumerator(),
		processes: make(map[int]*proc.Process),
	}
	if config.MaxNameLength > 0 {
		d.enum.MaxNameLength = config.MaxNameLength
	}
	if config.ResidencyChunkPages > 0 {
		d.enum.ChunkPages = config.ResidencyChunkPages
	}
	if fac != nil {
		d.ctrl = watch.NewController(fac, watch.NewStepRegistry())
	} else {
		d.watchErr = errors.New("no hardware watchpoint facility")
	}
	d.log.Debugf("using backend %s", b.Name())
	return d
}

// Backend returns the name of the backend in use.
func (d *Debugger) Backend() string {
	return d.backend.Name()
}

// Force returns the default of the force flag of memory commands.
func (d *Debugger) Force() bool {
	return d.config.Force
}

// Process returns the handle of pid, opening it on first use. Handles of
// processes that have gone away are reopened.
func (d *Debugger) Process(pid int) (*proc.Process, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if p := d.processes[pid]; p != nil {
		if p.Valid() == nil {
			return p, nil
		}
		delete(d.processes, pid)
	}
	p, err := proc.Open(d.backend, pid)
	if err != nil {
		return nil, err
	}
	d.log.Infof("opened process %d", pid)
	d.processes[pid] = p
	return p, nil
}

// forget drops the handle of a process that no longer exists.
func (d *Debugger) forget(pid int, err error) {
	if !errors.Is(err, proc.ErrProcessNotFound) {
		return
	}
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if p := d.processes[pid]; p != nil {
		p.Close()
		delete(d.processes, pid)
	}
}

// ReadMemory reads up to n bytes at addr. The returned slice is shorter
// than n if the read stopped at an unreadable page.
func (d *Debugger) ReadMemory(pid int, addr uint64, n int, force bool) ([]byte, error) {
	p, err := d.Process(pid)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := d.engine.Read(p, addr, buf, n, force)
	if err != nil {
		d.forget(pid, err)
		return buf[:got], err
	}
	return buf[:got], nil
}

// WriteMemory writes data at addr and returns the number of bytes written.
func (d *Debugger) WriteMemory(pid int, addr uint64, data []byte, force bool) (int, error) {
	p, err := d.Process(pid)
	if err != nil {
		return 0, err
	}
	n, err := d.engine.Write(p, addr, data, len(data), force)
	d.forget(pid, err)
	return n, err
}

// RegionCount returns the current number of mappings of pid.
func (d *Debugger) RegionCount(pid int) (int, error) {
	p, err := d.Process(pid)
	if err != nil {
		return 0, err
	}
	n, err := d.enum.Count(p)
	d.forget(pid, err)
	return n, err
}

// Regions lists the regions of pid. The listing is sized to the current
// region count plus the configured slack; if the process gained mappings
// in the meantime the result is marked incomplete.
func (d *Debugger) Regions(pid int, residentOnly bool) (*proc.EnumerationResult, error) {
	n, err := d.RegionCount(pid)
	if err != nil {
		return nil, err
	}
	p, err := d.Process(pid)
	if err != nil {
		return nil, err
	}
	res, err := d.enum.Enumerate(p, n+d.config.MapSlack, residentOnly)
	d.forget(pid, err)
	return res, err
}

// NameLength returns the size of the name field of encoded regions.
func (d *Debugger) NameLength() int {
	return d.enum.MaxNameLength
}

// Residency returns the residency bitmap of [start, end) of pid.
func (d *Debugger) Residency(pid int, start, end uint64) (*proc.ResidencyBitmap, error) {
	p, err := d.Process(pid)
	if err != nil {
		return nil, err
	}
	bm, err := proc.QueryResidency(p, start, end)
	d.forget(pid, err)
	return bm, err
}

// Watch returns the breakpoint controller, or an error if the host has no
// usable hardware watchpoint facility.
func (d *Debugger) Watch() (*watch.Controller, error) {
	if d.ctrl == nil {
		return nil, d.watchErr
	}
	return d.ctrl, nil
}

// Detach removes every watchpoint and closes every process handle.
func (d *Debugger) Detach() error {
	var err error
	if d.ctrl != nil {
		err = d.ctrl.CloseAll()
	}
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	for pid, p := range d.processes {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(d.processes, pid)
	}
	return err
}
