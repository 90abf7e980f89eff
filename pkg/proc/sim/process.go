// Package sim implements the address space and watchpoint interfaces of
// package proc on a deterministic in-memory process model.
package sim

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/watch"
)

// PageSize is the page size of simulated processes.
const PageSize = 4096

type page struct {
	frame uint64
	perm  proc.Perm
	data  []byte
}

// Process is a simulated process. Mappings and resident pages are indexed by
// address in immutable radix trees so that readers work on snapshots.
type Process struct {
	pid     int
	backend *Backend

	mu     sync.RWMutex
	vmas   *iradix.Tree // start -> *proc.VMA
	pages  *iradix.Tree // page address -> *page
	layout proc.Layout
	dead   bool
	tasks  map[int]*Task

	nextFrame uint64
}

func key(addr uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], addr)
	return k[:]
}

func pageBase(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.pid
}

// Map adds a mapping of size bytes at start. Pages are not resident until
// Populate is called or a task touches them.
func (p *Process) Map(start, size uint64, perm proc.Perm, path string, shared bool) error {
	if start%PageSize != 0 || size == 0 || size%PageSize != 0 || start+size < start {
		return fmt.Errorf("%w: mapping %#x+%#x", proc.ErrInvalidArgument, start, size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	end := start + size
	overlap := false
	p.vmas.Root().Walk(func(_ []byte, v interface{}) bool {
		vma := v.(*proc.VMA)
		if vma.Start < end && start < vma.End {
			overlap = true
		}
		return overlap || vma.Start >= end
	})
	if overlap {
		return fmt.Errorf("%w: mapping %#x-%#x overlaps an existing one", proc.ErrInvalidArgument, start, end)
	}
	p.vmas, _, _ = p.vmas.Insert(key(start), &proc.VMA{Start: start, End: end, Perm: perm, Shared: shared, Path: path})
	return nil
}

// Unmap removes the mapping starting at start and its resident pages.
func (p *Process) Unmap(start uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vmas.Get(key(start))
	if !ok {
		return fmt.Errorf("%w: no mapping at %#x", proc.ErrNotMapped, start)
	}
	vma := v.(*proc.VMA)
	p.vmas, _, _ = p.vmas.Delete(key(start))
	p.evictLocked(vma.Start, vma.End)
	return nil
}

func (p *Process) vmaLocked(addr uint64) *proc.VMA {
	var found *proc.VMA
	p.vmas.Root().Walk(func(_ []byte, v interface{}) bool {
		vma := v.(*proc.VMA)
		if vma.Start > addr {
			return true
		}
		if addr < vma.End {
			found = vma
			return true
		}
		return false
	})
	return found
}

// Populate makes every page of [start, start+size) that lies in a mapping
// resident, with the protection of its mapping.
func (p *Process) Populate(start, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn := p.pages.Txn()
	for addr := pageBase(start); addr < start+size; addr += PageSize {
		if _, ok := txn.Get(key(addr)); ok {
			continue
		}
		if vma := p.vmaLocked(addr); vma != nil {
			txn.Insert(key(addr), p.newPageLocked(vma.Perm))
		}
	}
	p.pages = txn.Commit()
}

func (p *Process) newPageLocked(perm proc.Perm) *page {
	p.nextFrame++
	return &page{frame: p.nextFrame, perm: perm, data: make([]byte, PageSize)}
}

// Evict drops the resident pages of [start, start+size).
func (p *Process) Evict(start, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked(start, start+size)
}

func (p *Process) evictLocked(start, end uint64) {
	txn := p.pages.Txn()
	for addr := pageBase(start); addr < end; addr += PageSize {
		txn.Delete(key(addr))
	}
	p.pages = txn.Commit()
}

// SetLayout sets the addresses used to label anonymous mappings.
func (p *Process) SetLayout(l proc.Layout) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.layout = l
}

// PagePerm returns the current protection of the resident page containing
// addr.
func (p *Process) PagePerm(addr uint64) (proc.Perm, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.pages.Get(key(pageBase(addr)))
	if !ok {
		return 0, false
	}
	return v.(*page).perm, true
}

// Poke writes b at addr ignoring protections, populating pages as needed.
func (p *Process) Poke(addr uint64, b []byte) error {
	return p.access(addr, b, true, true)
}

// Peek reads n bytes at addr ignoring protections.
func (p *Process) Peek(addr uint64, n int) ([]byte, error) {
	b := make([]byte, n)
	return b, p.access(addr, b, false, false)
}

// access copies between b and the process memory. Missing pages inside a
// mapping are populated if fault is set.
func (p *Process) access(addr uint64, b []byte, write, fault bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return proc.ErrProcessNotFound
	}
	for done := 0; done < len(b); {
		a := addr + uint64(done)
		v, ok := p.pages.Get(key(pageBase(a)))
		if !ok {
			vma := p.vmaLocked(a)
			if vma == nil || !fault {
				return fmt.Errorf("%#x: %w", a, proc.ErrNotMapped)
			}
			pg := p.newPageLocked(vma.Perm)
			p.pages, _, _ = p.pages.Insert(key(pageBase(a)), pg)
			v = pg
		}
		pg := v.(*page)
		off := a - pageBase(a)
		var n int
		if write {
			n = copy(pg.data[off:], b[done:])
		} else {
			n = copy(b[done:], pg.data[off:])
		}
		done += n
	}
	return nil
}

// Kill terminates the process. Every later access returns
// proc.ErrProcessNotFound.
func (p *Process) Kill() {
	p.mu.Lock()
	p.dead = true
	tasks := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()
	for _, t := range tasks {
		t.exit()
	}
}

// Task returns the thread tid of the process.
func (p *Process) Task(tid int) *Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tasks[tid]
}

// AddTask creates a new thread.
func (p *Process) AddTask(tid int) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := newTask(tid, p)
	p.tasks[tid] = t
	return t
}

// space is an opened view of a Process.
type space struct {
	p      *Process
	mu     sync.Mutex
	closed bool
}

func (s *space) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return proc.ErrStaleHandle
	}
	return nil
}

func (s *space) PageSize() uint64 {
	return PageSize
}

func (s *space) Translate(vaddr uint64) (proc.PageTranslation, error) {
	if err := s.check(); err != nil {
		return proc.PageTranslation{}, err
	}
	p := s.p
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dead {
		return proc.PageTranslation{}, proc.ErrProcessNotFound
	}
	v, ok := p.pages.Get(key(pageBase(vaddr)))
	if !ok {
		return proc.PageTranslation{}, fmt.Errorf("%#x: %w", vaddr, proc.ErrNotMapped)
	}
	pg := v.(*page)
	return proc.PageTranslation{Virtual: pageBase(vaddr), Physical: pg.frame * PageSize, Perm: pg.perm}, nil
}

func (s *space) SetPermission(vaddr uint64, perm proc.Perm, on bool) error {
	if err := s.check(); err != nil {
		return err
	}
	p := s.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return proc.ErrProcessNotFound
	}
	v, ok := p.pages.Get(key(pageBase(vaddr)))
	if !ok {
		return fmt.Errorf("%#x: %w", vaddr, proc.ErrNotMapped)
	}
	pg := v.(*page)
	if on {
		pg.perm |= perm
	} else {
		pg.perm &^= perm
	}
	return nil
}

func (s *space) Copy(tr proc.PageTranslation, off uint64, buf []byte, dir proc.Direction) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if off+uint64(len(buf)) > PageSize {
		return 0, fmt.Errorf("%w: copy of %d bytes at page offset %d", proc.ErrInvalidArgument, len(buf), off)
	}
	p := s.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return 0, proc.ErrProcessNotFound
	}
	v, ok := p.pages.Get(key(tr.Virtual))
	if !ok || v.(*page).frame*PageSize != tr.Physical {
		return 0, fmt.Errorf("%#x: %w", tr.Virtual, proc.ErrNotMapped)
	}
	data := v.(*page).data[off:]
	if dir == proc.Write {
		return copy(data, buf), nil
	}
	return copy(buf, data), nil
}

func (s *space) VMAs() ([]proc.VMA, proc.Layout, error) {
	if err := s.check(); err != nil {
		return nil, proc.Layout{}, err
	}
	p := s.p
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dead {
		return nil, proc.Layout{}, proc.ErrProcessNotFound
	}
	r := make([]proc.VMA, 0, p.vmas.Len())
	p.vmas.Root().Walk(func(_ []byte, v interface{}) bool {
		r = append(r, *v.(*proc.VMA))
		return false
	})
	sort.Slice(r, func(i, j int) bool { return r[i].Start < r[j].Start })
	return r, p.layout, nil
}

func (s *space) MapCount() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	if s.p.dead {
		return 0, proc.ErrProcessNotFound
	}
	return s.p.vmas.Len(), nil
}

func (s *space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Backend is a set of simulated processes.
type Backend struct {
	mu    sync.Mutex
	procs map[int]*Process
}

// NewBackend returns an empty backend.
func NewBackend() *Backend {
	return &Backend{procs: make(map[int]*Process)}
}

// Name implements proc.Backend.
func (b *Backend) Name() string {
	return "sim"
}

// NewProcess creates a process with a single thread whose id is pid.
func (b *Backend) NewProcess(pid int) *Process {
	p := &Process{pid: pid, backend: b, vmas: iradix.New(), pages: iradix.New(), tasks: make(map[int]*Task)}
	p.tasks[pid] = newTask(pid, p)
	b.mu.Lock()
	b.procs[pid] = p
	b.mu.Unlock()
	return p
}

// Process returns the process with the given pid.
func (b *Backend) Process(pid int) (*Process, error) {
	b.mu.Lock()
	p := b.procs[pid]
	b.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("pid %d: %w", pid, proc.ErrProcessNotFound)
	}
	p.mu.RLock()
	dead := p.dead
	p.mu.RUnlock()
	if dead {
		return nil, fmt.Errorf("pid %d: %w", pid, proc.ErrProcessNotFound)
	}
	return p, nil
}

// Open implements proc.Backend.
func (b *Backend) Open(pid int) (proc.AddressSpace, error) {
	p, err := b.Process(pid)
	if err != nil {
		return nil, err
	}
	return &space{p: p}, nil
}

// Layout is the register layout of simulated tasks.
var Layout = watch.ARM64
