package sim

import (
	"fmt"
	"sync"

	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/watch"
)

// OpKind is the kind of a simulated instruction.
type OpKind uint8

const (
	// Load reads Len bytes at Addr.
	Load OpKind = iota
	// Store writes Data at Addr.
	Store
	// Exec fetches an instruction at Addr.
	Exec
)

// Op is a simulated instruction.
type Op struct {
	Kind OpKind
	Addr uint64
	Len  int
	Data []byte
}

// Result is the outcome of an Op.
type Result struct {
	Data []byte // bytes loaded by a Load
	Err  error
}

// Task is a simulated thread. Ops run one at a time; each op checks the
// installed watchpoints, runs the work scheduled by hit callbacks, performs
// the access and finally raises a step trap when single stepping is on.
type Task struct {
	id   int
	proc *Process

	exec sync.Mutex // serializes ops

	mu       sync.Mutex
	regs     watch.RegisterFile
	stepping bool
	pending  []func()
	exited   bool
	refs     int
	fac      *Facility
}

func newTask(id int, p *Process) *Task {
	return &Task{id: id, proc: p, regs: Layout.NewRegisterFile()}
}

// ID implements watch.Task.
func (t *Task) ID() int {
	return t.id
}

// Schedule implements watch.Task.
func (t *Task) Schedule(fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return fmt.Errorf("task %d: %w", t.id, proc.ErrProcessNotFound)
	}
	t.pending = append(t.pending, fn)
	return nil
}

// Registers implements watch.Task.
func (t *Task) Registers() (watch.RegisterFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return watch.RegisterFile{}, fmt.Errorf("task %d: %w", t.id, proc.ErrProcessNotFound)
	}
	return t.regs.Clone(), nil
}

// SetRegisters implements watch.Task.
func (t *Task) SetRegisters(rf watch.RegisterFile) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return fmt.Errorf("task %d: %w", t.id, proc.ErrProcessNotFound)
	}
	if len(rf.General) != len(t.regs.General) || len(rf.Vector) != len(t.regs.Vector) {
		return fmt.Errorf("%w: register file shape", proc.ErrInvalidArgument)
	}
	t.regs = rf.Clone()
	return nil
}

// SetSingleStep implements watch.Task.
func (t *Task) SetSingleStep(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stepping = on
	return nil
}

// SingleStepping implements watch.Task.
func (t *Task) SingleStepping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stepping
}

// Release implements watch.Task.
func (t *Task) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs > 0 {
		t.refs--
	}
}

// Refs returns the number of references held through Facility.Task.
func (t *Task) Refs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs
}

// PC returns the program counter.
func (t *Task) PC() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs.General[Layout.PC()]
}

func (t *Task) exit() {
	t.mu.Lock()
	t.exited = true
	t.pending = nil
	t.mu.Unlock()
}

// Run executes op asynchronously. The returned channel receives the result
// once the op, including any stop it causes, has completed.
func (t *Task) Run(op Op) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		t.exec.Lock()
		defer t.exec.Unlock()
		ch <- t.step(op)
	}()
	return ch
}

// Do executes op and waits for it.
func (t *Task) Do(op Op) Result {
	return <-t.Run(op)
}

func (t *Task) step(op Op) Result {
	t.mu.Lock()
	fac, exited := t.fac, t.exited
	t.mu.Unlock()
	if exited {
		return Result{Err: fmt.Errorf("task %d: %w", t.id, proc.ErrProcessNotFound)}
	}

	if fac != nil {
		n := op.Len
		if op.Kind == Store {
			n = len(op.Data)
		}
		if op.Kind == Exec {
			n = 4
		}
		fac.hit(t, op.Kind, op.Addr, n)
	}
	t.runPending()

	var res Result
	switch op.Kind {
	case Load:
		res.Data, res.Err = t.proc.Peek(op.Addr, op.Len)
	case Store:
		res.Err = t.proc.Poke(op.Addr, op.Data)
	case Exec:
		t.mu.Lock()
		t.regs.General[Layout.PC()] = op.Addr
		t.mu.Unlock()
	}
	t.mu.Lock()
	t.regs.General[Layout.PC()] += 4
	stepping := t.stepping
	t.mu.Unlock()

	if stepping && fac != nil {
		fac.stepTrap(t)
		t.runPending()
	}
	return res
}

// runPending runs the scheduled work in task context. Work may block.
func (t *Task) runPending() {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.mu.Unlock()
			return
		}
		fn := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		fn()
	}
}
