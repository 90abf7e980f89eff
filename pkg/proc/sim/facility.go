package sim

import (
	"fmt"
	"sync"

	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/watch"
)

// DefaultSlots is the number of breakpoint and watchpoint slots of a
// Facility created with NewFacility.
const DefaultSlots = 4

// Facility is a simulated hardware watchpoint facility.
type Facility struct {
	b   *Backend
	cap watch.Capacity

	mu          sync.Mutex
	watches     map[*hwWatch]struct{}
	usedBP      int
	usedWP      int
	stepHandler func(int) bool
	unhandled   int
}

// NewFacility returns a facility over the processes of b.
func NewFacility(b *Backend) *Facility {
	return NewFacilityWithCapacity(b, watch.Capacity{Breakpoints: DefaultSlots, Watchpoints: DefaultSlots})
}

// NewFacilityWithCapacity returns a facility with the given number of slots.
func NewFacilityWithCapacity(b *Backend, c watch.Capacity) *Facility {
	return &Facility{b: b, cap: c, watches: make(map[*hwWatch]struct{})}
}

// Layout implements watch.Facility.
func (f *Facility) Layout() watch.RegisterLayout {
	return Layout
}

// Capacity implements watch.Facility.
func (f *Facility) Capacity() watch.Capacity {
	return f.cap
}

// Task implements watch.Facility.
func (f *Facility) Task(pid int) (watch.Task, error) {
	p, err := f.b.Process(pid)
	if err != nil {
		return nil, err
	}
	t := p.Task(pid)
	if t == nil {
		return nil, fmt.Errorf("task %d: %w", pid, proc.ErrProcessNotFound)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return nil, fmt.Errorf("task %d: %w", pid, proc.ErrProcessNotFound)
	}
	t.refs++
	t.fac = f
	return t, nil
}

type hwWatch struct {
	f       *Facility
	task    *Task
	addr    uint64
	length  int
	trigger watch.Trigger
	onHit   func(uint64)
}

// Register implements watch.Facility.
func (f *Facility) Register(task watch.Task, addr uint64, length int, trigger watch.Trigger, onHit func(uint64)) (watch.Watch, error) {
	t, ok := task.(*Task)
	if !ok {
		return nil, fmt.Errorf("%w: foreign task %T", proc.ErrInvalidArgument, task)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cap.Shared && f.usedBP+f.usedWP >= f.cap.Total() {
		return nil, proc.ErrResourceExhausted
	}
	if trigger == watch.TriggerExecute {
		if f.usedBP >= f.cap.Breakpoints {
			return nil, proc.ErrResourceExhausted
		}
		f.usedBP++
	} else {
		if f.usedWP >= f.cap.Watchpoints {
			return nil, proc.ErrResourceExhausted
		}
		f.usedWP++
	}
	w := &hwWatch{f: f, task: t, addr: addr, length: length, trigger: trigger, onHit: onHit}
	f.watches[w] = struct{}{}
	return w, nil
}

func (w *hwWatch) Close() error {
	f := w.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watches[w]; !ok {
		return nil
	}
	delete(f.watches, w)
	if w.trigger == watch.TriggerExecute {
		f.usedBP--
	} else {
		f.usedWP--
	}
	return nil
}

// SetStepHandler implements watch.Facility.
func (f *Facility) SetStepHandler(fn func(int) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepHandler = fn
}

// Installed returns the number of installed watchpoints.
func (f *Facility) Installed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches)
}

// UnhandledSteps returns the number of step traps no handler claimed.
func (f *Facility) UnhandledSteps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unhandled
}

// hit calls the callbacks of the watchpoints of t matched by an access.
func (f *Facility) hit(t *Task, kind OpKind, addr uint64, n int) {
	var want watch.Trigger
	switch kind {
	case Load:
		want = watch.TriggerRead
	case Store:
		want = watch.TriggerWrite
	case Exec:
		want = watch.TriggerExecute
	}
	var fire []func(uint64)
	f.mu.Lock()
	for w := range f.watches {
		if w.task != t || w.trigger&want == 0 {
			continue
		}
		if addr < w.addr+uint64(w.length) && w.addr < addr+uint64(n) {
			fire = append(fire, w.onHit)
		}
	}
	f.mu.Unlock()
	for _, fn := range fire {
		fn(addr)
	}
}

func (f *Facility) stepTrap(t *Task) {
	f.mu.Lock()
	h := f.stepHandler
	f.mu.Unlock()
	if h == nil || !h(t.id) {
		f.mu.Lock()
		f.unhandled++
		f.mu.Unlock()
	}
}
