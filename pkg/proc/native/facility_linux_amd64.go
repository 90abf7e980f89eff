package native

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/rwmem/rwmem/pkg/logflags"
	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/amd64util"
	"github.com/rwmem/rwmem/pkg/proc/watch"
)

// debugRegUserOffset is the offset of the u_debugreg field of struct user
// in /usr/include/x86_64-linux-gnu/sys/user.h.
const debugRegUserOffset = 848

const eflagsRF = 1 << 16

// Facility drives the x86 debug registers of traced threads. The four
// address registers of a thread are shared between breakpoints and
// watchpoints.
type Facility struct {
	log logflags.Logger

	mu     sync.Mutex
	tasks  map[int]*nativeTask
	onStep func(int) bool
}

// NewFacility returns the hardware watchpoint facility of the host.
func NewFacility() (watch.Facility, error) {
	return &Facility{log: logflags.NativeLogger(), tasks: make(map[int]*nativeTask)}, nil
}

// Layout implements watch.Facility.
func (f *Facility) Layout() watch.RegisterLayout {
	return watch.AMD64
}

// Capacity implements watch.Facility. DR0-DR3 serve both kinds.
func (f *Facility) Capacity() watch.Capacity {
	return watch.Capacity{Breakpoints: amd64util.NumSlots, Watchpoints: amd64util.NumSlots, Shared: true}
}

// SetStepHandler implements watch.Facility.
func (f *Facility) SetStepHandler(fn func(int) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStep = fn
}

// nativeTask is the main thread of a traced process. It stays attached
// while references to it are held.
type nativeTask struct {
	f     *Facility
	t     *tracer
	refs  int                          // protected by f.mu
	slots [amd64util.NumSlots]*hwWatch // protected by f.mu
}

// Task implements watch.Facility.
func (f *Facility) Task(pid int) (watch.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nt := f.tasks[pid]; nt != nil {
		nt.refs++
		return nt, nil
	}
	nt := &nativeTask{f: f}
	t, err := attach(pid, pid, func(t *tracer, stepped bool) bool {
		return f.trap(nt, stepped)
	})
	if err != nil {
		return nil, err
	}
	nt.t = t
	nt.refs = 1
	f.tasks[pid] = nt
	return nt, nil
}

func (nt *nativeTask) ID() int { return nt.t.tid }

func (nt *nativeTask) Schedule(fn func()) error { return nt.t.schedule(fn) }

func (nt *nativeTask) SetSingleStep(on bool) error {
	nt.t.setStepping(on)
	return nil
}

func (nt *nativeTask) SingleStepping() bool { return nt.t.isStepping() }

func (nt *nativeTask) Release() {
	f := nt.f
	f.mu.Lock()
	nt.refs--
	if nt.refs > 0 {
		f.mu.Unlock()
		return
	}
	delete(f.tasks, nt.t.pid)
	f.mu.Unlock()
	err := nt.t.exec(func() error {
		return withDebugRegisters(nt.t.tid, func(drs *amd64util.DebugRegisters) error {
			for idx := uint8(0); idx < amd64util.NumSlots; idx++ {
				drs.ClearSlot(idx)
			}
			return nil
		})
	})
	if err != nil {
		f.log.Debugf("thread %d: clearing debug registers: %v", nt.t.tid, err)
	}
	if err := nt.t.detach(); err != nil {
		f.log.Errorf("detach from %d: %v", nt.t.tid, err)
	}
}

func (nt *nativeTask) Registers() (watch.RegisterFile, error) {
	rf := watch.AMD64.NewRegisterFile()
	err := nt.t.exec(func() error {
		var regs sys.PtraceRegs
		if err := sys.PtraceGetRegs(nt.t.tid, &regs); err != nil {
			return err
		}
		var fp amd64util.AMD64PtraceFpRegs
		if err := ptraceGetFpRegs(nt.t.tid, &fp); err != nil {
			return err
		}
		copy(rf.General, []uint64{
			regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx, regs.Rsi, regs.Rdi, regs.Rbp,
			regs.R8, regs.R9, regs.R10, regs.R11, regs.R12, regs.R13, regs.R14, regs.R15,
			regs.Rsp, regs.Rip, regs.Eflags, regs.Fs_base, regs.Gs_base,
		})
		for i := range rf.Vector {
			rf.Vector[i].Lo, rf.Vector[i].Hi = fp.Xmm(i)
		}
		rf.Status = uint64(fp.Mxcsr)
		rf.Control = uint64(fp.Cwd)
		return nil
	})
	if err != nil {
		return watch.RegisterFile{}, ptraceErr(nt.t.pid, err)
	}
	return rf, nil
}

func (nt *nativeTask) SetRegisters(rf watch.RegisterFile) error {
	if len(rf.General) != len(watch.AMD64.GeneralNames) || len(rf.Vector) != watch.AMD64.Vectors {
		return fmt.Errorf("%w: register file does not match %s", proc.ErrInvalidArgument, watch.AMD64.Arch)
	}
	err := nt.t.exec(func() error {
		var regs sys.PtraceRegs
		if err := sys.PtraceGetRegs(nt.t.tid, &regs); err != nil {
			return err
		}
		for i, p := range []*uint64{
			&regs.Rax, &regs.Rbx, &regs.Rcx, &regs.Rdx, &regs.Rsi, &regs.Rdi, &regs.Rbp,
			&regs.R8, &regs.R9, &regs.R10, &regs.R11, &regs.R12, &regs.R13, &regs.R14, &regs.R15,
			&regs.Rsp, &regs.Rip, &regs.Eflags, &regs.Fs_base, &regs.Gs_base,
		} {
			*p = rf.General[i]
		}
		if err := sys.PtraceSetRegs(nt.t.tid, &regs); err != nil {
			return err
		}
		var fp amd64util.AMD64PtraceFpRegs
		if err := ptraceGetFpRegs(nt.t.tid, &fp); err != nil {
			return err
		}
		for i, v := range rf.Vector {
			fp.SetXmm(i, v.Lo, v.Hi)
		}
		fp.Mxcsr = uint32(rf.Status)
		fp.Cwd = uint16(rf.Control)
		return ptraceSetFpRegs(nt.t.tid, &fp)
	})
	return ptraceErr(nt.t.pid, err)
}

func ptraceGetFpRegs(tid int, fp *amd64util.AMD64PtraceFpRegs) error {
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(fp)), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

func ptraceSetFpRegs(tid int, fp *amd64util.AMD64PtraceFpRegs) error {
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(fp)), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

type hwWatch struct {
	nt      *nativeTask
	idx     uint8
	addr    uint64
	trigger watch.Trigger
	onHit   func(uint64)
	once    sync.Once
}

// Register implements watch.Facility.
func (f *Facility) Register(task watch.Task, addr uint64, length int, trigger watch.Trigger, onHit func(uint64)) (watch.Watch, error) {
	nt, ok := task.(*nativeTask)
	if !ok {
		return nil, fmt.Errorf("%w: task %d does not belong to this facility", proc.ErrInvalidArgument, task.ID())
	}
	slot := amd64util.Slot{Addr: addr, Size: length}
	switch trigger {
	case watch.TriggerExecute:
		slot.Execute, slot.Size = true, 1
	case watch.TriggerWrite:
		slot.Write = true
	case watch.TriggerReadWrite:
		slot.Read, slot.Write = true, true
	default:
		return nil, fmt.Errorf("%w: break on %s not supported on amd64", proc.ErrInvalidArgument, trigger)
	}

	w := &hwWatch{nt: nt, addr: addr, trigger: trigger, onHit: onHit}
	f.mu.Lock()
	free := false
	for i := range nt.slots {
		if nt.slots[i] == nil {
			w.idx, free = uint8(i), true
			nt.slots[i] = w
			break
		}
	}
	f.mu.Unlock()
	if !free {
		return nil, proc.ErrResourceExhausted
	}

	err := nt.t.exec(func() error {
		return withDebugRegisters(nt.t.tid, func(drs *amd64util.DebugRegisters) error {
			return drs.SetSlot(w.idx, slot)
		})
	})
	if err != nil {
		f.mu.Lock()
		nt.slots[w.idx] = nil
		f.mu.Unlock()
		return nil, ptraceErr(nt.t.pid, err)
	}
	f.log.Debugf("thread %d: DR%d = %#x %s/%d", nt.t.tid, w.idx, addr, trigger, slot.Size)
	return w, nil
}

func (w *hwWatch) Close() error {
	var err error
	w.once.Do(func() {
		nt := w.nt
		err = nt.t.exec(func() error {
			return withDebugRegisters(nt.t.tid, func(drs *amd64util.DebugRegisters) error {
				drs.ClearSlot(w.idx)
				return nil
			})
		})
		nt.f.mu.Lock()
		nt.slots[w.idx] = nil
		nt.f.mu.Unlock()
		if errors.Is(err, proc.ErrProcessNotFound) {
			err = nil
		}
	})
	return err
}

// trap handles a SIGTRAP of nt on its tracer goroutine.
func (f *Facility) trap(nt *nativeTask, stepped bool) bool {
	tid := nt.t.tid
	var (
		hits    []*hwWatch
		resumed bool
	)
	err := withDebugRegisters(tid, func(drs *amd64util.DebugRegisters) error {
		f.mu.Lock()
		for _, idx := range drs.Triggered() {
			if w := nt.slots[idx]; w != nil {
				hits = append(hits, w)
			}
		}
		f.mu.Unlock()
		drs.ResetStatus()
		return nil
	})
	if err != nil {
		f.log.Errorf("thread %d: reading debug status: %v", tid, err)
		return false
	}

	for _, w := range hits {
		if w.trigger == watch.TriggerExecute && !resumed {
			// Execute breakpoints fault before the instruction runs; RF
			// lets it run once when the thread is resumed.
			var regs sys.PtraceRegs
			if err := sys.PtraceGetRegs(tid, &regs); err == nil {
				regs.Eflags |= eflagsRF
				err = sys.PtraceSetRegs(tid, &regs)
			}
			if err != nil {
				f.log.Errorf("thread %d: setting RF: %v", tid, err)
			}
			resumed = true
		}
		w.onHit(w.addr)
	}
	handled := len(hits) > 0
	if stepped {
		f.mu.Lock()
		onStep := f.onStep
		f.mu.Unlock()
		if onStep != nil && onStep(tid) {
			handled = true
		}
	}
	return handled
}

// withDebugRegisters reads the debug registers of tid, calls fn and
// writes them back if fn changed them. It must be called on the tracer
// goroutine of tid.
func withDebugRegisters(tid int, fn func(*amd64util.DebugRegisters) error) error {
	var drs amd64util.DebugRegisters
	for i := 0; i < 8; i++ {
		if i == 4 || i == 5 {
			// Linux will return EIO for DR4 and DR5
			continue
		}
		v, err := ptracePeekUser(tid, debugRegUserOffset+uintptr(i)*8)
		if err != nil {
			return err
		}
		switch {
		case i < amd64util.NumSlots:
			drs.Addrs[i] = v
		case i == 6:
			drs.DR6 = v
		case i == 7:
			drs.DR7 = v
		}
	}
	old := drs.DR7
	if err := fn(&drs); err != nil {
		return err
	}
	if !drs.Dirty {
		return nil
	}
	// Slots being disabled are turned off before their address changes and
	// new slots are turned on after it is set.
	if err := ptracePokeUser(tid, debugRegUserOffset+7*8, old&drs.DR7); err != nil {
		return err
	}
	for i := 0; i < amd64util.NumSlots; i++ {
		if err := ptracePokeUser(tid, debugRegUserOffset+uintptr(i)*8, drs.Addrs[i]); err != nil {
			return err
		}
	}
	if err := ptracePokeUser(tid, debugRegUserOffset+6*8, drs.DR6); err != nil {
		return err
	}
	return ptracePokeUser(tid, debugRegUserOffset+7*8, drs.DR7)
}
