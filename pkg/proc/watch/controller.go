package watch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rwmem/rwmem/pkg/logflags"
	"github.com/rwmem/rwmem/pkg/metrics"
	"github.com/rwmem/rwmem/pkg/proc"
)

// watchpoint is the controller side state of an armed watchpoint.
// Everything below mu is protected by it.
type watchpoint struct {
	handle  Handle
	task    Task
	addr    uint64
	length  int
	trigger Trigger
	hw      Watch

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	hits      uint64
	lastAddr  uint64
	stopped   bool
	cont      bool
	removed   bool
	stoppedCh chan struct{} // closed when the target parks
	done      chan struct{} // closed when the watchpoint is removed
	snapshot  HitSnapshot
}

// Controller arms hardware watchpoints and drives the stop, continue and
// step protocol of the tasks that hit them.
//
// A hit is delivered in two phases. The facility calls the trigger
// callback in a context that cannot block; the callback only records the
// hit and schedules the park routine on the task. The park routine runs in
// the task's own context, publishes the stop and blocks until Continue,
// Step or Close.
type Controller struct {
	fac   Facility
	steps *StepRegistry
	log   logflags.Logger

	mu   sync.Mutex
	next Handle
	wps  map[Handle]*watchpoint
}

// NewController returns a Controller using fac. The step registry is
// shared with the step handler installed on fac; if steps is nil a new
// registry is created.
func NewController(fac Facility, steps *StepRegistry) *Controller {
	if steps == nil {
		steps = NewStepRegistry()
	}
	c := &Controller{fac: fac, steps: steps, log: logflags.WatchLogger(), next: 1, wps: make(map[Handle]*watchpoint)}
	fac.SetStepHandler(c.onStep)
	return c
}

// Layout returns the register layout of the facility.
func (c *Controller) Layout() RegisterLayout {
	return c.fac.Layout()
}

// Capacity returns the number of hardware breakpoint and watchpoint slots.
func (c *Controller) Capacity() Capacity {
	return c.fac.Capacity()
}

// Arm installs a watchpoint of length bytes at addr on the main thread of
// pid.
func (c *Controller) Arm(pid int, addr uint64, length int, trigger Trigger) (Handle, error) {
	if !ValidLength(length) {
		return 0, fmt.Errorf("%w: watchpoint length %d", proc.ErrInvalidArgument, length)
	}
	if !trigger.Valid() {
		return 0, fmt.Errorf("%w: watchpoint trigger %d", proc.ErrInvalidArgument, uint8(trigger))
	}
	if addr%uint64(length) != 0 {
		return 0, fmt.Errorf("%w: %#x is not aligned to %d bytes", proc.ErrUnsupportedAddress, addr, length)
	}
	task, err := c.fac.Task(pid)
	if err != nil {
		return 0, err
	}

	wp := &watchpoint{task: task, addr: addr, length: length, trigger: trigger, state: Armed, stoppedCh: make(chan struct{}), done: make(chan struct{})}
	wp.cond = sync.NewCond(&wp.mu)

	// The hit callback may run before Register returns.
	c.mu.Lock()
	wp.handle = c.next
	c.next++
	c.mu.Unlock()

	hw, err := c.fac.Register(task, addr, length, trigger, func(hit uint64) { c.onTrigger(wp, hit) })
	if err != nil {
		c.mu.Lock()
		if c.next == wp.handle+1 {
			c.next--
		}
		c.mu.Unlock()
		task.Release()
		return 0, err
	}

	wp.hw = hw
	c.mu.Lock()
	c.wps[wp.handle] = wp
	c.mu.Unlock()

	metrics.WatchpointsArmed.Inc()
	c.log.Debugf("armed %d: %s watchpoint at %#x/%d on task %d", wp.handle, trigger, addr, length, task.ID())
	return wp.handle, nil
}

func (c *Controller) get(h Handle) (*watchpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wp := c.wps[h]
	if wp == nil {
		return nil, fmt.Errorf("%w: unknown watchpoint %d", proc.ErrInvalidArgument, h)
	}
	return wp, nil
}

// onTrigger is the hit callback. It must not block.
func (c *Controller) onTrigger(wp *watchpoint, addr uint64) {
	wp.mu.Lock()
	if wp.removed || wp.state != Armed {
		wp.mu.Unlock()
		return
	}
	wp.hits++
	wp.lastAddr = addr
	wp.state = NotifyPending
	wp.mu.Unlock()

	metrics.WatchpointHits.Inc()
	c.schedulePark(wp)
}

func (c *Controller) schedulePark(wp *watchpoint) {
	if err := wp.task.Schedule(func() { c.park(wp) }); err != nil {
		c.log.WithError(err).Warnf("watchpoint %d: could not schedule stop on task %d", wp.handle, wp.task.ID())
		wp.mu.Lock()
		if wp.state == NotifyPending {
			wp.state = Armed
		}
		wp.mu.Unlock()
	}
}

// park runs in the context of the task that hit wp and blocks it until the
// watchpoint is continued, stepped or closed.
func (c *Controller) park(wp *watchpoint) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.removed {
		return
	}
	regs, err := wp.task.Registers()
	if err != nil {
		c.log.WithError(err).Errorf("watchpoint %d: could not read registers of task %d", wp.handle, wp.task.ID())
	}
	wp.snapshot = HitSnapshot{Address: wp.lastAddr, Hits: wp.hits, Registers: regs}
	wp.state = Stopped
	wp.stopped = true
	close(wp.stoppedCh)
	c.log.Debugf("watchpoint %d: task %d stopped at %#x (hit %d)", wp.handle, wp.task.ID(), wp.lastAddr, wp.hits)

	for !wp.cont && !wp.removed {
		wp.cond.Wait()
	}
	wp.stopped = false
	wp.cont = false
}

// WaitForStop blocks until the target of h is parked or timeout expires.
func (c *Controller) WaitForStop(h Handle, timeout time.Duration) (HitSnapshot, error) {
	wp, err := c.get(h)
	if err != nil {
		return HitSnapshot{}, err
	}
	wp.mu.Lock()
	if wp.state == Stopped {
		snap := wp.snapshot
		wp.mu.Unlock()
		return snap, nil
	}
	stoppedCh := wp.stoppedCh
	wp.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-stoppedCh:
	case <-wp.done:
		return HitSnapshot{}, fmt.Errorf("%w: watchpoint %d was removed", proc.ErrInvalidState, h)
	case <-timer.C:
		return HitSnapshot{}, fmt.Errorf("watchpoint %d: %w after %v", h, proc.ErrTimedOut, timeout)
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.snapshot, nil
}

// stoppedLocked returns ErrInvalidState unless wp is Stopped. wp.mu must be
// held.
func stoppedLocked(wp *watchpoint, op string) error {
	if wp.state != Stopped {
		return fmt.Errorf("%w: cannot %s watchpoint %d while %s", proc.ErrInvalidState, op, wp.handle, wp.state)
	}
	return nil
}

// resumeLocked wakes the parked target. wp.mu must be held.
func (wp *watchpoint) resumeLocked() {
	wp.cont = true
	wp.stoppedCh = make(chan struct{})
	wp.cond.Broadcast()
}

// ReadRegisters returns the registers of the task parked on h.
func (c *Controller) ReadRegisters(h Handle) (RegisterFile, error) {
	wp, err := c.get(h)
	if err != nil {
		return RegisterFile{}, err
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if err := stoppedLocked(wp, "read registers of"); err != nil {
		return RegisterFile{}, err
	}
	return wp.task.Registers()
}

// WriteRegister changes register idx of domain kind of the task parked on
// h. The change is visible to the task when it resumes.
func (c *Controller) WriteRegister(h Handle, kind Kind, idx int, v Uint128) error {
	wp, err := c.get(h)
	if err != nil {
		return err
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if err := stoppedLocked(wp, "write registers of"); err != nil {
		return err
	}
	regs, err := wp.task.Registers()
	if err != nil {
		return err
	}
	if err := regs.Set(kind, idx, v); err != nil {
		return err
	}
	if err := wp.task.SetRegisters(regs); err != nil {
		return err
	}
	c.log.Debugf("watchpoint %d: %s = %s", h, c.fac.Layout().Name(kind, idx), v)
	return nil
}

// Continue resumes the task parked on h and rearms the watchpoint.
func (c *Controller) Continue(h Handle) error {
	wp, err := c.get(h)
	if err != nil {
		return err
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if err := stoppedLocked(wp, "continue"); err != nil {
		return err
	}
	wp.state = Armed
	wp.resumeLocked()
	return nil
}

// Step resumes the task parked on h for a single instruction. The
// watchpoint stops the task again when the step trap arrives.
func (c *Controller) Step(h Handle) error {
	wp, err := c.get(h)
	if err != nil {
		return err
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if err := stoppedLocked(wp, "step"); err != nil {
		return err
	}
	keep := wp.task.SingleStepping()
	if !keep {
		if err := wp.task.SetSingleStep(true); err != nil {
			return err
		}
	}
	c.steps.Add(wp.task, h, keep)
	wp.state = Stepping
	wp.resumeLocked()
	return nil
}

// onStep is the step handler installed on the facility.
func (c *Controller) onStep(taskID int) bool {
	e, ok := c.steps.Take(taskID)
	if !ok {
		return false
	}
	if !e.KeepStepping {
		if err := e.Task.SetSingleStep(false); err != nil {
			c.log.WithError(err).Warnf("could not disable single step on task %d", taskID)
		}
	}
	if e.Removed {
		c.log.Debugf("discarding step trap of task %d for removed watchpoint %d", taskID, e.Handle)
		return true
	}
	c.mu.Lock()
	wp := c.wps[e.Handle]
	c.mu.Unlock()
	if wp == nil {
		return true
	}
	wp.mu.Lock()
	if wp.removed || wp.state != Stepping {
		wp.mu.Unlock()
		return true
	}
	wp.state = NotifyPending
	wp.mu.Unlock()
	c.schedulePark(wp)
	return true
}

// IsStopped returns true if the target of h is parked.
func (c *Controller) IsStopped(h Handle) (bool, error) {
	s, err := c.State(h)
	return s == Stopped, err
}

// State returns the state of h.
func (c *Controller) State(h Handle) (State, error) {
	wp, err := c.get(h)
	if err != nil {
		return Removed, err
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.state, nil
}

// Handles returns the handles of every watchpoint in ascending order.
func (c *Controller) Handles() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := make([]Handle, 0, len(c.wps))
	for h := range c.wps {
		r = append(r, h)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// Close removes h. A parked target is resumed and a pending step trap is
// discarded when it arrives.
func (c *Controller) Close(h Handle) error {
	c.mu.Lock()
	wp := c.wps[h]
	delete(c.wps, h)
	c.mu.Unlock()
	if wp == nil {
		return fmt.Errorf("%w: unknown watchpoint %d", proc.ErrInvalidArgument, h)
	}

	wp.mu.Lock()
	wp.removed = true
	wp.state = Removed
	wp.cont = true
	wp.cond.Broadcast()
	close(wp.done)
	wp.mu.Unlock()

	if n := c.steps.Invalidate(h); n > 0 {
		c.log.Debugf("watchpoint %d: invalidated %d pending steps", h, n)
	}
	err := wp.hw.Close()
	wp.task.Release()
	metrics.WatchpointsArmed.Dec()
	c.log.Debugf("removed watchpoint %d", h)
	return err
}

// CloseAll removes every watchpoint.
func (c *Controller) CloseAll() error {
	var first error
	for _, h := range c.Handles() {
		if err := c.Close(h); err != nil && first == nil {
			first = err
		}
	}
	return first
}
