package watch_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/watch"
)

// scriptedTask is a task whose scheduled work only runs when the test says
// so, which makes the order of traps deterministic.
type scriptedTask struct {
	id int

	mu       sync.Mutex
	pending  []func()
	stepping bool
	regs     watch.RegisterFile
	released int
}

func (t *scriptedTask) ID() int { return t.id }

func (t *scriptedTask) Schedule(fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, fn)
	return nil
}

func (t *scriptedTask) Registers() (watch.RegisterFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs.Clone(), nil
}

func (t *scriptedTask) SetRegisters(rf watch.RegisterFile) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs = rf.Clone()
	return nil
}

func (t *scriptedTask) SetSingleStep(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stepping = on
	return nil
}

func (t *scriptedTask) SingleStepping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stepping
}

func (t *scriptedTask) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released++
}

func (t *scriptedTask) npending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// resume runs the scheduled work in a new goroutine and returns a channel
// closed once it has all returned.
func (t *scriptedTask) resume() <-chan struct{} {
	t.mu.Lock()
	fns := t.pending
	t.pending = nil
	t.mu.Unlock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, fn := range fns {
			fn()
		}
	}()
	return done
}

type scriptedWatch struct{ closed *int }

func (w scriptedWatch) Close() error {
	*w.closed++
	return nil
}

type scriptedFacility struct {
	task   *scriptedTask
	onHit  func(uint64)
	onStep func(int) bool
	closed int

	registerErr   error  // returned by the next Register
	hitOnRegister uint64 // if set, Register fires a hit at this address
}

func (f *scriptedFacility) Layout() watch.RegisterLayout { return watch.AMD64 }

func (f *scriptedFacility) Capacity() watch.Capacity {
	return watch.Capacity{Breakpoints: 4, Watchpoints: 4}
}

func (f *scriptedFacility) Task(pid int) (watch.Task, error) {
	if pid != f.task.id {
		return nil, proc.ErrProcessNotFound
	}
	return f.task, nil
}

func (f *scriptedFacility) Register(task watch.Task, addr uint64, length int, trigger watch.Trigger, onHit func(uint64)) (watch.Watch, error) {
	if err := f.registerErr; err != nil {
		f.registerErr = nil
		return nil, err
	}
	f.onHit = onHit
	if f.hitOnRegister != 0 {
		onHit(f.hitOnRegister)
	}
	return scriptedWatch{&f.closed}, nil
}

func (f *scriptedFacility) SetStepHandler(fn func(int) bool) { f.onStep = fn }

func newScripted(t *testing.T) (*scriptedFacility, *watch.StepRegistry, *watch.Controller, watch.Handle) {
	task := &scriptedTask{id: 9, regs: watch.AMD64.NewRegisterFile()}
	fac := &scriptedFacility{task: task}
	steps := watch.NewStepRegistry()
	c := watch.NewController(fac, steps)
	h, err := c.Arm(9, 0x1000, 8, watch.TriggerReadWrite)
	require.NoError(t, err)
	return fac, steps, c, h
}

func hitAndPark(t *testing.T, fac *scriptedFacility, c *watch.Controller, h watch.Handle) <-chan struct{} {
	fac.onHit(0x1004)
	st, _ := c.State(h)
	require.Equal(t, watch.NotifyPending, st)
	require.Equal(t, 1, fac.task.npending())
	parked := fac.task.resume()
	_, err := c.WaitForStop(h, waitFor)
	require.NoError(t, err)
	return parked
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("task still parked")
	}
}

func TestHitWhileNotArmedIsIgnored(t *testing.T) {
	fac, _, c, h := newScripted(t)
	fac.onHit(0x1000)
	fac.onHit(0x1000)
	require.Equal(t, 1, fac.task.npending())
	parked := fac.task.resume()
	snap, err := c.WaitForStop(h, waitFor)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Hits)
	fac.onHit(0x1000)
	require.Equal(t, 0, fac.task.npending())
	require.NoError(t, c.Continue(h))
	waitClosed(t, parked)
}

func TestStepThenCloseDiscardsTrap(t *testing.T) {
	fac, steps, c, h := newScripted(t)
	parked := hitAndPark(t, fac, c, h)

	require.NoError(t, c.Step(h))
	waitClosed(t, parked)
	require.True(t, fac.task.SingleStepping())
	require.Equal(t, 1, steps.Len())

	require.NoError(t, c.Close(h))
	require.Equal(t, 1, fac.closed)
	require.Equal(t, 1, fac.task.released)
	require.Equal(t, 1, steps.Len())

	// The trap arrives after the close: it is consumed without a stop.
	require.True(t, fac.onStep(fac.task.id))
	require.Equal(t, 0, steps.Len())
	require.False(t, fac.task.SingleStepping())
	require.Equal(t, 0, fac.task.npending())

	// Nobody waits for a second trap.
	require.False(t, fac.onStep(fac.task.id))
}

func TestStepKeepsExistingSingleStep(t *testing.T) {
	fac, _, c, h := newScripted(t)
	parked := hitAndPark(t, fac, c, h)
	fac.task.SetSingleStep(true)

	require.NoError(t, c.Step(h))
	waitClosed(t, parked)
	st, _ := c.State(h)
	require.Equal(t, watch.Stepping, st)

	require.True(t, fac.onStep(fac.task.id))
	require.True(t, fac.task.SingleStepping())
	st, _ = c.State(h)
	require.Equal(t, watch.NotifyPending, st)

	parked = fac.task.resume()
	snap, err := c.WaitForStop(h, waitFor)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1004), snap.Address)
	require.NoError(t, c.Close(h))
	waitClosed(t, parked)
}

func TestCloseWithPendingPark(t *testing.T) {
	fac, _, c, h := newScripted(t)
	fac.onHit(0x1000)
	require.NoError(t, c.Close(h))
	// The scheduled park discards itself.
	waitClosed(t, fac.task.resume())
}

func TestStepRegistry(t *testing.T) {
	r := watch.NewStepRegistry()
	a, b := &scriptedTask{id: 1}, &scriptedTask{id: 2}
	r.Add(a, 10, false)
	r.Add(b, 11, true)
	r.Add(a, 12, false)
	require.Equal(t, 3, r.Len())
	require.Equal(t, 1, r.Invalidate(12))
	require.Equal(t, 0, r.Invalidate(99))

	e, ok := r.Take(1)
	require.True(t, ok)
	require.Equal(t, watch.Handle(10), e.Handle)
	require.False(t, e.Removed)

	e, ok = r.Take(1)
	require.True(t, ok)
	require.True(t, e.Removed)

	_, ok = r.Take(1)
	require.False(t, ok)

	e, ok = r.Take(2)
	require.True(t, ok)
	require.True(t, e.KeepStepping)
	require.Equal(t, 0, r.Len())
}

func TestHitBeforeArmReturns(t *testing.T) {
	task := &scriptedTask{id: 9, regs: watch.AMD64.NewRegisterFile()}
	fac := &scriptedFacility{task: task, registerErr: proc.ErrResourceExhausted}
	c := watch.NewController(fac, nil)

	_, err := c.Arm(9, 0x1000, 8, watch.TriggerWrite)
	require.True(t, errors.Is(err, proc.ErrResourceExhausted), "got %v", err)
	require.Equal(t, 1, task.released)

	fac.hitOnRegister = 0x1004
	h, err := c.Arm(9, 0x1000, 8, watch.TriggerWrite)
	require.NoError(t, err)
	require.Equal(t, watch.Handle(1), h)
	st, err := c.State(h)
	require.NoError(t, err)
	require.Equal(t, watch.NotifyPending, st)
	require.Equal(t, 1, task.npending())

	parked := task.resume()
	snap, err := c.WaitForStop(h, waitFor)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1004), snap.Address)
	require.NoError(t, c.Continue(h))
	waitClosed(t, parked)
	require.NoError(t, c.Close(h))
}
