package native

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	sys "golang.org/x/sys/unix"

	"github.com/rwmem/rwmem/pkg/logflags"
	"github.com/rwmem/rwmem/pkg/proc"
)

// trapFunc is called on the tracer goroutine when the thread stops with
// SIGTRAP. stepped is true if the thread was resumed with
// PTRACE_SINGLESTEP. It returns false if the trap was not caused by us, in
// which case the signal is delivered to the thread.
type trapFunc func(t *tracer, stepped bool) bool

// tracer owns the ptrace connection to one thread. Every ptrace request
// for the thread is made from the tracer goroutine, which stays locked to
// its OS thread: the kernel only accepts requests from the thread that
// attached.
//
// Requests made while the thread runs interrupt it with SIGSTOP; the stop
// is hidden from the thread when it is resumed.
type tracer struct {
	pid, tid int
	trap     trapFunc
	log      logflags.Logger

	reqs chan func()
	done chan struct{}
	gone chan struct{}

	mu           sync.Mutex
	running      bool
	interrupting bool
	interrupts   int // SIGSTOPs sent but not yet reported
	waiters      int
	pending      []func()
	stepping     bool
	detached     bool
	exitErr      error
}

func ptraceErr(pid int, err error) error {
	switch {
	case errors.Is(err, sys.ESRCH):
		return fmt.Errorf("pid %d: %w", pid, proc.ErrProcessNotFound)
	case errors.Is(err, sys.EPERM):
		return fmt.Errorf("attach to pid %d: %w", pid, proc.ErrPermissionDenied)
	}
	return err
}

// attach starts a tracer for thread tid of pid and returns once the
// thread has been attached.
func attach(pid, tid int, trap trapFunc) (*tracer, error) {
	t := &tracer{
		pid:  pid,
		tid:  tid,
		trap: trap,
		log:  logflags.NativeLogger(),
		reqs: make(chan func()),
		done: make(chan struct{}),
		gone: make(chan struct{}),
	}
	errc := make(chan error, 1)
	go t.loop(errc)
	if err := <-errc; err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tracer) wait() (sys.WaitStatus, error) {
	for {
		var ws sys.WaitStatus
		_, err := sys.Wait4(t.tid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		return ws, err
	}
}

func (t *tracer) loop(errc chan<- error) {
	// The OS thread is never unlocked: it dies with the goroutine, and the
	// ptrace relationship with it.
	runtime.LockOSThread()
	defer t.exit(nil)

	if err := ptraceAttach(t.tid); err != nil {
		errc <- ptraceErr(t.pid, err)
		return
	}
	ws, err := t.wait()
	if err != nil {
		errc <- ptraceErr(t.pid, err)
		return
	}
	if ws.Stopped() {
		if err := ptraceTraceExec(t.tid); err != nil {
			t.log.Debugf("thread %d: PTRACE_O_TRACEEXEC: %v", t.tid, err)
		}
	}
	sig := 0
	if ws.Stopped() && ws.StopSignal() != sys.SIGSTOP {
		// The attach SIGSTOP is still queued.
		sig = attachStopSignal(ws.StopSignal())
		t.interrupts++
	}
	errc <- nil
	t.log.Debugf("attached to thread %d of pid %d", t.tid, t.pid)

	for {
		if !t.stopped() {
			return
		}
		t.mu.Lock()
		stepping := t.stepping
		t.mu.Unlock()
		if stepping {
			err = ptraceSingleStep(t.tid, sig)
		} else {
			err = ptraceCont(t.tid, sig)
		}
		if err != nil {
			t.exit(ptraceErr(t.pid, err))
			return
		}
		sig = 0

		ws, err = t.wait()
		if err != nil {
			t.exit(ptraceErr(t.pid, err))
			return
		}
		t.mu.Lock()
		t.running = false
		t.interrupting = false
		t.mu.Unlock()

		switch {
		case ws.Exited():
			t.exit(proc.ProcessExitedError{Pid: t.pid, Status: ws.ExitStatus()})
			return
		case ws.Signaled():
			t.exit(proc.ProcessExitedError{Pid: t.pid, Status: -int(ws.Signal())})
			return
		case !ws.Stopped():
			continue
		}
		switch s := ws.StopSignal(); s {
		case sys.SIGTRAP:
			if ws.TrapCause() == sys.PTRACE_EVENT_EXEC {
				t.log.Debugf("thread %d of pid %d called execve", t.tid, t.pid)
				break
			}
			if !t.trap(t, stepping) {
				sig = int(s)
			}
		case sys.SIGSTOP:
			t.mu.Lock()
			if t.interrupts > 0 {
				t.interrupts--
			} else {
				sig = int(s)
			}
			t.mu.Unlock()
		default:
			sig = int(s)
		}
	}
}

// attachStopSignal returns the signal to deliver when the thread is first
// resumed, given the signal it reported instead of the attach SIGSTOP.
//
// A thread attached while inside execve reports the SIGTRAP the kernel
// raises for traced threads once the new image is loaded. Nothing of ours
// can be armed yet, so the trap belongs to the exec and is dropped:
// delivering it would kill the thread.
func attachStopSignal(s sys.Signal) int {
	switch s {
	case sys.SIGSTOP, sys.SIGTRAP:
		return 0
	}
	return int(s)
}

// stopped serves scheduled work and requests while the thread is stopped.
// It returns false once the thread has been detached.
func (t *tracer) stopped() bool {
	for {
		t.runPending()
		t.mu.Lock()
		switch {
		case t.detached:
			t.mu.Unlock()
			return false
		case len(t.pending) > 0:
			t.mu.Unlock()
			continue
		case t.waiters == 0:
			t.running = true
			t.mu.Unlock()
			return true
		}
		t.mu.Unlock()
		t.serve(<-t.reqs)
	}
}

// runPending runs scheduled work, each in its own goroutine so that it can
// block while requests keep being served.
func (t *tracer) runPending() {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 || t.detached {
			t.mu.Unlock()
			return
		}
		fn := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()

		finished := make(chan struct{})
		go func() {
			defer close(finished)
			fn()
		}()
	wait:
		for {
			select {
			case <-finished:
				break wait
			case req := <-t.reqs:
				t.serve(req)
			}
		}
	}
}

func (t *tracer) serve(req func()) {
	req()
	t.mu.Lock()
	t.waiters--
	t.mu.Unlock()
	t.done <- struct{}{}
}

func (t *tracer) exit(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitErr != nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("pid %d: %w", t.pid, proc.ErrProcessNotFound)
	} else {
		t.log.Debugf("thread %d: %v", t.tid, err)
	}
	t.exitErr = err
	close(t.gone)
}

// exec runs fn on the tracer goroutine with the thread stopped.
func (t *tracer) exec(fn func() error) error {
	t.mu.Lock()
	if t.exitErr != nil {
		err := t.exitErr
		t.mu.Unlock()
		return err
	}
	t.waiters++
	if t.running && !t.interrupting {
		if err := tgkill(t.pid, t.tid, sys.SIGSTOP); err != nil {
			t.waiters--
			t.mu.Unlock()
			return ptraceErr(t.pid, err)
		}
		t.interrupting = true
		t.interrupts++
	}
	t.mu.Unlock()

	var err error
	select {
	case t.reqs <- func() { err = fn() }:
		<-t.done
		return err
	case <-t.gone:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.exitErr
	}
}

// schedule queues fn to run before the thread is next resumed.
func (t *tracer) schedule(fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitErr != nil {
		return t.exitErr
	}
	t.pending = append(t.pending, fn)
	return nil
}

func (t *tracer) setStepping(on bool) {
	t.mu.Lock()
	t.stepping = on
	t.mu.Unlock()
}

func (t *tracer) isStepping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stepping
}

// detach releases the thread. Scheduled work that has not run is dropped.
func (t *tracer) detach() error {
	err := t.exec(func() error {
		t.mu.Lock()
		t.detached = true
		t.pending = nil
		t.mu.Unlock()
		return ptraceDetach(t.tid, 0)
	})
	if errors.Is(err, proc.ErrProcessNotFound) {
		return nil
	}
	return err
}
