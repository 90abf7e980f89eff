package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceTraceExec makes exec stops of tid report PTRACE_EVENT_EXEC instead
// of a plain SIGTRAP.
func ptraceTraceExec(tid int) error {
	return sys.PtraceSetOptions(tid, sys.PTRACE_O_TRACEEXEC)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(tid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// ptracePeekUser reads the word at offset off of the user area of tid.
func ptracePeekUser(tid int, off uintptr) (uint64, error) {
	var v uint64
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), off, uintptr(unsafe.Pointer(&v)), 0, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return v, nil
}

// ptracePokeUser writes the word at offset off of the user area of tid.
func ptracePokeUser(tid int, off uintptr, v uint64) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), off, uintptr(v), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// tgkill sends sig to thread tid of process pid.
func tgkill(pid, tid int, sig syscall.Signal) error {
	return sys.Tgkill(pid, tid, sig)
}
