package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when a request is malformed. No state
	// is changed when it is returned.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrProcessNotFound is returned when the target process no longer
	// exists.
	ErrProcessNotFound = errors.New("process not found")
	// ErrStaleHandle is returned when a process handle is used after Close.
	ErrStaleHandle = errors.New("stale process handle")
	// ErrPermissionDenied is returned when an access lacks the required page
	// permission and was not forced.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotMapped is returned by translations of addresses without a
	// physical page. Transfers absorb it into a shorter count.
	ErrNotMapped = errors.New("address not mapped")
	// ErrResourceExhausted is returned when no hardware watchpoint slot is
	// available.
	ErrResourceExhausted = errors.New("hardware watchpoints exhausted")
	// ErrUnsupportedAddress is returned for watchpoint addresses the
	// hardware cannot monitor.
	ErrUnsupportedAddress = errors.New("unsupported address")
	// ErrInvalidState is returned when a watchpoint operation is not valid in
	// the watchpoint's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrTimedOut is returned when a wait expires.
	ErrTimedOut = errors.New("timed out")
)

// ProcessExitedError indicates that the process has exited and contains
// its process id.
type ProcessExitedError struct {
	Pid    int
	Status int
}

func (pe ProcessExitedError) Error() string {
	return fmt.Sprintf("process %d has exited with status %d", pe.Pid, pe.Status)
}

// Is makes a ProcessExitedError match ErrProcessNotFound.
func (pe ProcessExitedError) Is(target error) bool {
	return target == ErrProcessNotFound
}

func invalidArgf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
