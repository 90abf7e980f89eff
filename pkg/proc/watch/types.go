package watch

import (
	"fmt"
	"strings"

	"github.com/rwmem/rwmem/pkg/proc"
)

// Trigger selects the accesses that fire a watchpoint.
type Trigger uint8

const (
	TriggerRead      Trigger = 1
	TriggerWrite     Trigger = 2
	TriggerReadWrite Trigger = TriggerRead | TriggerWrite
	TriggerExecute   Trigger = 4
)

// Valid returns true if t is one of the supported triggers.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerRead, TriggerWrite, TriggerReadWrite, TriggerExecute:
		return true
	}
	return false
}

func (t Trigger) String() string {
	switch t {
	case TriggerRead:
		return "read"
	case TriggerWrite:
		return "write"
	case TriggerReadWrite:
		return "readwrite"
	case TriggerExecute:
		return "execute"
	}
	return fmt.Sprintf("Trigger(%d)", uint8(t))
}

// ParseTrigger parses the names printed by Trigger.String, plus the short
// forms "r", "w", "rw" and "x".
func ParseTrigger(s string) (Trigger, error) {
	switch strings.ToLower(s) {
	case "read", "r":
		return TriggerRead, nil
	case "write", "w":
		return TriggerWrite, nil
	case "readwrite", "rw":
		return TriggerReadWrite, nil
	case "execute", "exec", "x":
		return TriggerExecute, nil
	}
	return 0, fmt.Errorf("%w: unknown trigger %q", proc.ErrInvalidArgument, s)
}

// ValidLength returns true if a watchpoint of n bytes can be installed.
func ValidLength(n int) bool {
	switch n {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// State is the state of a watchpoint.
type State uint8

const (
	// Armed watchpoints are installed and waiting for a hit.
	Armed State = iota
	// NotifyPending watchpoints have been hit; the target has not parked yet.
	NotifyPending
	// Stopped watchpoints hold their target parked.
	Stopped
	// Stepping watchpoints let the target run a single instruction.
	Stepping
	// Removed watchpoints have been closed.
	Removed
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case NotifyPending:
		return "notify-pending"
	case Stopped:
		return "stopped"
	case Stepping:
		return "stepping"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Handle identifies a watchpoint owned by a Controller.
type Handle int

// HitSnapshot is captured when a target parks on a watchpoint.
type HitSnapshot struct {
	Address   uint64 // address of the access that fired the watchpoint
	Hits      uint64 // cumulative hit count
	Registers RegisterFile
}

// Capacity is the number of hardware slots of a facility.
//
// When Shared is set breakpoints and watchpoints are drawn from a single
// pool of Breakpoints slots: arming one of either kind reduces both.
type Capacity struct {
	Breakpoints int
	Watchpoints int
	Shared      bool
}

// Total returns the number of watchpoints of any kind that can be armed at
// once.
func (c Capacity) Total() int {
	if c.Shared {
		return c.Breakpoints
	}
	return c.Breakpoints + c.Watchpoints
}
