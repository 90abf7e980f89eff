package watch

import (
	"sync"
)

// StepEntry correlates a single stepping task with the watchpoint waiting
// for its step trap.
type StepEntry struct {
	Task   Task
	Handle Handle
	// KeepStepping is set if the task was already single stepping when the
	// step was requested; stepping is left enabled after the trap.
	KeepStepping bool
	// Removed is set when the watchpoint was closed before the trap.
	Removed bool
}

// StepRegistry holds the pending step correlations of a Controller.
type StepRegistry struct {
	mu      sync.Mutex
	entries []*StepEntry
}

// NewStepRegistry returns an empty registry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{}
}

// Add records that h waits for the step trap of task.
func (r *StepRegistry) Add(task Task, h Handle, keepStepping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &StepEntry{Task: task, Handle: h, KeepStepping: keepStepping})
}

// Take removes and returns the oldest entry for taskID.
func (r *StepRegistry) Take(taskID int) (StepEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.Task.ID() == taskID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return *e, true
		}
	}
	return StepEntry{}, false
}

// Invalidate marks every entry of h as removed. The entries stay until
// their trap arrives so that it can be discarded.
func (r *StepRegistry) Invalidate(h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Handle == h && !e.Removed {
			e.Removed = true
			n++
		}
	}
	return n
}

// Len returns the number of pending entries.
func (r *StepRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
