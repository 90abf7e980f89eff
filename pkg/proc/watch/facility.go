package watch

// Task is a thread of a target process as seen by a Facility.
type Task interface {
	// ID returns the thread id.
	ID() int
	// Schedule queues fn to run in the task's own context before it next
	// resumes user code. It never blocks and fn may block.
	Schedule(fn func()) error
	// Registers returns the register file of the task. Only valid while the
	// task is not running user code.
	Registers() (RegisterFile, error)
	// SetRegisters replaces the register file of the task.
	SetRegisters(RegisterFile) error
	// SetSingleStep enables or disables single stepping.
	SetSingleStep(on bool) error
	// SingleStepping returns true if single stepping is enabled.
	SingleStepping() bool
	// Release drops the reference obtained through Facility.Task.
	Release()
}

// Watch is an installed hardware watchpoint.
type Watch interface {
	// Close uninstalls the watchpoint and frees its slot.
	Close() error
}

// Facility is the hardware watchpoint facility of the host.
type Facility interface {
	// Layout returns the register layout of tasks of this facility.
	Layout() RegisterLayout
	// Capacity returns the number of hardware slots.
	Capacity() Capacity
	// Task returns a reference to the main thread of pid, or
	// proc.ErrProcessNotFound.
	Task(pid int) (Task, error)
	// Register installs a watchpoint on task. onHit is called with the
	// accessed address in a context that must not block. It returns
	// proc.ErrResourceExhausted when no slot is free.
	Register(task Task, addr uint64, length int, trigger Trigger, onHit func(addr uint64)) (Watch, error)
	// SetStepHandler installs the handler called when a single stepping task
	// traps. The handler must not block and returns false if the trap was
	// not caused by a step it requested.
	SetStepHandler(fn func(taskID int) bool)
}
