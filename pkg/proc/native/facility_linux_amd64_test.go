package native

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/amd64util"
	"github.com/rwmem/rwmem/pkg/proc/watch"
)

func spawnSleeper(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start target: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd.Process.Pid
}

// startSleeper starts a target and waits until it is asleep in the new
// image.
func startSleeper(t *testing.T) int {
	t.Helper()
	pid := spawnSleeper(t)
	pfs := NewProcFS(afero.NewOsFs(), "/proc")
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := pfs.Stat(pid)
		require.NoError(t, err)
		if st.Comm == "sleep" && st.State == 'S' {
			return pid
		}
		if time.Now().After(deadline) {
			t.Fatalf("target %d did not start: %+v", pid, st)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAttachStopSignal(t *testing.T) {
	for _, tc := range []struct {
		in   sys.Signal
		want int
	}{
		{sys.SIGSTOP, 0},
		{sys.SIGTRAP, 0},
		{sys.SIGCHLD, int(sys.SIGCHLD)},
		{sys.SIGUSR1, int(sys.SIGUSR1)},
	} {
		assert.Equal(t, tc.want, attachStopSignal(tc.in), "%v", tc.in)
	}
}

// Attaching while the target is still in execve must not kill it.
func TestAttachDuringExec(t *testing.T) {
	fac, err := NewFacility()
	require.NoError(t, err)
	pfs := NewProcFS(afero.NewOsFs(), "/proc")
	for i := 0; i < 20; i++ {
		pid := spawnSleeper(t)
		task, err := fac.Task(pid)
		if errors.Is(err, proc.ErrPermissionDenied) {
			t.Skipf("ptrace not permitted: %v", err)
		}
		require.NoError(t, err)
		_, err = task.Registers()
		require.NoError(t, err, "iteration %d", i)
		task.Release()

		st, err := pfs.Stat(pid)
		require.NoError(t, err)
		require.NotEqual(t, byte('Z'), st.State, "iteration %d: target died", i)
	}
}

func TestFacilityAttach(t *testing.T) {
	pid := startSleeper(t)
	fac, err := NewFacility()
	require.NoError(t, err)
	c := watch.NewController(fac, watch.NewStepRegistry())
	require.Equal(t, amd64util.NumSlots, c.Capacity().Total())

	task, err := fac.Task(pid)
	if errors.Is(err, proc.ErrPermissionDenied) {
		t.Skipf("ptrace not permitted: %v", err)
	}
	require.NoError(t, err)
	defer task.Release()

	rf, err := task.Registers()
	require.NoError(t, err)
	require.NotZero(t, rf.General[watch.AMD64.PC()])
	require.NotZero(t, rf.General[watch.AMD64.SP()])

	// A read-only watchpoint cannot be expressed in DR7.
	_, err = c.Arm(pid, 0x1000, 8, watch.TriggerRead)
	require.True(t, errors.Is(err, proc.ErrInvalidArgument), "got %v", err)

	var handles []watch.Handle
	for i := 0; i < 4; i++ {
		h, err := c.Arm(pid, rf.General[watch.AMD64.SP()]&^7-uint64(8*(i+1)), 8, watch.TriggerWrite)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	_, err = c.Arm(pid, 0x1000, 4, watch.TriggerExecute)
	require.True(t, errors.Is(err, proc.ErrResourceExhausted), "got %v", err)

	require.NoError(t, c.Close(handles[0]))
	h, err := c.Arm(pid, rf.General[watch.AMD64.PC()], 1, watch.TriggerExecute)
	require.NoError(t, err)
	require.NoError(t, c.Close(h))
	require.NoError(t, c.CloseAll())
}
