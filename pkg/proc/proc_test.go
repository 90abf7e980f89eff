package proc_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/sim"
)

const (
	testPid  = 4242
	textBase = 0x400000
	dataBase = 0x600000
)

type fixture struct {
	backend *sim.Backend
	target  *sim.Process
	p       *proc.Process
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := sim.NewBackend()
	target := b.NewProcess(testPid)
	p, err := proc.Open(b, testPid)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return &fixture{backend: b, target: target, p: p}
}

func (f *fixture) mapPopulated(t *testing.T, start, size uint64, perm proc.Perm, path string) {
	t.Helper()
	if err := f.target.Map(start, size, perm, path, false); err != nil {
		t.Fatalf("Map(%#x): %v", start, err)
	}
	f.target.Populate(start, size)
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestTransferRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, dataBase, 2*sim.PageSize, proc.PermRead|proc.PermWrite, "")
	e := proc.NewEngine(nil)

	want := pattern(6000)
	addr := uint64(dataBase + 100)
	n, err := e.Write(f.p, addr, want, len(want), false)
	if err != nil || n != len(want) {
		t.Fatalf("Write: %d %v", n, err)
	}
	got := make([]byte, len(want))
	n, err = e.Read(f.p, addr, got, len(got), false)
	if err != nil || n != len(got) {
		t.Fatalf("Read: %d %v", n, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back different bytes")
	}
}

func TestTransferInvalidArguments(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, dataBase, sim.PageSize, proc.PermRead|proc.PermWrite, "")
	e := proc.NewEngine(nil)
	buf := make([]byte, 16)

	for _, tc := range []struct {
		name   string
		p      *proc.Process
		vaddr  uint64
		length int
	}{
		{"nil handle", nil, dataBase, 8},
		{"zero length", f.p, dataBase, 0},
		{"negative length", f.p, dataBase, -1},
		{"short buffer", f.p, dataBase, 17},
		{"overflow", f.p, math.MaxUint64 - 4, 8},
	} {
		n, err := e.Read(tc.p, tc.vaddr, buf, tc.length, false)
		if n != 0 || !errors.Is(err, proc.ErrInvalidArgument) {
			t.Errorf("%s: got %d %v, want ErrInvalidArgument", tc.name, n, err)
		}
	}
}

func TestTransferStaleHandle(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, dataBase, sim.PageSize, proc.PermRead, "")
	f.p.Close()
	_, err := proc.NewEngine(nil).Read(f.p, dataBase, make([]byte, 8), 8, true)
	if !errors.Is(err, proc.ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}
	if err := f.p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestTransferProcessGone(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, dataBase, sim.PageSize, proc.PermRead, "")
	f.target.Kill()
	for _, force := range []bool{false, true} {
		_, err := proc.NewEngine(nil).Read(f.p, dataBase, make([]byte, 8), 8, force)
		if !errors.Is(err, proc.ErrProcessNotFound) {
			t.Fatalf("force=%v: expected ErrProcessNotFound, got %v", force, err)
		}
	}
	if _, err := proc.Open(f.backend, testPid); !errors.Is(err, proc.ErrProcessNotFound) {
		t.Fatalf("Open of killed process: %v", err)
	}
}

func TestTransferPartialPrefix(t *testing.T) {
	f := newFixture(t)
	if err := f.target.Map(dataBase, 3*sim.PageSize, proc.PermRead|proc.PermWrite, "", false); err != nil {
		t.Fatal(err)
	}
	f.target.Populate(dataBase, 2*sim.PageSize)
	want := pattern(2 * sim.PageSize)
	require.NoError(t, f.target.Poke(dataBase, want))

	for _, force := range []bool{false, true} {
		buf := make([]byte, 3*sim.PageSize)
		n, err := proc.NewEngine(nil).Read(f.p, dataBase, buf, len(buf), force)
		require.NoError(t, err)
		require.Equal(t, 2*sim.PageSize, n, "force=%v", force)
		require.Equal(t, want, buf[:n])
	}
}

func TestTransferUnmappedStart(t *testing.T) {
	f := newFixture(t)
	if err := f.target.Map(dataBase, sim.PageSize, proc.PermRead, "", false); err != nil {
		t.Fatal(err)
	}
	n, err := proc.NewEngine(nil).Read(f.p, dataBase, make([]byte, 8), 8, false)
	if err != nil || n != 0 {
		t.Fatalf("expected empty transfer, got %d %v", n, err)
	}
}

func TestTransferFastReject(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, textBase, sim.PageSize, proc.PermRead|proc.PermExec, "/bin/target")
	f.mapPopulated(t, textBase+sim.PageSize, sim.PageSize, proc.PermRead|proc.PermWrite, "/bin/target")
	e := proc.NewEngine(nil)

	n, err := e.Write(f.p, textBase, []byte{1, 2, 3, 4}, 4, false)
	if n != 0 || !errors.Is(err, proc.ErrPermissionDenied) {
		t.Fatalf("write to read-only mapping: %d %v", n, err)
	}

	// Readable on both sides, but the range spans two mappings.
	buf := make([]byte, 16)
	n, err = e.Read(f.p, textBase+sim.PageSize-8, buf, len(buf), false)
	if n != 0 || !errors.Is(err, proc.ErrPermissionDenied) {
		t.Fatalf("read across mappings: %d %v", n, err)
	}

	n, err = e.Read(f.p, 0x100000, buf, len(buf), false)
	if n != 0 || !errors.Is(err, proc.ErrPermissionDenied) {
		t.Fatalf("read outside mappings: %d %v", n, err)
	}

	// Forced transfers skip the mapping check.
	n, err = e.Read(f.p, textBase+sim.PageSize-8, buf, len(buf), true)
	if n != len(buf) || err != nil {
		t.Fatalf("forced read across mappings: %d %v", n, err)
	}
}

func TestForcedWriteRestoresPermission(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, textBase, 2*sim.PageSize, proc.PermRead|proc.PermExec, "/bin/target")

	patch := pattern(64)
	addr := uint64(textBase + sim.PageSize - 32)
	n, err := proc.NewEngine(nil).Write(f.p, addr, patch, len(patch), true)
	if err != nil || n != len(patch) {
		t.Fatalf("forced write: %d %v", n, err)
	}
	got, err := f.target.Peek(addr, len(patch))
	require.NoError(t, err)
	require.Equal(t, patch, got)

	for _, page := range []uint64{textBase, textBase + sim.PageSize} {
		perm, ok := f.target.PagePerm(page)
		if !ok || perm != proc.PermRead|proc.PermExec {
			t.Fatalf("page %#x: permission %s after forced write", page, perm)
		}
	}
}

func TestTransferStopsAtPagePermission(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, dataBase, 2*sim.PageSize, proc.PermRead|proc.PermWrite, "")
	space, err := f.backend.Open(testPid)
	require.NoError(t, err)
	require.NoError(t, space.SetPermission(dataBase+sim.PageSize, proc.PermWrite, false))

	buf := pattern(2 * sim.PageSize)
	n, err := proc.NewEngine(nil).Write(f.p, dataBase, buf, len(buf), false)
	require.NoError(t, err)
	require.Equal(t, sim.PageSize, n)

	n, err = proc.NewEngine(nil).Write(f.p, dataBase, buf, len(buf), true)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	perm, _ := f.target.PagePerm(dataBase + sim.PageSize)
	require.Equal(t, proc.PermRead, perm)
}

func TestTranslatorGrant(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, textBase, sim.PageSize, proc.PermRead, "")
	tr := proc.NewTranslator()

	pt, err := tr.Translate(f.p, textBase+10)
	require.NoError(t, err)
	require.Equal(t, uint64(textBase), pt.Virtual)

	if _, err := tr.Translate(f.p, dataBase); !errors.Is(err, proc.ErrNotMapped) {
		t.Fatalf("translate of unmapped address: %v", err)
	}
	if _, err := tr.WithPermission(f.p, pt, proc.PermRead|proc.PermWrite, true); !errors.Is(err, proc.ErrInvalidArgument) {
		t.Fatalf("multi-bit permission: %v", err)
	}
	if _, err := tr.WithPermission(f.p, pt, proc.PermWrite, false); !errors.Is(err, proc.ErrPermissionDenied) {
		t.Fatalf("unforced write grant: %v", err)
	}

	g, err := tr.WithPermission(f.p, pt, proc.PermRead, false)
	require.NoError(t, err)
	require.False(t, g.Elevated())
	require.NoError(t, g.Release())

	g, err = tr.WithPermission(f.p, pt, proc.PermWrite, true)
	require.NoError(t, err)
	require.True(t, g.Elevated())
	perm, _ := f.target.PagePerm(textBase)
	require.Equal(t, proc.PermRead|proc.PermWrite, perm)
	require.NoError(t, g.Release())
	require.NoError(t, g.Release())
	perm, _ = f.target.PagePerm(textBase)
	require.Equal(t, proc.PermRead, perm)
}

func TestTranslatorDoReleasesOnError(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, textBase, sim.PageSize, proc.PermRead, "")
	boom := errors.New("boom")
	err := proc.NewTranslator().Do(f.p, textBase, proc.PermWrite, true, func(pt proc.PageTranslation) error {
		if !pt.Perm.Has(proc.PermRead) {
			t.Errorf("unexpected permission %s", pt.Perm)
		}
		return boom
	})
	if err != boom {
		t.Fatalf("expected callback error, got %v", err)
	}
	perm, _ := f.target.PagePerm(textBase)
	require.Equal(t, proc.PermRead, perm)
}
