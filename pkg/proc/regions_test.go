package proc_test

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/sim"
)

const (
	heapBase  = 0x01000000
	vdsoBase  = 0x7f0000000000
	stackBase = 0x7ffff0000000
)

func layoutFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.mapPopulated(t, textBase, 2*sim.PageSize, proc.PermRead|proc.PermExec, "/usr/bin/target")
	f.mapPopulated(t, heapBase, 4*sim.PageSize, proc.PermRead|proc.PermWrite, "")
	f.mapPopulated(t, 0x20000000, sim.PageSize, proc.PermRead, "")
	f.mapPopulated(t, vdsoBase, sim.PageSize, proc.PermRead|proc.PermExec, "")
	f.mapPopulated(t, stackBase, 8*sim.PageSize, proc.PermRead|proc.PermWrite, "")
	f.target.SetLayout(proc.Layout{
		VDSO:       vdsoBase,
		StartBrk:   heapBase,
		Brk:        heapBase + 2*sim.PageSize,
		StartStack: stackBase + 6*sim.PageSize + 0x10,
	})
	return f
}

func TestEnumerateNames(t *testing.T) {
	f := layoutFixture(t)
	e := proc.NewEnumerator()

	n, err := e.Count(f.p)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	res, err := e.Enumerate(f.p, n+50, false)
	require.NoError(t, err)
	require.True(t, res.Complete)

	var names []string
	for i, r := range res.Regions {
		names = append(names, r.Name)
		if i > 0 && res.Regions[i-1].End > r.Start {
			t.Errorf("regions %d and %d overlap or are out of order", i-1, i)
		}
	}
	assert.Equal(t, []string{"/usr/bin/target", "[heap]", "", "[vdso]", "[stack]"}, names)
	assert.Equal(t, proc.PermRead|proc.PermExec, res.Regions[0].Perm)
}

func TestEnumerateTruncation(t *testing.T) {
	f := layoutFixture(t)
	e := proc.NewEnumerator()

	res, err := e.Enumerate(f.p, 2, false)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Len(t, res.Regions, 2)

	res, err = e.Enumerate(f.p, 5, false)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Len(t, res.Regions, 5)

	res, err = e.Enumerate(f.p, 0, false)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Empty(t, res.Regions)

	_, err = e.Enumerate(f.p, -1, false)
	assert.True(t, errors.Is(err, proc.ErrInvalidArgument))
}

func TestEnumerateEmptyProcess(t *testing.T) {
	f := newFixture(t)
	res, err := proc.NewEnumerator().Enumerate(f.p, 0, false)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Empty(t, res.Regions)
}

func TestEnumerateNameTruncation(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, textBase, sim.PageSize, proc.PermRead, "/very/long/path/to/library.so")
	e := proc.NewEnumerator()
	e.MaxNameLength = 8
	res, err := e.Enumerate(f.p, 1, false)
	require.NoError(t, err)
	require.Len(t, res.Regions, 1)
	assert.Equal(t, "/very/l", res.Regions[0].Name)
}

func TestEnumerateResidentOnly(t *testing.T) {
	for _, chunk := range []int{proc.MaxResidencyChunkPages, 2, 1} {
		f := newFixture(t)
		if err := f.target.Map(dataBase, 8*sim.PageSize, proc.PermRead|proc.PermWrite, "/dev/zero", true); err != nil {
			t.Fatal(err)
		}
		f.target.Populate(dataBase, 2*sim.PageSize)
		f.target.Populate(dataBase+4*sim.PageSize, 4*sim.PageSize)
		space, err := f.backend.Open(testPid)
		require.NoError(t, err)
		// Backed but unreadable pages do not count as resident.
		require.NoError(t, space.SetPermission(dataBase+7*sim.PageSize, proc.PermRead, false))
		f.mapPopulated(t, textBase, sim.PageSize, proc.PermRead, "")
		f.target.Evict(textBase, sim.PageSize)

		e := proc.NewEnumerator()
		e.ChunkPages = chunk
		res, err := e.Enumerate(f.p, 10, true)
		require.NoError(t, err)
		require.True(t, res.Complete)
		want := []proc.MemoryRegion{
			{Start: dataBase, End: dataBase + 2*sim.PageSize, Perm: proc.PermRead | proc.PermWrite, Shared: true, Name: "/dev/zero"},
			{Start: dataBase + 4*sim.PageSize, End: dataBase + 7*sim.PageSize, Perm: proc.PermRead | proc.PermWrite, Shared: true, Name: "/dev/zero"},
		}
		assert.Equal(t, want, res.Regions, "chunk=%d", chunk)

		res, err = e.Enumerate(f.p, 1, true)
		require.NoError(t, err)
		assert.False(t, res.Complete)
		assert.Equal(t, want[:1], res.Regions)
	}
}

func TestQueryResidency(t *testing.T) {
	f := newFixture(t)
	if err := f.target.Map(dataBase, 16*sim.PageSize, proc.PermRead, "", false); err != nil {
		t.Fatal(err)
	}
	f.target.Populate(dataBase+3*sim.PageSize, sim.PageSize)
	f.target.Populate(dataBase+9*sim.PageSize, 2*sim.PageSize)

	bm, err := proc.QueryResidency(f.p, dataBase, dataBase+16*sim.PageSize)
	require.NoError(t, err)
	assert.Equal(t, 16, bm.Pages)
	assert.Len(t, bm.Bits, 2)
	assert.Equal(t, 3, bm.Count())
	for i := 0; i < bm.Pages; i++ {
		want := i == 3 || i == 9 || i == 10
		if bm.Resident(i) != want {
			t.Errorf("page %d: resident %v", i, bm.Resident(i))
		}
	}

	for _, r := range [][2]uint64{
		{dataBase + 1, dataBase + sim.PageSize},
		{dataBase, dataBase},
		{dataBase, dataBase + (proc.MaxResidencyChunkPages+1)*sim.PageSize},
	} {
		if _, err := proc.QueryResidency(f.p, r[0], r[1]); !errors.Is(err, proc.ErrInvalidArgument) {
			t.Errorf("range %#x-%#x: %v", r[0], r[1], err)
		}
	}

	bm, err = proc.QueryResidency(f.p, dataBase, dataBase+proc.MaxResidencyChunkPages*sim.PageSize)
	require.NoError(t, err)
	assert.Len(t, bm.Bits, 1024)
}

func TestEnumerationRecords(t *testing.T) {
	f := layoutFixture(t)
	res, err := proc.NewEnumerator().Enumerate(f.p, 3, false)
	require.NoError(t, err)

	b, err := proc.EncodeEnumeration(res, proc.DefaultMaxNameLength)
	require.NoError(t, err)
	assert.Len(t, b, 13+3*(20+proc.DefaultMaxNameLength))

	got, err := proc.DecodeEnumeration(b)
	require.NoError(t, err)
	assert.Equal(t, res, got)

	_, err = proc.DecodeEnumeration(b[:len(b)-1])
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "truncated dump: %v", err)
}

func TestResidencyRecords(t *testing.T) {
	f := newFixture(t)
	f.mapPopulated(t, dataBase, 3*sim.PageSize, proc.PermRead, "")
	bm, err := proc.QueryResidency(f.p, dataBase, dataBase+3*sim.PageSize)
	require.NoError(t, err)
	got, err := proc.DecodeResidency(proc.EncodeResidency(bm))
	require.NoError(t, err)
	assert.Equal(t, bm, got)
}
