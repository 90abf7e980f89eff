package sim

import (
	"errors"
	"testing"

	"github.com/rwmem/rwmem/pkg/proc"
)

func TestMapRejectsOverlap(t *testing.T) {
	p := NewBackend().NewProcess(1)
	if err := p.Map(0x10000, 2*PageSize, proc.PermRead, "", false); err != nil {
		t.Fatal(err)
	}
	for _, start := range []uint64{0x10000, 0x11000, 0xf000} {
		if err := p.Map(start, 2*PageSize, proc.PermRead, "", false); !errors.Is(err, proc.ErrInvalidArgument) {
			t.Errorf("Map(%#x): expected overlap error, got %v", start, err)
		}
	}
	if err := p.Map(0x12000, PageSize, proc.PermRead, "", false); err != nil {
		t.Fatalf("adjacent mapping: %v", err)
	}
	if err := p.Map(0x13001, PageSize, proc.PermRead, "", false); !errors.Is(err, proc.ErrInvalidArgument) {
		t.Fatalf("unaligned mapping: %v", err)
	}
}

func TestSpaceSnapshotIsOrdered(t *testing.T) {
	b := NewBackend()
	p := b.NewProcess(1)
	for _, start := range []uint64{0x30000, 0x10000, 0x20000} {
		if err := p.Map(start, PageSize, proc.PermRead, "", false); err != nil {
			t.Fatal(err)
		}
	}
	s, err := b.Open(1)
	if err != nil {
		t.Fatal(err)
	}
	vmas, _, err := s.VMAs()
	if err != nil {
		t.Fatal(err)
	}
	if len(vmas) != 3 || vmas[0].Start != 0x10000 || vmas[2].Start != 0x30000 {
		t.Fatalf("unexpected snapshot %v", vmas)
	}
	if err := p.Unmap(0x20000); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.MapCount(); n != 2 {
		t.Fatalf("MapCount = %d after unmap", n)
	}
	if len(vmas) != 3 {
		t.Fatalf("snapshot changed after unmap")
	}
	s.Close()
	if _, err := s.Translate(0x10000); !errors.Is(err, proc.ErrStaleHandle) {
		t.Fatalf("closed space: %v", err)
	}
}

func TestCopyStaysInPage(t *testing.T) {
	b := NewBackend()
	p := b.NewProcess(1)
	if err := p.Map(0x10000, PageSize, proc.PermRead, "", false); err != nil {
		t.Fatal(err)
	}
	p.Populate(0x10000, PageSize)
	s, _ := b.Open(1)
	tr, err := s.Translate(0x10010)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Virtual != 0x10000 || tr.Physical == 0 {
		t.Fatalf("unexpected translation %+v", tr)
	}
	if _, err := s.Copy(tr, PageSize-4, make([]byte, 8), proc.Read); !errors.Is(err, proc.ErrInvalidArgument) {
		t.Fatalf("copy across the page end: %v", err)
	}
	p.Evict(0x10000, PageSize)
	if _, err := s.Copy(tr, 0, make([]byte, 8), proc.Read); !errors.Is(err, proc.ErrNotMapped) {
		t.Fatalf("copy from evicted page: %v", err)
	}
}

func TestKilledTaskRejectsWork(t *testing.T) {
	b := NewBackend()
	p := b.NewProcess(5)
	task := p.Task(5)
	p.Kill()
	if err := task.Schedule(func() {}); !errors.Is(err, proc.ErrProcessNotFound) {
		t.Fatalf("Schedule on dead task: %v", err)
	}
	if r := task.Do(Op{Kind: Exec, Addr: 0x1000}); !errors.Is(r.Err, proc.ErrProcessNotFound) {
		t.Fatalf("op on dead task: %v", r.Err)
	}
	if _, err := NewFacility(b).Task(5); !errors.Is(err, proc.ErrProcessNotFound) {
		t.Fatalf("Task of dead process: %v", err)
	}
}
