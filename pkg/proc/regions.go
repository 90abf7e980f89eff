package proc

import (
	"strconv"

	"github.com/rwmem/rwmem/pkg/logflags"
	"github.com/rwmem/rwmem/pkg/metrics"
)

// DefaultMaxNameLength is the default size of the name field of a region
// record, terminator included.
const DefaultMaxNameLength = 512

// Enumerator lists the mapped regions of a process.
type Enumerator struct {
	// MaxNameLength bounds backing names to MaxNameLength-1 bytes.
	MaxNameLength int
	// ChunkPages is the number of pages queried per residency chunk.
	ChunkPages int

	log logflags.Logger
}

// NewEnumerator returns an Enumerator with default limits.
func NewEnumerator() *Enumerator {
	return &Enumerator{
		MaxNameLength: DefaultMaxNameLength,
		ChunkPages:    MaxResidencyChunkPages,
		log:           logflags.RegionsLogger(),
	}
}

// Count returns the number of mappings of p. The value is an upper bound
// for a following Enumerate call and may already be stale when returned.
func (e *Enumerator) Count(p *Process) (int, error) {
	space, err := p.addressSpace()
	if err != nil {
		return 0, err
	}
	return space.MapCount()
}

// Enumerate returns at most capacity regions of p in ascending order. If
// residentOnly is set each mapping is split into runs of resident pages and
// mappings without resident pages are omitted. The result is marked
// incomplete if more regions would have followed.
func (e *Enumerator) Enumerate(p *Process, capacity int, residentOnly bool) (*EnumerationResult, error) {
	if capacity < 0 {
		return nil, invalidArgf("capacity %d", capacity)
	}
	space, err := p.addressSpace()
	if err != nil {
		return nil, err
	}
	vmas, layout, err := space.VMAs()
	if err != nil {
		return nil, err
	}

	res := &EnumerationResult{Regions: make([]MemoryRegion, 0, min(capacity, len(vmas))), Complete: true}
	emit := func(r MemoryRegion) bool {
		if len(res.Regions) >= capacity {
			res.Complete = false
			return false
		}
		res.Regions = append(res.Regions, r)
		return true
	}

	for _, vma := range vmas {
		r := MemoryRegion{Start: vma.Start, End: vma.End, Perm: vma.Perm, Shared: vma.Shared, Name: e.name(vma, layout)}
		if !residentOnly {
			if !emit(r) {
				break
			}
			continue
		}
		ok, err := e.residentRuns(p, space.PageSize(), r, emit)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}

	metrics.Enumerations.WithLabelValues(strconv.FormatBool(res.Complete)).Inc()
	e.log.Debugf("pid %d: %d regions (resident only %v, complete %v)", p.Pid(), len(res.Regions), residentOnly, res.Complete)
	return res, nil
}

// residentRuns emits the runs of resident pages of r. It returns false if
// emit refused a region.
func (e *Enumerator) residentRuns(p *Process, pageSize uint64, r MemoryRegion, emit func(MemoryRegion) bool) (bool, error) {
	chunk := e.ChunkPages
	if chunk <= 0 || chunk > MaxResidencyChunkPages {
		chunk = MaxResidencyChunkPages
	}
	var (
		inRun    bool
		runStart uint64
	)
	for start := r.Start; start < r.End; {
		end := start + uint64(chunk)*pageSize
		if end > r.End || end < start {
			end = r.End
		}
		bm, err := QueryResidency(p, start, end)
		if err != nil {
			return false, err
		}
		for i := 0; i < bm.Pages; i++ {
			addr := start + uint64(i)*pageSize
			switch resident := bm.Resident(i); {
			case resident && !inRun:
				inRun, runStart = true, addr
			case !resident && inRun:
				inRun = false
				if !emit(MemoryRegion{Start: runStart, End: addr, Perm: r.Perm, Shared: r.Shared, Name: r.Name}) {
					return false, nil
				}
			}
		}
		start = end
	}
	if inRun {
		return emit(MemoryRegion{Start: runStart, End: r.End, Perm: r.Perm, Shared: r.Shared, Name: r.Name}), nil
	}
	return true, nil
}

// name resolves the backing name of vma: its file, then the vdso, heap and
// stack labels.
func (e *Enumerator) name(vma VMA, layout Layout) string {
	var name string
	switch {
	case vma.Path != "":
		name = vma.Path
	case layout.VDSO != 0 && vma.Start == layout.VDSO:
		name = "[vdso]"
	case vma.Start <= layout.Brk && vma.End >= layout.StartBrk && layout.Brk != 0:
		name = "[heap]"
	case vma.Start <= layout.StartStack && vma.End >= layout.StartStack && layout.StartStack != 0:
		name = "[stack]"
	}
	if e.MaxNameLength > 0 && len(name) > e.MaxNameLength-1 {
		name = name[:e.MaxNameLength-1]
	}
	return name
}
