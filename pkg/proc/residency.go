package proc

import (
	"errors"
)

// MaxResidencyChunkPages is the largest number of pages a single
// QueryResidency call may cover (1024 bitmap bytes).
const MaxResidencyChunkPages = 8192

// ResidencyBitmap has one bit per page of a page aligned range. Bit i is
// set if page i is backed by physical memory and readable.
type ResidencyBitmap struct {
	Start    uint64
	PageSize uint64
	Pages    int
	Bits     []byte
}

func newResidencyBitmap(start, pageSize uint64, pages int) *ResidencyBitmap {
	return &ResidencyBitmap{Start: start, PageSize: pageSize, Pages: pages, Bits: make([]byte, (pages+7)/8)}
}

// Resident returns true if page i is resident.
func (b *ResidencyBitmap) Resident(i int) bool {
	if i < 0 || i >= b.Pages {
		return false
	}
	return b.Bits[i/8]&(1<<uint(i%8)) != 0
}

func (b *ResidencyBitmap) set(i int) {
	b.Bits[i/8] |= 1 << uint(i%8)
}

// Count returns the number of resident pages.
func (b *ResidencyBitmap) Count() int {
	n := 0
	for i := 0; i < b.Pages; i++ {
		if b.Resident(i) {
			n++
		}
	}
	return n
}

// End returns the end address of the range covered by the bitmap.
func (b *ResidencyBitmap) End() uint64 {
	return b.Start + uint64(b.Pages)*b.PageSize
}

// QueryResidency reports which pages of [start, end) are resident. Both
// bounds must be page aligned and the range may cover at most
// MaxResidencyChunkPages pages; larger ranges are queried chunk by chunk.
func QueryResidency(p *Process, start, end uint64) (*ResidencyBitmap, error) {
	space, err := p.addressSpace()
	if err != nil {
		return nil, err
	}
	ps := space.PageSize()
	if start%ps != 0 || end%ps != 0 || start >= end {
		return nil, invalidArgf("residency range %#x-%#x", start, end)
	}
	if (end-start)/ps > MaxResidencyChunkPages {
		return nil, invalidArgf("residency range %#x-%#x covers more than %d pages", start, end, MaxResidencyChunkPages)
	}
	bm := newResidencyBitmap(start, ps, int((end-start)/ps))
	for i := 0; i < bm.Pages; i++ {
		tr, err := space.Translate(start + uint64(i)*ps)
		switch {
		case err == nil:
			if tr.Perm.Has(PermRead) {
				bm.set(i)
			}
		case errors.Is(err, ErrNotMapped):
		default:
			return nil, err
		}
	}
	return bm, nil
}
