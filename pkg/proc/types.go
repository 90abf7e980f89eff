package proc

import (
	"fmt"
	"strings"
)

// Perm is a set of page permission bits.
type Perm uint8

const (
	// PermRead allows loads from a page.
	PermRead Perm = 1 << iota
	// PermWrite allows stores to a page.
	PermWrite
	// PermExec allows instruction fetches from a page.
	PermExec
)

// Has reports whether every bit of q is present in p.
func (p Perm) Has(q Perm) bool {
	return p&q == q
}

// single reports whether p is exactly one permission bit.
func (p Perm) single() bool {
	return p == PermRead || p == PermWrite || p == PermExec
}

func (p Perm) String() string {
	b := []byte("---")
	if p.Has(PermRead) {
		b[0] = 'r'
	}
	if p.Has(PermWrite) {
		b[1] = 'w'
	}
	if p.Has(PermExec) {
		b[2] = 'x'
	}
	return string(b)
}

// ParsePerm parses the "rwx" notation used by /proc/<pid>/maps. Characters
// after the third one (such as the sharing flag) are ignored.
func ParsePerm(s string) (Perm, error) {
	if len(s) < 3 {
		return 0, fmt.Errorf("malformed permission string %q", s)
	}
	var p Perm
	for i, want := range []byte("rwx") {
		switch s[i] {
		case want:
			p |= 1 << uint(i)
		case '-':
		default:
			return 0, fmt.Errorf("malformed permission string %q", s)
		}
	}
	return p, nil
}

// Direction is the direction of a memory transfer.
type Direction uint8

const (
	// Read copies from the target into the caller's buffer.
	Read Direction = iota
	// Write copies from the caller's buffer into the target.
	Write
)

// Perm returns the page permission a transfer in direction d requires.
func (d Direction) Perm() Perm {
	if d == Write {
		return PermWrite
	}
	return PermRead
}

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// PageTranslation is the result of translating a virtual address. It is
// only valid for the duration of the call that obtained it.
type PageTranslation struct {
	Virtual  uint64 // page aligned virtual address
	Physical uint64 // page aligned physical address, zero if the backend cannot see frame numbers
	Perm     Perm
}

// MemoryRegion is a contiguous mapping of the target address space.
type MemoryRegion struct {
	Start  uint64
	End    uint64 // exclusive
	Perm   Perm
	Shared bool
	Name   string
}

// Size returns the length of the region in bytes.
func (r MemoryRegion) Size() uint64 {
	return r.End - r.Start
}

// Contains returns true if addr falls inside the region.
func (r MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r MemoryRegion) String() string {
	shared := 'p'
	if r.Shared {
		shared = 's'
	}
	return strings.TrimRight(fmt.Sprintf("%012x-%012x %s%c %s", r.Start, r.End, r.Perm, shared, r.Name), " ")
}

// EnumerationResult is the output of Enumerator.Enumerate. Complete is
// false if the region list was truncated.
type EnumerationResult struct {
	Regions  []MemoryRegion
	Complete bool
}

// VMA is a mapping as reported by the address space authority, before
// backing names are resolved.
type VMA struct {
	Start  uint64
	End    uint64
	Perm   Perm
	Shared bool
	Path   string // backing file, empty for anonymous mappings
}

// Layout holds the well-known addresses of a process used to label
// anonymous mappings.
type Layout struct {
	VDSO       uint64 // base of the vDSO mapping, zero if unknown
	StartBrk   uint64
	Brk        uint64
	StartStack uint64
}
