package watch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rwmem/rwmem/pkg/proc"
)

// Kind selects a register domain.
type Kind uint8

const (
	// General registers: the general purpose bank followed by the stack
	// pointer, program counter, processor state and two architecture
	// specific slots.
	General Kind = iota
	// SIMD registers: the vector bank followed by the status and control
	// registers.
	SIMD
)

func (k Kind) String() string {
	if k == SIMD {
		return "simd"
	}
	return "general"
}

// Uint128 is a vector register value.
type Uint128 struct {
	Lo, Hi uint64
}

func (v Uint128) String() string {
	if v.Hi == 0 {
		return fmt.Sprintf("%#x", v.Lo)
	}
	return fmt.Sprintf("%#x%016x", v.Hi, v.Lo)
}

// RegisterLayout describes the register file of an architecture.
type RegisterLayout struct {
	Arch         string
	GeneralNames []string // general purpose bank, then sp, pc, state and the two extra slots
	GP           int      // size of the general purpose bank
	VectorPrefix string
	Vectors      int
	StatusName   string
	ControlName  string
}

// ARM64 is the layout of the arm64 register file.
var ARM64 = newLayout("arm64", gpNames("x", 31), "sp", "pc", "pstate", []string{"orig_x0", "syscallno"}, "v", 32, "fpsr", "fpcr")

// AMD64 is the layout of the amd64 register file.
var AMD64 = newLayout("amd64",
	[]string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"},
	"rsp", "rip", "eflags", []string{"fs_base", "gs_base"}, "xmm", 16, "mxcsr", "fcw")

func gpNames(prefix string, n int) []string {
	r := make([]string, n)
	for i := range r {
		r[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return r
}

func newLayout(arch string, gp []string, sp, pc, state string, extra []string, vprefix string, vectors int, status, control string) RegisterLayout {
	names := append(append([]string{}, gp...), sp, pc, state)
	names = append(names, extra...)
	return RegisterLayout{Arch: arch, GeneralNames: names, GP: len(gp), VectorPrefix: vprefix, Vectors: vectors, StatusName: status, ControlName: control}
}

// SP returns the general index of the stack pointer.
func (l RegisterLayout) SP() int { return l.GP }

// PC returns the general index of the program counter.
func (l RegisterLayout) PC() int { return l.GP + 1 }

// State returns the general index of the processor state register.
func (l RegisterLayout) State() int { return l.GP + 2 }

// NewRegisterFile returns a zeroed register file with this layout.
func (l RegisterLayout) NewRegisterFile() RegisterFile {
	return RegisterFile{General: make([]uint64, len(l.GeneralNames)), Vector: make([]Uint128, l.Vectors)}
}

// Lookup returns the domain and index of the register called name.
func (l RegisterLayout) Lookup(name string) (Kind, int, bool) {
	for i, n := range l.GeneralNames {
		if n == name {
			return General, i, true
		}
	}
	switch name {
	case l.StatusName:
		return SIMD, l.Vectors, true
	case l.ControlName:
		return SIMD, l.Vectors + 1, true
	}
	if rest := strings.TrimPrefix(name, l.VectorPrefix); rest != name {
		if i, err := strconv.Atoi(rest); err == nil && i >= 0 && i < l.Vectors && strconv.Itoa(i) == rest {
			return SIMD, i, true
		}
	}
	return 0, 0, false
}

// Name returns the name of register idx of domain k.
func (l RegisterLayout) Name(k Kind, idx int) string {
	switch {
	case k == General && idx >= 0 && idx < len(l.GeneralNames):
		return l.GeneralNames[idx]
	case k == SIMD && idx >= 0 && idx < l.Vectors:
		return fmt.Sprintf("%s%d", l.VectorPrefix, idx)
	case k == SIMD && idx == l.Vectors:
		return l.StatusName
	case k == SIMD && idx == l.Vectors+1:
		return l.ControlName
	}
	return fmt.Sprintf("%s[%d]", k, idx)
}

// RegisterFile holds the registers of a stopped task.
type RegisterFile struct {
	General []uint64
	Vector  []Uint128
	Status  uint64
	Control uint64
}

// Clone returns a deep copy of rf.
func (rf RegisterFile) Clone() RegisterFile {
	return RegisterFile{
		General: append([]uint64(nil), rf.General...),
		Vector:  append([]Uint128(nil), rf.Vector...),
		Status:  rf.Status,
		Control: rf.Control,
	}
}

// Get returns register idx of domain k.
func (rf RegisterFile) Get(k Kind, idx int) (Uint128, error) {
	switch k {
	case General:
		if idx >= 0 && idx < len(rf.General) {
			return Uint128{Lo: rf.General[idx]}, nil
		}
	case SIMD:
		switch {
		case idx >= 0 && idx < len(rf.Vector):
			return rf.Vector[idx], nil
		case idx == len(rf.Vector):
			return Uint128{Lo: rf.Status}, nil
		case idx == len(rf.Vector)+1:
			return Uint128{Lo: rf.Control}, nil
		}
	}
	return Uint128{}, fmt.Errorf("%w: %s register %d", proc.ErrInvalidArgument, k, idx)
}

// Set changes register idx of domain k. General, status and control
// registers only take the low half of v.
func (rf *RegisterFile) Set(k Kind, idx int, v Uint128) error {
	switch k {
	case General:
		if idx >= 0 && idx < len(rf.General) {
			rf.General[idx] = v.Lo
			return nil
		}
	case SIMD:
		switch {
		case idx >= 0 && idx < len(rf.Vector):
			rf.Vector[idx] = v
			return nil
		case idx == len(rf.Vector):
			rf.Status = v.Lo
			return nil
		case idx == len(rf.Vector)+1:
			rf.Control = v.Lo
			return nil
		}
	}
	return fmt.Errorf("%w: %s register %d", proc.ErrInvalidArgument, k, idx)
}
