package amd64util

import (
	"errors"
	"fmt"
)

// NumSlots is the number of address registers (DR0-DR3).
const NumSlots = 4

const (
	dr6SingleStep = 1 << 14 // BS
	dr6Conditions = 0xf     // B0-B3
)

// DebugRegisters represents x86 debug registers described in the Intel 64
// and IA-32 Architectures Software Developer's Manual, Vol. 3B, section
// 17.2. The zero value has every slot disabled.
type DebugRegisters struct {
	Addrs    [NumSlots]uint64
	DR6, DR7 uint64
	Dirty    bool
}

// Slot describes the configuration of one address register.
type Slot struct {
	Addr        uint64
	Read, Write bool
	Execute     bool
	Size        int
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// Enabled returns true if slot idx is in use.
func (drs *DebugRegisters) Enabled(idx uint8) bool {
	return drs.DR7&(1<<enableBitOffset(idx)) != 0
}

// Slot decodes slot idx. The second return value is false if it is
// disabled.
func (drs *DebugRegisters) Slot(idx uint8) (Slot, bool) {
	if !drs.Enabled(idx) {
		return Slot{}, false
	}
	s := Slot{Addr: drs.Addrs[idx]}
	lenrw := (drs.DR7 >> lenrwBitsOffset(idx)) & 0xf
	switch lenrw & 0x3 {
	case 0x0:
		s.Execute = true
	case 0x1:
		s.Write = true
	case 0x3:
		s.Read, s.Write = true, true
	}
	switch lenrw >> 2 {
	case 0x0:
		s.Size = 1
	case 0x1:
		s.Size = 2
	case 0x2:
		s.Size = 8 // sic
	case 0x3:
		s.Size = 4
	}
	return s, true
}

// FreeSlot returns the lowest disabled slot.
func (drs *DebugRegisters) FreeSlot() (uint8, bool) {
	for idx := uint8(0); idx < NumSlots; idx++ {
		if !drs.Enabled(idx) {
			return idx, true
		}
	}
	return 0, false
}

// SetSlot programs slot idx. Instruction breakpoints must have size 1.
// If the slot is already in use with the same parameters it does nothing.
func (drs *DebugRegisters) SetSlot(idx uint8, s Slot) error {
	if int(idx) >= NumSlots {
		return fmt.Errorf("hardware breakpoints exhausted")
	}
	if cur, ok := drs.Slot(idx); ok {
		if cur != s {
			return fmt.Errorf("hardware breakpoint %d already in use (address %#x)", idx, cur.Addr)
		}
		return nil
	}

	var lenrw uint64
	switch {
	case s.Execute:
		if s.Read || s.Write {
			return errors.New("instruction breakpoint cannot watch data")
		}
		if s.Size != 1 {
			return fmt.Errorf("instruction breakpoint of size %d not supported", s.Size)
		}
	case s.Read && !s.Write:
		return errors.New("break on read only not supported")
	case s.Read:
		lenrw = 0x3
	case s.Write:
		lenrw = 0x1
	default:
		return errors.New("empty breakpoint condition")
	}
	switch s.Size {
	case 1:
		// already ok
	case 2:
		lenrw |= 0x1 << 2
	case 4:
		lenrw |= 0x3 << 2
	case 8:
		lenrw |= 0x2 << 2
	default:
		return fmt.Errorf("data breakpoint of size %d not supported", s.Size)
	}

	drs.Addrs[idx] = s.Addr
	drs.DR7 &^= 0xf << lenrwBitsOffset(idx) // clear old settings
	drs.DR7 |= lenrw << lenrwBitsOffset(idx)
	drs.DR7 |= 1 << enableBitOffset(idx)
	drs.Dirty = true
	return nil
}

// ClearSlot disables slot idx. If it was already disabled it does nothing.
func (drs *DebugRegisters) ClearSlot(idx uint8) {
	if !drs.Enabled(idx) {
		return
	}
	drs.DR7 &^= 1 << enableBitOffset(idx)
	drs.DR7 &^= 0xf << lenrwBitsOffset(idx)
	drs.Addrs[idx] = 0
	drs.Dirty = true
}

// Triggered returns the enabled slots whose condition bit is set in DR6.
func (drs *DebugRegisters) Triggered() []uint8 {
	var r []uint8
	for idx := uint8(0); idx < NumSlots; idx++ {
		if drs.Enabled(idx) && drs.DR6&(1<<idx) != 0 {
			r = append(r, idx)
		}
	}
	return r
}

// SingleStepped returns true if DR6 reports a single step trap.
func (drs *DebugRegisters) SingleStepped() bool {
	return drs.DR6&dr6SingleStep != 0
}

// ResetStatus clears the condition bits of DR6. The processor never clears
// them itself.
func (drs *DebugRegisters) ResetStatus() {
	if drs.DR6&(dr6Conditions|dr6SingleStep) == 0 {
		return
	}
	drs.DR6 &^= dr6Conditions | dr6SingleStep
	drs.Dirty = true
}
