package amd64util

import "encoding/binary"

// AMD64PtraceFpRegs tracks user_fpregs_struct in /usr/include/x86_64-linux-gnu/sys/user.h
type AMD64PtraceFpRegs struct {
	Cwd      uint16
	Swd      uint16
	Ftw      uint16
	Fop      uint16
	Rip      uint64
	Rdp      uint64
	Mxcsr    uint32
	MxcrMask uint32
	StSpace  [32]uint32
	XmmSpace [256]byte
	Padding  [24]uint32
}

// NumXmm is the number of XMM registers in XmmSpace.
const NumXmm = 16

// Xmm returns the low and high halves of XMM register n.
func (fp *AMD64PtraceFpRegs) Xmm(n int) (lo, hi uint64) {
	b := fp.XmmSpace[n*16 : n*16+16]
	return binary.LittleEndian.Uint64(b), binary.LittleEndian.Uint64(b[8:])
}

// SetXmm replaces XMM register n.
func (fp *AMD64PtraceFpRegs) SetXmm(n int, lo, hi uint64) {
	b := fp.XmmSpace[n*16 : n*16+16]
	binary.LittleEndian.PutUint64(b, lo)
	binary.LittleEndian.PutUint64(b[8:], hi)
}
