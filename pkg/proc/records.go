package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Region dump layout, little endian:
//
//	header: count u64, complete u8, name length u32
//	region: start u64, end u64, flags [4]u8 (r, w, x, shared), name [name length]u8
//
// Names are NUL padded. Residency dumps are start u64, page size u64,
// pages u32 followed by the bitmap bytes.

// RecordWriter appends fixed width fields to a growing buffer.
type RecordWriter struct {
	buf []byte
}

// Uint8 appends v.
func (w *RecordWriter) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

// Uint32 appends v.
func (w *RecordWriter) Uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// Uint64 appends v.
func (w *RecordWriter) Uint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// Bool appends v as a single byte.
func (w *RecordWriter) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

// String appends s in a NUL padded field of width bytes. s is cut so that at
// least one NUL byte follows it.
func (w *RecordWriter) String(s string, width int) {
	if width <= 0 {
		return
	}
	if len(s) > width-1 {
		s = s[:width-1]
	}
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, make([]byte, width-len(s))...)
}

// Raw appends b unchanged.
func (w *RecordWriter) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Bytes returns the encoded buffer.
func (w *RecordWriter) Bytes() []byte {
	return w.buf
}

// RecordReader reads fields written by RecordWriter. Reading past the end
// of the buffer returns io.ErrUnexpectedEOF.
type RecordReader struct {
	buf []byte
	off int
}

// NewRecordReader returns a reader over b.
func NewRecordReader(b []byte) *RecordReader {
	return &RecordReader{buf: b}
}

func (r *RecordReader) next(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("record at offset %d needs %d bytes, %d left: %w", r.off, n, len(r.buf)-r.off, io.ErrUnexpectedEOF)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Uint8 reads a byte.
func (r *RecordReader) Uint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint32 reads a little endian uint32.
func (r *RecordReader) Uint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little endian uint64.
func (r *RecordReader) Uint64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// String reads a NUL padded field of width bytes.
func (r *RecordReader) String(width int) (string, error) {
	b, err := r.next(width)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// Raw reads n bytes.
func (r *RecordReader) Raw(n int) ([]byte, error) {
	b, err := r.next(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Remaining returns the number of unread bytes.
func (r *RecordReader) Remaining() int {
	return len(r.buf) - r.off
}

// EncodeEnumeration serializes res with name fields of nameLen bytes.
func EncodeEnumeration(res *EnumerationResult, nameLen int) ([]byte, error) {
	if nameLen <= 0 {
		return nil, invalidArgf("name length %d", nameLen)
	}
	w := &RecordWriter{}
	w.Uint64(uint64(len(res.Regions)))
	w.Bool(res.Complete)
	w.Uint32(uint32(nameLen))
	for _, reg := range res.Regions {
		w.Uint64(reg.Start)
		w.Uint64(reg.End)
		w.Bool(reg.Perm.Has(PermRead))
		w.Bool(reg.Perm.Has(PermWrite))
		w.Bool(reg.Perm.Has(PermExec))
		w.Bool(reg.Shared)
		w.String(reg.Name, nameLen)
	}
	return w.Bytes(), nil
}

// DecodeEnumeration parses a buffer produced by EncodeEnumeration.
func DecodeEnumeration(b []byte) (*EnumerationResult, error) {
	r := NewRecordReader(b)
	count, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	complete, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	nameLen, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	recLen := uint64(8 + 8 + 4 + nameLen)
	if nameLen == 0 || count > uint64(r.Remaining())/recLen {
		return nil, fmt.Errorf("malformed region dump: %d records of %d bytes in %d bytes: %w", count, recLen, r.Remaining(), io.ErrUnexpectedEOF)
	}
	res := &EnumerationResult{Regions: make([]MemoryRegion, 0, count), Complete: complete != 0}
	for i := uint64(0); i < count; i++ {
		var reg MemoryRegion
		if reg.Start, err = r.Uint64(); err != nil {
			return nil, err
		}
		if reg.End, err = r.Uint64(); err != nil {
			return nil, err
		}
		flags, err := r.Raw(4)
		if err != nil {
			return nil, err
		}
		for j, p := range []Perm{PermRead, PermWrite, PermExec} {
			if flags[j] != 0 {
				reg.Perm |= p
			}
		}
		reg.Shared = flags[3] != 0
		if reg.Name, err = r.String(int(nameLen)); err != nil {
			return nil, err
		}
		res.Regions = append(res.Regions, reg)
	}
	return res, nil
}

// EncodeResidency serializes a residency bitmap.
func EncodeResidency(bm *ResidencyBitmap) []byte {
	w := &RecordWriter{}
	w.Uint64(bm.Start)
	w.Uint64(bm.PageSize)
	w.Uint32(uint32(bm.Pages))
	w.Raw(bm.Bits)
	return w.Bytes()
}

// DecodeResidency parses a buffer produced by EncodeResidency.
func DecodeResidency(b []byte) (*ResidencyBitmap, error) {
	r := NewRecordReader(b)
	start, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	ps, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	pages, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if pages > MaxResidencyChunkPages {
		return nil, invalidArgf("residency dump of %d pages", pages)
	}
	bits, err := r.Raw(int(pages+7) / 8)
	if err != nil {
		return nil, err
	}
	return &ResidencyBitmap{Start: start, PageSize: ps, Pages: int(pages), Bits: bits}, nil
}
