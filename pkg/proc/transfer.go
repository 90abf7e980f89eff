package proc

import (
	"errors"
	"fmt"
	"math"

	"github.com/rwmem/rwmem/pkg/logflags"
	"github.com/rwmem/rwmem/pkg/metrics"
)

// Engine moves bytes between a caller buffer and a target process one page
// at a time. A transfer that cannot complete stops at the first page it
// cannot access and reports how many bytes were moved before it.
type Engine struct {
	tr  *Translator
	log logflags.Logger
}

// NewEngine returns an Engine that uses tr for address translation. If tr
// is nil a new Translator is created.
func NewEngine(tr *Translator) *Engine {
	if tr == nil {
		tr = NewTranslator()
	}
	return &Engine{tr: tr, log: logflags.TransferLogger()}
}

// Read copies length bytes starting at vaddr into buf.
func (e *Engine) Read(p *Process, vaddr uint64, buf []byte, length int, force bool) (int, error) {
	return e.Transfer(p, vaddr, buf, length, Read, force)
}

// Write copies the first length bytes of buf into the target at vaddr.
func (e *Engine) Write(p *Process, vaddr uint64, buf []byte, length int, force bool) (int, error) {
	return e.Transfer(p, vaddr, buf, length, Write, force)
}

// Transfer moves length bytes between buf and the target range starting at
// vaddr in direction dir. The returned count is the length of the prefix
// that was transferred; it may be shorter than length, or zero, without an
// error. Without force the whole range must fall inside a single mapping
// carrying the permission dir requires.
func (e *Engine) Transfer(p *Process, vaddr uint64, buf []byte, length int, dir Direction, force bool) (int, error) {
	if p == nil {
		return 0, invalidArgf("nil process handle")
	}
	if length <= 0 || length > len(buf) {
		return 0, invalidArgf("length %d with buffer of %d bytes", length, len(buf))
	}
	if uint64(length)-1 > math.MaxUint64-vaddr {
		return 0, invalidArgf("range %#x+%d overflows the address space", vaddr, length)
	}
	space, err := p.addressSpace()
	if err != nil {
		return 0, err
	}

	if !force {
		if err := e.probe(space, vaddr, uint64(length), dir.Perm()); err != nil {
			metrics.TransfersTotal.WithLabelValues(dir.String(), metrics.ResultRejected).Inc()
			return 0, err
		}
	}

	n, err := e.pages(p, space.PageSize(), vaddr, buf[:length], dir, force)
	metrics.TransferBytes.WithLabelValues(dir.String()).Add(float64(n))
	result := metrics.ResultComplete
	if n < length {
		result = metrics.ResultPartial
	}
	metrics.TransfersTotal.WithLabelValues(dir.String(), result).Inc()
	if err != nil {
		return n, err
	}
	if n < length {
		e.log.Debugf("%s of %d bytes at %#x stopped after %d bytes", dir, length, vaddr, n)
	}
	return n, nil
}

// probe checks that [vaddr, vaddr+length) lies in one mapping with perm.
func (e *Engine) probe(space AddressSpace, vaddr, length uint64, perm Perm) error {
	vmas, _, err := space.VMAs()
	if err != nil {
		return err
	}
	for _, vma := range vmas {
		if vaddr < vma.Start || vaddr >= vma.End {
			continue
		}
		if !vma.Perm.Has(perm) || vaddr+length > vma.End {
			break
		}
		return nil
	}
	return fmt.Errorf("range %#x+%d is not %s in one mapping: %w", vaddr, length, perm, ErrPermissionDenied)
}

func (e *Engine) pages(p *Process, pageSize, vaddr uint64, buf []byte, dir Direction, force bool) (int, error) {
	done := 0
	for done < len(buf) {
		addr := vaddr + uint64(done)
		chunk := pageSize - addr%pageSize
		if rem := uint64(len(buf) - done); rem < chunk {
			chunk = rem
		}

		var copied int
		err := e.tr.Do(p, addr, dir.Perm(), force, func(tr PageTranslation) error {
			n, err := e.copyPage(p, tr, addr-tr.Virtual, buf[done:done+int(chunk)], dir)
			copied = n
			return err
		})
		done += copied
		switch {
		case err == nil:
			if copied < int(chunk) {
				return done, nil
			}
		case errors.Is(err, ErrProcessNotFound), errors.Is(err, ErrStaleHandle):
			return done, err
		default:
			e.log.Debugf("page %#x: %v", addr, err)
			return done, nil
		}
	}
	return done, nil
}

func (e *Engine) copyPage(p *Process, tr PageTranslation, off uint64, buf []byte, dir Direction) (int, error) {
	space, err := p.addressSpace()
	if err != nil {
		return 0, err
	}
	return space.Copy(tr, off, buf, dir)
}
