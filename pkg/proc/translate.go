package proc

import (
	"fmt"
	"sync"

	"github.com/rwmem/rwmem/pkg/logflags"
	"github.com/rwmem/rwmem/pkg/metrics"
)

// Translator resolves virtual addresses of a target process and grants
// temporary access to pages that lack a permission.
type Translator struct {
	log logflags.Logger
}

// NewTranslator returns a new Translator.
func NewTranslator() *Translator {
	return &Translator{log: logflags.TranslatorLogger()}
}

// Translate returns the translation of the page containing vaddr. The
// result must not be kept beyond the current access.
func (t *Translator) Translate(p *Process, vaddr uint64) (PageTranslation, error) {
	space, err := p.addressSpace()
	if err != nil {
		return PageTranslation{}, err
	}
	return space.Translate(vaddr)
}

// Grant is a scoped permission grant returned by WithPermission. Release
// must be called on every path once the access is done.
type Grant struct {
	space    AddressSpace
	vaddr    uint64
	perm     Perm
	elevated bool

	once sync.Once
	err  error
	log  logflags.Logger
}

// Elevated returns true if the grant changed the page permission.
func (g *Grant) Elevated() bool {
	return g.elevated
}

// Release restores the page permission changed by the grant. It is safe to
// call Release more than once.
func (g *Grant) Release() error {
	if g == nil || !g.elevated {
		return nil
	}
	g.once.Do(func() {
		g.err = g.space.SetPermission(g.vaddr, g.perm, false)
		if g.err != nil {
			g.log.WithError(g.err).Errorf("could not restore %s on page %#x", g.perm, g.vaddr)
			return
		}
		g.log.Debugf("restored %s on page %#x", g.perm, g.vaddr)
	})
	return g.err
}

// WithPermission checks that the page described by tr has the required
// permission. If it does not and force is set, the permission bit is turned
// on until the returned grant is released. Only the requested bit is ever
// changed.
func (t *Translator) WithPermission(p *Process, tr PageTranslation, required Perm, force bool) (*Grant, error) {
	if !required.single() {
		return nil, invalidArgf("permission %s is not a single bit", required)
	}
	space, err := p.addressSpace()
	if err != nil {
		return nil, err
	}
	g := &Grant{space: space, vaddr: tr.Virtual, perm: required, log: t.log}
	if tr.Perm.Has(required) {
		return g, nil
	}
	if !force {
		return nil, fmt.Errorf("page %#x is %s, need %s: %w", tr.Virtual, tr.Perm, required, ErrPermissionDenied)
	}
	if err := space.SetPermission(tr.Virtual, required, true); err != nil {
		return nil, fmt.Errorf("could not elevate page %#x: %w", tr.Virtual, err)
	}
	g.elevated = true
	metrics.PermissionElevations.Inc()
	t.log.Debugf("elevated %s on page %#x (was %s)", required, tr.Virtual, tr.Perm)
	return g, nil
}

// Do translates vaddr, obtains a grant for required and calls fn with the
// translation. The grant is released before Do returns, whatever fn does.
func (t *Translator) Do(p *Process, vaddr uint64, required Perm, force bool, fn func(tr PageTranslation) error) (err error) {
	tr, err := t.Translate(p, vaddr)
	if err != nil {
		return err
	}
	g, err := t.WithPermission(p, tr, required, force)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(tr)
}
