package native

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"

	"github.com/rwmem/rwmem/pkg/logflags"
	"github.com/rwmem/rwmem/pkg/proc"
)

const openFileCacheSize = 64

type fileKey struct {
	pid  int
	name string
}

// Backend opens address spaces through procfs. Memory is copied through
// /proc/<pid>/mem, which ignores page protections; permission changes are
// tracked per page by the address space so that the protection reported by
// Translate reflects active grants.
type Backend struct {
	fs       *ProcFS
	pageSize uint64
	log      logflags.Logger

	mu    sync.Mutex // serializes use of files
	files *lru.Cache
}

// NewBackend returns a backend reading the host procfs.
func NewBackend() *Backend {
	return NewBackendFs(AppFs, "/proc")
}

// NewBackendFs returns a backend reading the procfs mounted at root in fs.
func NewBackendFs(fs afero.Fs, root string) *Backend {
	files, err := lru.NewWithEvict(openFileCacheSize, func(_, value interface{}) {
		value.(afero.File).Close()
	})
	if err != nil {
		panic(err)
	}
	return &Backend{fs: NewProcFS(fs, root), pageSize: uint64(os.Getpagesize()), log: logflags.NativeLogger(), files: files}
}

// Name implements proc.Backend.
func (b *Backend) Name() string {
	return "native"
}

// Open implements proc.Backend.
func (b *Backend) Open(pid int) (proc.AddressSpace, error) {
	if err := b.fs.Exists(pid); err != nil {
		return nil, err
	}
	return &space{b: b, pid: pid, granted: make(map[uint64]proc.Perm), revoked: make(map[uint64]proc.Perm)}, nil
}

// withFile calls fn with the cached procfs file name of pid, opening it if
// needed.
func (b *Backend) withFile(pid int, name string, fn func(afero.File) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := fileKey{pid, name}
	var f afero.File
	if v, ok := b.files.Get(k); ok {
		f = v.(afero.File)
	} else {
		var err error
		f, err = b.fs.Open(pid, name, os.O_RDWR)
		if errors.Is(err, os.ErrPermission) {
			f, err = b.fs.Open(pid, name, os.O_RDONLY)
		}
		if err != nil {
			return err
		}
		b.files.Add(k, f)
	}
	return fn(f)
}

func (b *Backend) forget(pid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range []string{"mem", "pagemap"} {
		b.files.Remove(fileKey{pid, name})
	}
}

// space is the procfs view of one process.
type space struct {
	b   *Backend
	pid int

	mu      sync.Mutex
	granted map[uint64]proc.Perm
	revoked map[uint64]proc.Perm
	closed  bool
}

func (s *space) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return proc.ErrStaleHandle
	}
	return nil
}

func (s *space) PageSize() uint64 {
	return s.b.pageSize
}

func (s *space) mapping(vaddr uint64) (*Mapping, error) {
	maps, err := s.b.fs.Maps(s.pid)
	if err != nil {
		return nil, err
	}
	for i := range maps {
		if vaddr >= maps[i].Start && vaddr < maps[i].End {
			return &maps[i], nil
		}
	}
	return nil, nil
}

func (s *space) Translate(vaddr uint64) (proc.PageTranslation, error) {
	if err := s.check(); err != nil {
		return proc.PageTranslation{}, err
	}
	page := vaddr &^ (s.b.pageSize - 1)
	m, err := s.mapping(vaddr)
	if err != nil {
		return proc.PageTranslation{}, err
	}
	if m == nil {
		return proc.PageTranslation{}, fmt.Errorf("%#x: %w", vaddr, proc.ErrNotMapped)
	}
	var pe PagemapEntry
	err = s.b.withFile(s.pid, "pagemap", func(f afero.File) error {
		pe, err = ReadPagemap(f, page, s.b.pageSize)
		return err
	})
	if err != nil {
		return proc.PageTranslation{}, err
	}
	if !pe.Present {
		return proc.PageTranslation{}, fmt.Errorf("%#x: %w", vaddr, proc.ErrNotMapped)
	}
	s.mu.Lock()
	perm := (m.Perm | s.granted[page]) &^ s.revoked[page]
	s.mu.Unlock()
	return proc.PageTranslation{Virtual: page, Physical: pe.PFN * s.b.pageSize, Perm: perm}, nil
}

func (s *space) SetPermission(vaddr uint64, perm proc.Perm, on bool) error {
	if err := s.check(); err != nil {
		return err
	}
	page := vaddr &^ (s.b.pageSize - 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		if s.revoked[page]&perm != 0 {
			s.revoked[page] &^= perm
		} else {
			s.granted[page] |= perm
		}
	} else {
		if s.granted[page]&perm != 0 {
			s.granted[page] &^= perm
		} else {
			s.revoked[page] |= perm
		}
	}
	if s.granted[page] == 0 {
		delete(s.granted, page)
	}
	if s.revoked[page] == 0 {
		delete(s.revoked, page)
	}
	verb := "drop"
	if on {
		verb = "grant"
	}
	s.b.log.Debugf("pid %d page %#x: %s %s", s.pid, page, verb, perm)
	return nil
}

func (s *space) Copy(tr proc.PageTranslation, off uint64, buf []byte, dir proc.Direction) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if off+uint64(len(buf)) > s.b.pageSize {
		return 0, fmt.Errorf("%w: copy of %d bytes at page offset %d", proc.ErrInvalidArgument, len(buf), off)
	}
	var n int
	err := s.b.withFile(s.pid, "mem", func(f afero.File) error {
		var err error
		if dir == proc.Write {
			n, err = f.WriteAt(buf, int64(tr.Virtual+off))
		} else {
			n, err = f.ReadAt(buf, int64(tr.Virtual+off))
		}
		return err
	})
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, syscall.EIO), errors.Is(err, syscall.EFAULT):
		return n, fmt.Errorf("%#x: %w", tr.Virtual, proc.ErrNotMapped)
	case errors.Is(err, syscall.ESRCH):
		s.b.forget(s.pid)
		return n, fmt.Errorf("pid %d: %w", s.pid, proc.ErrProcessNotFound)
	}
	return n, err
}

func (s *space) VMAs() ([]proc.VMA, proc.Layout, error) {
	if err := s.check(); err != nil {
		return nil, proc.Layout{}, err
	}
	maps, err := s.b.fs.Maps(s.pid)
	if err != nil {
		return nil, proc.Layout{}, err
	}
	st, err := s.b.fs.Stat(s.pid)
	if err != nil {
		return nil, proc.Layout{}, err
	}
	layout := proc.Layout{StartBrk: st.StartBrk, Brk: st.StartBrk, StartStack: st.StartStack}
	if layout.VDSO, err = s.b.fs.VDSO(s.pid); err != nil {
		if errors.Is(err, proc.ErrProcessNotFound) {
			return nil, proc.Layout{}, err
		}
		s.b.log.Debugf("pid %d: auxv: %v", s.pid, err)
	}
	vmas := make([]proc.VMA, len(maps))
	for i, m := range maps {
		vmas[i] = m.VMA
		if m.Label == "[heap]" && m.End > layout.Brk {
			layout.Brk = m.End
		}
	}
	return vmas, layout, nil
}

func (s *space) MapCount() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	maps, err := s.b.fs.Maps(s.pid)
	return len(maps), err
}

func (s *space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.b.forget(s.pid)
	}
	return nil
}
