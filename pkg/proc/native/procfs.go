package native

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/rwmem/rwmem/pkg/proc"
)

// AppFs is the filesystem procfs files are read from. Tests replace it with
// an afero.MemMapFs.
var AppFs = afero.NewOsFs()

const (
	_AT_NULL         = 0
	_AT_SYSINFO_EHDR = 33

	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// ProcFS reads the per process files of a procfs mount.
type ProcFS struct {
	fs   afero.Fs
	root string
}

// NewProcFS returns a ProcFS reading the procfs mounted at root in fs.
func NewProcFS(fs afero.Fs, root string) *ProcFS {
	return &ProcFS{fs: fs, root: root}
}

func (p *ProcFS) path(pid int, name string) string {
	return filepath.Join(p.root, strconv.Itoa(pid), name)
}

// notFound maps a missing procfs entry to proc.ErrProcessNotFound.
func notFound(pid int, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, afero.ErrFileNotFound) {
		return fmt.Errorf("pid %d: %w", pid, proc.ErrProcessNotFound)
	}
	return err
}

// Exists returns nil if the process is present.
func (p *ProcFS) Exists(pid int) error {
	if _, err := p.fs.Stat(p.path(pid, "stat")); err != nil {
		return notFound(pid, err)
	}
	return nil
}

// Open opens a procfs file of pid.
func (p *ProcFS) Open(pid int, name string, flag int) (afero.File, error) {
	f, err := p.fs.OpenFile(p.path(pid, name), flag, 0)
	if err != nil {
		return nil, notFound(pid, err)
	}
	return f, nil
}

// Mapping is a line of /proc/<pid>/maps.
type Mapping struct {
	proc.VMA
	Label string // pseudo path such as "[heap]", not a file
}

// Maps parses /proc/<pid>/maps.
func (p *ProcFS) Maps(pid int) ([]Mapping, error) {
	b, err := afero.ReadFile(p.fs, p.path(pid, "maps"))
	if err != nil {
		return nil, notFound(pid, err)
	}
	return parseMaps(b)
}

func parseMaps(b []byte) ([]Mapping, error) {
	var r []Mapping
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		// start-end perms offset dev inode [path]
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed maps line %q", line)
		}
		var (
			m   Mapping
			err error
		)
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("malformed maps range %q", fields[0])
		}
		if m.Start, err = strconv.ParseUint(bounds[0], 16, 64); err != nil {
			return nil, fmt.Errorf("malformed maps range %q: %v", fields[0], err)
		}
		if m.End, err = strconv.ParseUint(bounds[1], 16, 64); err != nil {
			return nil, fmt.Errorf("malformed maps range %q: %v", fields[0], err)
		}
		if m.Perm, err = proc.ParsePerm(fields[1]); err != nil {
			return nil, err
		}
		m.Shared = len(fields[1]) > 3 && fields[1][3] == 's'
		if name := mapsPath(line); name != "" {
			if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
				m.Label = name
			} else {
				m.Path = name
			}
		}
		r = append(r, m)
	}
	return r, s.Err()
}

// mapsPath returns what follows the first five fields of a maps line. Paths
// may contain spaces.
func mapsPath(line string) string {
	rest := line
	for i := 0; i < 5; i++ {
		rest = strings.TrimLeft(rest, " \t")
		j := strings.IndexAny(rest, " \t")
		if j < 0 {
			return ""
		}
		rest = rest[j:]
	}
	return strings.TrimSpace(rest)
}

// Stat holds the fields of /proc/<pid>/stat used to label mappings.
type Stat struct {
	Comm       string
	State      byte
	StartStack uint64
	StartBrk   uint64
}

// Stat parses /proc/<pid>/stat.
func (p *ProcFS) Stat(pid int) (Stat, error) {
	b, err := afero.ReadFile(p.fs, p.path(pid, "stat"))
	if err != nil {
		return Stat{}, notFound(pid, err)
	}
	return parseStat(b)
}

func parseStat(b []byte) (Stat, error) {
	// The second field is the command name in parentheses; it can contain
	// both spaces and parentheses so fields are counted from the last ')'.
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return Stat{}, fmt.Errorf("malformed stat %q", b)
	}
	fields := strings.Fields(string(b[i+1:]))
	// fields[0] is field 3 (state).
	field := func(n int) (uint64, error) {
		if n-3 >= len(fields) {
			return 0, fmt.Errorf("stat has no field %d", n)
		}
		return strconv.ParseUint(fields[n-3], 10, 64)
	}
	var st Stat
	if j := bytes.IndexByte(b, '('); j >= 0 && j < i {
		st.Comm = string(b[j+1 : i])
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		st.State = fields[0][0]
	}
	var err error
	if st.StartStack, err = field(28); err != nil {
		return Stat{}, err
	}
	if st.StartBrk, err = field(47); err != nil {
		return Stat{}, err
	}
	return st, nil
}

// VDSO returns the base of the vDSO from the auxiliary vector of pid, or
// zero if it has none.
func (p *ProcFS) VDSO(pid int) (uint64, error) {
	b, err := afero.ReadFile(p.fs, p.path(pid, "auxv"))
	if err != nil {
		return 0, notFound(pid, err)
	}
	return auxvEntry(b, _AT_SYSINFO_EHDR), nil
}

// auxvEntry searches a 64 bit little endian auxiliary vector for tag.
func auxvEntry(auxv []byte, tag uint64) uint64 {
	rd := bytes.NewReader(auxv)
	for {
		var kv [2]uint64
		if err := binary.Read(rd, binary.LittleEndian, &kv); err != nil {
			return 0
		}
		switch kv[0] {
		case _AT_NULL:
			return 0
		case tag:
			return kv[1]
		}
	}
}

// PagemapEntry is a decoded /proc/<pid>/pagemap entry.
type PagemapEntry struct {
	Present bool
	PFN     uint64 // zero unless the reader has CAP_SYS_ADMIN
}

// ReadPagemap decodes the pagemap entry of the page containing vaddr from
// an open pagemap file.
func ReadPagemap(f io.ReaderAt, vaddr, pageSize uint64) (PagemapEntry, error) {
	var b [8]byte
	if _, err := f.ReadAt(b[:], int64(vaddr/pageSize*8)); err != nil {
		if err == io.EOF {
			return PagemapEntry{}, nil
		}
		return PagemapEntry{}, err
	}
	v := binary.LittleEndian.Uint64(b[:])
	return PagemapEntry{Present: v&pagemapPresent != 0, PFN: v & pagemapPFNMask}, nil
}
