package proc

// Backend opens the address space of a process by pid.
type Backend interface {
	// Name identifies the backend, e.g. "native" or "sim".
	Name() string
	// Open returns the address space of pid or ErrProcessNotFound.
	Open(pid int) (AddressSpace, error)
}

// AddressSpace is the interface to the operating system's view of a
// process address space. Every method returns ErrProcessNotFound once the
// process is gone.
type AddressSpace interface {
	// PageSize returns the page size of the address space.
	PageSize() uint64

	// Translate resolves the page containing vaddr. It returns ErrNotMapped
	// if no physical page currently backs vaddr.
	Translate(vaddr uint64) (PageTranslation, error)

	// SetPermission sets (on=true) or clears (on=false) perm on the page
	// containing vaddr. perm is a single permission bit.
	SetPermission(vaddr uint64, perm Perm, on bool) error

	// Copy moves len(buf) bytes between buf and the page described by tr,
	// starting off bytes into the page. The range never crosses the end of
	// the page. Page permissions are not checked.
	Copy(tr PageTranslation, off uint64, buf []byte, dir Direction) (int, error)

	// VMAs returns the mappings in ascending start order together with the
	// process layout. The snapshot is taken under the address space read
	// lock and is not updated afterwards.
	VMAs() ([]VMA, Layout, error)

	// MapCount returns the current number of mappings.
	MapCount() (int, error)

	// Close releases the resources held by the address space.
	Close() error
}
