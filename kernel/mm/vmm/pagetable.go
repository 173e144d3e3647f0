package vmm

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"unsafe"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrBadAddress is returned by the user copy routines when a page in
	// the range is not mapped with the required permissions.
	ErrBadAddress = &kernel.Error{Module: "vmm", Message: "bad user address"}

	// ErrStringTooLong is returned by CopyInStr when no terminating zero
	// byte is found within the destination buffer.
	ErrStringTooLong = &kernel.Error{Module: "vmm", Message: "copyinstr: max length exceeded"}

	errWalkRange      = &kernel.Error{Module: "vmm", Message: "walk: virtual address out of range"}
	errMapSize        = &kernel.Error{Module: "vmm", Message: "mappages: size"}
	errRemap          = &kernel.Error{Module: "vmm", Message: "mappages: remap"}
	errUnmapAlign     = &kernel.Error{Module: "vmm", Message: "uvmunmap: not aligned"}
	errUnmapWalk      = &kernel.Error{Module: "vmm", Message: "uvmunmap: walk"}
	errUnmapNotMapped = &kernel.Error{Module: "vmm", Message: "uvmunmap: not mapped"}
	errUnmapNotLeaf   = &kernel.Error{Module: "vmm", Message: "uvmunmap: not a leaf"}
)

// PageTable is an sv39 page table rooted at a physical frame. A PageTable
// value is a handle: copies refer to the same tree.
type PageTable struct {
	mem  *mm.Memory
	root mm.Frame
}

// New allocates an empty page table.
func New(mem *mm.Memory) (PageTable, *kernel.Error) {
	root, err := mem.AllocFrame()
	if err != nil {
		return PageTable{}, err
	}
	mem.Zero(root)
	return PageTable{mem: mem, root: root}, nil
}

// FromSatp returns the page table that a satp value points to.
func FromSatp(mem *mm.Memory, satp uint64) PageTable {
	return PageTable{mem: mem, root: mm.Frame(satp & (1<<44 - 1))}
}

// Valid reports whether pt refers to a page table.
func (pt PageTable) Valid() bool {
	return pt.mem != nil
}

// Root returns the frame holding the top-level table.
func (pt PageTable) Root() mm.Frame {
	return pt.root
}

// Satp returns the satp value that activates this page table.
func (pt PageTable) Satp() uint64 {
	return cpu.SatpSv39 | uint64(pt.root)
}

// InitHart switches hart c to this page table.
func (pt PageTable) InitHart(c *cpu.CPU) {
	c.Satp = pt.Satp()
}

// table returns a view of the table stored in frame f.
func (pt PageTable) table(f mm.Frame) *[entriesPerTable]PageTableEntry {
	page := pt.mem.Page(f)
	return (*[entriesPerTable]PageTableEntry)(unsafe.Pointer(&page[0]))
}

// Walk returns the leaf entry for va. Missing intermediate tables are
// allocated and zeroed when alloc is set; otherwise a missing table yields
// ErrInvalidMapping. Addresses at or above MAXVA are fatal.
func (pt PageTable) Walk(va uint64, alloc bool) (*PageTableEntry, *kernel.Error) {
	if va >= mm.MAXVA {
		panicFn(errWalkRange)
		return nil, errWalkRange
	}

	tbl := pt.table(pt.root)
	for level := pageLevels - 1; level > 0; level-- {
		pte := &tbl[pageIndex(level, va)]
		if !pte.HasFlags(FlagValid) {
			if !alloc {
				return nil, ErrInvalidMapping
			}

			next, err := pt.mem.AllocFrame()
			if err != nil {
				return nil, err
			}
			pt.mem.Zero(next)

			*pte = 0
			pte.SetFrame(next)
			pte.SetFlags(FlagValid)
		}
		tbl = pt.table(pte.Frame())
	}

	return &tbl[pageIndex(0, va)], nil
}

// MapPages installs leaf entries for the pages that cover [va, va+size),
// pointing them at consecutive frames starting at pa. Remapping a valid
// entry is fatal. If a table allocation fails the pages mapped so far stay
// mapped and the caller unwinds them.
func (pt PageTable) MapPages(va, size, pa uint64, perm PageTableEntryFlag) *kernel.Error {
	if size == 0 {
		panicFn(errMapSize)
		return errMapSize
	}

	a := mm.PageRoundDown(va)
	last := mm.PageRoundDown(va + size - 1)
	for {
		pte, err := pt.Walk(a, true)
		if err != nil {
			return err
		}
		if pte.HasFlags(FlagValid) {
			panicFn(errRemap)
			return errRemap
		}

		*pte = 0
		pte.SetFrame(mm.FrameFromAddress(pa))
		pte.SetFlags(perm | FlagValid)

		if a == last {
			return nil
		}
		a += mm.PageSize
		pa += mm.PageSize
	}
}

// Unmap removes npages mappings starting at the page-aligned va, returning
// the frames to the allocator when free is set. Every page must be mapped.
func (pt PageTable) Unmap(va, npages uint64, free bool) {
	if va%mm.PageSize != 0 {
		panicFn(errUnmapAlign)
		return
	}

	for a := va; a < va+npages*mm.PageSize; a += mm.PageSize {
		pte, _ := pt.Walk(a, false)
		switch {
		case pte == nil:
			panicFn(errUnmapWalk)
			return
		case !pte.HasFlags(FlagValid):
			panicFn(errUnmapNotMapped)
			return
		case !pte.isLeaf():
			panicFn(errUnmapNotLeaf)
			return
		}

		if free {
			pt.mem.FreeFrame(pte.Frame())
		}
		*pte = 0
	}
}

// WalkAddr returns the physical address that the user page at va maps to.
// Only valid, user-accessible pages are considered.
func (pt PageTable) WalkAddr(va uint64) (uint64, bool) {
	return pt.Translate(va, 0)
}

// Translate performs a user-mode access check for va: the page must be
// valid, user-accessible and carry every flag in need. On success it returns
// the physical address of va and updates the accessed and dirty bits.
func (pt PageTable) Translate(va uint64, need PageTableEntryFlag) (uint64, bool) {
	if va >= mm.MAXVA {
		return 0, false
	}

	pte, _ := pt.Walk(va, false)
	if pte == nil || !pte.HasFlags(FlagValid|FlagUser|need) {
		return 0, false
	}

	pte.SetFlags(FlagAccessed)
	if need&FlagWrite != 0 {
		pte.SetFlags(FlagDirty)
	}
	return pte.Frame().Address() + va%mm.PageSize, true
}
