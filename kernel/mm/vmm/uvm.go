package vmm

import (
	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"

	"go.uber.org/zap"
)

var (
	errFirstSize     = &kernel.Error{Module: "vmm", Message: "uvmfirst: more than a page"}
	errCopyNoPTE     = &kernel.Error{Module: "vmm", Message: "uvmcopy: pte should exist"}
	errCopyNotMapped = &kernel.Error{Module: "vmm", Message: "uvmcopy: page not present"}
	errClear         = &kernel.Error{Module: "vmm", Message: "uvmclear"}
	errFreeWalkLeaf  = &kernel.Error{Module: "vmm", Message: "freewalk: leaf"}
)

// First loads the initial user program into address 0 of pt. The program
// must fit in one page.
func (pt PageTable) First(src []byte) *kernel.Error {
	if uint64(len(src)) >= mm.PageSize {
		panicFn(errFirstSize)
		return errFirstSize
	}

	f, err := pt.mem.AllocFrame()
	if err != nil {
		return err
	}
	pt.mem.Zero(f)

	if err := pt.MapPages(0, mm.PageSize, f.Address(), FlagWrite|FlagRead|FlagExec|FlagUser); err != nil {
		pt.mem.FreeFrame(f)
		return err
	}
	copy(pt.mem.Page(f), src)
	return nil
}

// Alloc grows the user address space from oldsz to newsz, mapping zeroed
// pages readable by user code plus xperm. It stops at the first page that
// cannot be allocated or mapped and returns the size reached, which is
// newsz on success and less on failure.
func (pt PageTable) Alloc(oldsz, newsz uint64, xperm PageTableEntryFlag) uint64 {
	if newsz < oldsz {
		return oldsz
	}

	a := mm.PageRoundUp(oldsz)
	for ; a < newsz; a += mm.PageSize {
		f, err := pt.mem.AllocFrame()
		if err != nil {
			return a
		}
		pt.mem.Zero(f)

		if err := pt.MapPages(a, mm.PageSize, f.Address(), FlagRead|FlagUser|xperm); err != nil {
			pt.mem.FreeFrame(f)
			return a
		}
	}
	return newsz
}

// Dealloc shrinks the user address space from oldsz to newsz, unmapping and
// freeing every page beyond newsz. oldsz may be larger than the actual
// size. It returns the new size.
func (pt PageTable) Dealloc(oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}

	if mm.PageRoundUp(newsz) < mm.PageRoundUp(oldsz) {
		npages := (mm.PageRoundUp(oldsz) - mm.PageRoundUp(newsz)) / mm.PageSize
		pt.Unmap(mm.PageRoundUp(newsz), npages, true)
	}
	return newsz
}

// Copy duplicates the first sz bytes of pt's address space into dst,
// copying every page into a freshly allocated frame with the same
// permissions. On failure every page already installed in dst is unmapped
// and freed.
func (pt PageTable) Copy(dst PageTable, sz uint64) *kernel.Error {
	for va := uint64(0); va < sz; va += mm.PageSize {
		pte, _ := pt.Walk(va, false)
		if pte == nil {
			panicFn(errCopyNoPTE)
			return errCopyNoPTE
		}
		if !pte.HasFlags(FlagValid) {
			panicFn(errCopyNotMapped)
			return errCopyNotMapped
		}

		f, err := pt.mem.AllocFrame()
		if err != nil {
			unwindCopy(dst, va, sz, err)
			return err
		}
		copy(pt.mem.Page(f), pt.mem.Page(pte.Frame()))

		if err := dst.MapPages(va, mm.PageSize, f.Address(), pte.Flags()); err != nil {
			pt.mem.FreeFrame(f)
			unwindCopy(dst, va, sz, err)
			return err
		}
	}
	return nil
}

// unwindCopy releases the va bytes Copy already installed in dst.
func unwindCopy(dst PageTable, va, sz uint64, err *kernel.Error) {
	kfmt.Log("vmm").Warn("address space copy failed",
		zap.Uint64("copied", va),
		zap.Uint64("size", sz),
		zap.Error(err),
	)
	dst.Unmap(0, va/mm.PageSize, true)
}

// Clear removes user access from the page at va. exec uses it for the
// guard page below the user stack.
func (pt PageTable) Clear(va uint64) {
	pte, _ := pt.Walk(va, false)
	if pte == nil {
		panicFn(errClear)
		return
	}
	pte.ClearFlags(FlagUser)
}

// Free unmaps and frees the first sz bytes of user memory and then every
// page-table page.
func (pt PageTable) Free(sz uint64) {
	if sz > 0 {
		pt.Unmap(0, mm.PageRoundUp(sz)/mm.PageSize, true)
	}
	pt.freeWalk(pt.root)
}

// freeWalk recursively frees the table in frame f and every table below
// it. All leaf mappings must have been removed already.
func (pt PageTable) freeWalk(f mm.Frame) {
	tbl := pt.table(f)
	for i := range tbl {
		pte := &tbl[i]
		if !pte.HasFlags(FlagValid) {
			continue
		}
		if pte.isLeaf() {
			panicFn(errFreeWalkLeaf)
			return
		}

		pt.freeWalk(pte.Frame())
		*pte = 0
	}
	pt.mem.FreeFrame(f)
}
