package vmm

import "rvos/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uint64

const (
	// FlagValid is set when the entry points to a table or a page.
	FlagValid PageTableEntryFlag = 1 << iota

	// FlagRead allows loads from the page.
	FlagRead

	// FlagWrite allows stores to the page.
	FlagWrite

	// FlagExec allows instruction fetches from the page.
	FlagExec

	// FlagUser makes the page accessible from user mode.
	FlagUser

	// FlagGlobal marks a mapping that exists in every address space.
	FlagGlobal

	// FlagAccessed is set by the MMU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the MMU when the page is written.
	FlagDirty
)

const (
	// leafFlags are the permission bits that make an entry a leaf. A
	// valid entry without any of them points to the next level table.
	leafFlags = FlagRead | FlagWrite | FlagExec

	flagMask = PageTableEntryFlag(0x3ff)

	// pageLevels is the number of page table levels used by sv39.
	pageLevels = 3

	// entriesPerTable is the number of 8-byte entries in a table page.
	entriesPerTable = 512

	pxMask = 0x1ff
)

// PageTableEntry describes an sv39 page table entry: bits 10-53 hold the
// physical page number and bits 0-9 the flags.
type PageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Flags returns the flag bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(pte) & flagMask
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame(uint64(pte) >> 10)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint64(*pte) & uint64(flagMask)) | uint64(frame)<<10)
}

// isLeaf reports whether a valid entry maps a page rather than a table.
func (pte PageTableEntry) isLeaf() bool {
	return pte.HasAnyFlag(leafFlags)
}

// pageIndex extracts the 9-bit table index of va for the given level; level
// 2 is the root.
func pageIndex(level int, va uint64) int {
	return int((va >> (mm.PageShift + 9*uint(level))) & pxMask)
}
