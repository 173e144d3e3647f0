package vmm

import (
	"rvos/kernel"
	"rvos/kernel/mm"
)

// KernelPageTable builds the kernel's page table: device registers and RAM
// are direct-mapped, the trampoline sits at the top of the address space
// and each of the nproc process slots gets a kernel stack below it.
func KernelPageTable(mem *mm.Memory, nproc int) (PageTable, *kernel.Error) {
	kpt, err := New(mem)
	if err != nil {
		return PageTable{}, err
	}

	regions := []struct {
		va, pa, size uint64
		perm         PageTableEntryFlag
	}{
		{mm.UART0, mm.UART0, mm.PageSize, FlagRead | FlagWrite},
		{mm.VIRTIO0, mm.VIRTIO0, mm.PageSize, FlagRead | FlagWrite},
		{mm.PLIC, mm.PLIC, mm.PLICSize, FlagRead | FlagWrite},
		{mm.KERNBASE, mm.KERNBASE, mm.KernelText - mm.KERNBASE, FlagRead | FlagExec},
		{mm.KernelText, mm.KernelText, mem.End() - mm.KernelText, FlagRead | FlagWrite},
		{mm.TRAMPOLINE, mm.TrampolinePhys, mm.PageSize, FlagRead | FlagExec},
	}
	for _, r := range regions {
		if err := kpt.MapPages(r.va, r.size, r.pa, r.perm); err != nil {
			return PageTable{}, err
		}
	}

	for slot := 0; slot < nproc; slot++ {
		f, err := mem.AllocFrame()
		if err != nil {
			return PageTable{}, err
		}
		mem.Zero(f)
		if err := kpt.MapPages(mm.KernelStack(slot), mm.PageSize, f.Address(), FlagRead|FlagWrite); err != nil {
			return PageTable{}, err
		}
	}

	return kpt, nil
}

// KernelTranslate returns the physical address that va maps to in the kernel
// page table, ignoring the user bit.
func (pt PageTable) KernelTranslate(va uint64) (uint64, bool) {
	if va >= mm.MAXVA {
		return 0, false
	}
	pte, _ := pt.Walk(va, false)
	if pte == nil || !pte.HasFlags(FlagValid) {
		return 0, false
	}
	return pte.Frame().Address() + va%mm.PageSize, true
}
