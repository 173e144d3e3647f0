package mm

// Physical memory layout of the machine, modelled on qemu's virt board:
//
//	00001000 -- boot ROM
//	02000000 -- CLINT
//	0C000000 -- PLIC
//	10000000 -- uart0
//	10001000 -- virtio disk
//	80000000 -- RAM; the kernel image is loaded here
//
// The kernel image occupies [KERNBASE, KernelEnd): text up to KernelText,
// data after it. Frames above KernelEnd are handed out by the allocator.
const (
	UART0    = uint64(0x10000000)
	UART0IRQ = 10

	VIRTIO0    = uint64(0x10001000)
	VIRTIO0IRQ = 1

	PLIC     = uint64(0x0c000000)
	PLICSize = uint64(0x400000)

	KERNBASE = uint64(0x80000000)

	// KernelText is the end of the kernel text; the trampoline code is
	// its last page.
	KernelText = KERNBASE + 8*PageSize

	// KernelEnd is the first address after the kernel image.
	KernelEnd = KERNBASE + 16*PageSize

	// TrampolinePhys is the physical page holding the trap entry and exit
	// code.
	TrampolinePhys = KernelText - PageSize
)

// Virtual memory layout shared by every address space.
const (
	// MAXVA is one beyond the highest virtual address allowed by sv39.
	// It is one bit less than the maximum so that addresses never need
	// sign extension.
	MAXVA = uint64(1) << (9 + 9 + 9 + 12 - 1)

	// TRAMPOLINE is mapped at the highest page in both user and kernel
	// space.
	TRAMPOLINE = MAXVA - PageSize

	// TRAPFRAME sits just below the trampoline in every user space.
	TRAPFRAME = TRAMPOLINE - PageSize
)

// Offsets of the trap stubs inside the trampoline page.
const (
	UserVecOffset = uint64(0x000)
	UserRetOffset = uint64(0x090)
)

// KernelVec is the address of the kernel trap vector inside the kernel text.
const KernelVec = KERNBASE + 0x1000

// KernelStack returns the virtual address of the kernel stack of a process
// table slot. Each stack is followed by an unmapped guard page.
func KernelStack(slot int) uint64 {
	return TRAMPOLINE - uint64(slot+1)*2*PageSize
}
