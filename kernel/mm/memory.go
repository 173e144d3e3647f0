// Package mm provides the physical memory of the machine and the frame
// allocator that hands it out one page at a time.
package mm

import (
	"encoding/binary"
	"rvos/kernel"
	"rvos/kernel/kfmt"
	"sync"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrOutOfMemory is returned when no free frame is left.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

	errTooSmall  = &kernel.Error{Module: "mm", Message: "memory smaller than the kernel image"}
	errBadFree   = &kernel.Error{Module: "mm", Message: "kfree: frame outside allocatable memory"}
	errBadAccess = &kernel.Error{Module: "mm", Message: "physical access outside RAM"}
)

// junk fills freed frames so stale references read garbage instead of the
// previous owner's data.
const junk = 0x01

// Memory is the machine's RAM: the physical range [KERNBASE, KERNBASE+size).
// Frames above the kernel image are kept on an intrusive free list: each
// free frame stores the index of the next free frame in its first eight
// bytes, so allocation and release are O(1).
type Memory struct {
	ram []byte

	// mu guards the free list.
	mu    sync.Mutex
	free  Frame
	nfree int

	first, last Frame
}

// NewMemory returns a machine memory of the given size (rounded down to a
// page) with every frame above the kernel image on the free list.
func NewMemory(size uint64) (*Memory, *kernel.Error) {
	size = PageRoundDown(size)
	if KERNBASE+size <= KernelEnd {
		return nil, errTooSmall
	}

	m := &Memory{
		ram:   make([]byte, size),
		free:  InvalidFrame,
		first: FrameFromAddress(KernelEnd),
		last:  FrameFromAddress(KERNBASE + size - 1),
	}

	for f := m.last; ; f-- {
		m.FreeFrame(f)
		if f == m.first {
			break
		}
	}
	return m, nil
}

// Base returns the first physical address of RAM.
func (m *Memory) Base() uint64 {
	return KERNBASE
}

// End returns the first physical address after RAM (PHYSTOP).
func (m *Memory) End() uint64 {
	return KERNBASE + uint64(len(m.ram))
}

// Size returns the RAM size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.ram))
}

// Contains reports whether the n bytes at pa are backed by RAM.
func (m *Memory) Contains(pa, n uint64) bool {
	return pa >= KERNBASE && pa+n >= pa && pa+n <= m.End()
}

// AllocFrame removes a frame from the free list. The frame contents are
// not cleared.
func (m *Memory) AllocFrame() (Frame, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.free
	if !f.Valid() {
		return InvalidFrame, ErrOutOfMemory
	}

	m.free = Frame(binary.LittleEndian.Uint64(m.Page(f)))
	m.nfree--
	return f, nil
}

// FreeFrame returns a frame to the free list. Freeing a frame that the
// allocator never handed out is fatal.
func (m *Memory) FreeFrame(f Frame) {
	if f < m.first || f > m.last {
		panicFn(errBadFree)
		return
	}

	page := m.Page(f)
	for i := range page {
		page[i] = junk
	}

	m.mu.Lock()
	binary.LittleEndian.PutUint64(page, uint64(m.free))
	m.free = f
	m.nfree++
	m.mu.Unlock()
}

// FreeFrames returns the number of frames on the free list.
func (m *Memory) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nfree
}

// TotalFrames returns the number of frames managed by the allocator.
func (m *Memory) TotalFrames() int {
	return int(m.last-m.first) + 1
}

// Page returns the contents of frame f.
func (m *Memory) Page(f Frame) []byte {
	return m.Bytes(f.Address(), PageSize)
}

// Bytes returns the n bytes of RAM starting at physical address pa.
// Addresses outside RAM are fatal.
func (m *Memory) Bytes(pa, n uint64) []byte {
	if !m.Contains(pa, n) {
		panicFn(errBadAccess)
		return nil
	}
	off := pa - KERNBASE
	return m.ram[off : off+n : off+n]
}

// Zero clears frame f.
func (m *Memory) Zero(f Frame) {
	page := m.Page(f)
	for i := range page {
		page[i] = 0
	}
}
