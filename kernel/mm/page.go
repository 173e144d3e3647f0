package mm

import "math"

const (
	// PageShift is the log2 of PageSize.
	PageShift = 12

	// PageSize is the size in bytes of a page and of a physical frame.
	PageSize = uint64(1 << PageShift)
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when they fail to
	// reserve the requested frame. It also terminates the free list.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in the frame.
func (f Frame) Address() uint64 {
	return uint64(f) << PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address.
func FrameFromAddress(physAddr uint64) Frame {
	return Frame(physAddr >> PageShift)
}

// PageRoundUp rounds addr up to the next page boundary.
func PageRoundUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds addr down to the page that contains it.
func PageRoundDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}
