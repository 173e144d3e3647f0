package vmm

import (
	"rvos/kernel"
	"rvos/kernel/mm"
)

// CopyOut copies src to the user virtual address dstva.
func (pt PageTable) CopyOut(dstva uint64, src []byte) *kernel.Error {
	for len(src) > 0 {
		va0 := mm.PageRoundDown(dstva)
		pa0, ok := pt.Translate(va0, FlagWrite)
		if !ok {
			return ErrBadAddress
		}

		n := mm.PageSize - (dstva - va0)
		if n > uint64(len(src)) {
			n = uint64(len(src))
		}
		copy(pt.mem.Bytes(pa0+(dstva-va0), n), src[:n])

		src = src[n:]
		dstva = va0 + mm.PageSize
	}
	return nil
}

// CopyIn fills dst from the user virtual address srcva.
func (pt PageTable) CopyIn(dst []byte, srcva uint64) *kernel.Error {
	for len(dst) > 0 {
		va0 := mm.PageRoundDown(srcva)
		pa0, ok := pt.WalkAddr(va0)
		if !ok {
			return ErrBadAddress
		}

		n := mm.PageSize - (srcva - va0)
		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}
		copy(dst[:n], pt.mem.Bytes(pa0+(srcva-va0), n))

		dst = dst[n:]
		srcva = va0 + mm.PageSize
	}
	return nil
}

// CopyInStr copies a zero-terminated string from the user virtual address
// srcva into dst, including the terminator. It returns the string length.
// If no terminator is found within len(dst) bytes it fails with
// ErrStringTooLong.
func (pt PageTable) CopyInStr(dst []byte, srcva uint64) (int, *kernel.Error) {
	var copied int

	for copied < len(dst) {
		va0 := mm.PageRoundDown(srcva)
		pa0, ok := pt.WalkAddr(va0)
		if !ok {
			return 0, ErrBadAddress
		}

		n := mm.PageSize - (srcva - va0)
		if left := uint64(len(dst) - copied); n > left {
			n = left
		}

		for _, b := range pt.mem.Bytes(pa0+(srcva-va0), n) {
			dst[copied] = b
			if b == 0 {
				return copied, nil
			}
			copied++
		}
		srcva = va0 + mm.PageSize
	}

	return 0, ErrStringTooLong
}

// CopyInString is a convenience wrapper around CopyInStr that returns the
// string read from srcva, which may be at most max-1 bytes long.
func (pt PageTable) CopyInString(srcva uint64, max int) (string, *kernel.Error) {
	buf := make([]byte, max)
	n, err := pt.CopyInStr(buf, srcva)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
