package vmm

import (
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newMemory(t *testing.T, frames uint64) *mm.Memory {
	t.Helper()
	mem, err := mm.NewMemory(mm.KernelEnd - mm.KERNBASE + frames*mm.PageSize)
	require.Nil(t, err)
	return mem
}

func newPageTable(t *testing.T, mem *mm.Memory) PageTable {
	t.Helper()
	pt, err := New(mem)
	require.Nil(t, err)
	return pt
}

func mockPanic(t *testing.T) *[]interface{} {
	var calls []interface{}
	orig := panicFn
	panicFn = func(e interface{}) { calls = append(calls, e) }
	t.Cleanup(func() { panicFn = orig })
	return &calls
}

// exhaust allocates frames until only keep frames are left.
func exhaust(t *testing.T, mem *mm.Memory, keep int) {
	t.Helper()
	for mem.FreeFrames() > keep {
		_, err := mem.AllocFrame()
		require.Nil(t, err)
	}
}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   PageTableEntry
		flag1 = PageTableEntryFlag(1 << 3)
		flag2 = PageTableEntryFlag(1 << 4)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.SetFrame(mm.Frame(0x80123))
	if got := pte.Frame(); got != mm.Frame(0x80123) {
		t.Fatalf("expected frame 0x80123; got %x", got)
	}
	if got := pte.Flags(); got != flag2 {
		t.Fatalf("expected SetFrame to preserve flags; got %x", got)
	}
	if exp := uint64(0x80123<<10) | uint64(flag2); uint64(pte) != exp {
		t.Fatalf("expected raw entry %x; got %x", exp, uint64(pte))
	}
}

func TestPageIndex(t *testing.T) {
	va := uint64(3)<<30 | uint64(5)<<21 | uint64(7)<<12 | 0x123
	assert.Equal(t, 3, pageIndex(2, va))
	assert.Equal(t, 5, pageIndex(1, va))
	assert.Equal(t, 7, pageIndex(0, va))
}

func TestWalk(t *testing.T) {
	t.Run("missing without alloc", func(t *testing.T) {
		pt := newPageTable(t, newMemory(t, 8))
		pte, err := pt.Walk(0x1000, false)
		assert.Nil(t, pte)
		assert.Equal(t, ErrInvalidMapping, err)
	})

	t.Run("alloc creates intermediate tables once", func(t *testing.T) {
		mem := newMemory(t, 8)
		pt := newPageTable(t, mem)
		before := mem.FreeFrames()

		pte, err := pt.Walk(0x1000, true)
		require.Nil(t, err)
		require.NotNil(t, pte)
		assert.Equal(t, before-2, mem.FreeFrames())
		assert.False(t, pte.HasFlags(FlagValid))

		again, err := pt.Walk(0x1000, false)
		require.Nil(t, err)
		assert.Equal(t, pte, again)

		_, err = pt.Walk(0x2000, true)
		require.Nil(t, err)
		assert.Equal(t, before-2, mem.FreeFrames(), "neighbouring page shares the tables")
	})

	t.Run("failed table allocation propagates", func(t *testing.T) {
		mem := newMemory(t, 8)
		pt := newPageTable(t, mem)
		exhaust(t, mem, 1)

		pte, err := pt.Walk(0x1000, true)
		assert.Nil(t, pte)
		assert.Equal(t, mm.ErrOutOfMemory, err)
	})

	t.Run("address out of range is fatal", func(t *testing.T) {
		calls := mockPanic(t)
		pt := newPageTable(t, newMemory(t, 4))
		_, err := pt.Walk(mm.MAXVA, false)
		assert.Equal(t, errWalkRange, err)
		assert.Equal(t, []interface{}{errWalkRange}, *calls)
	})
}

func TestMapPagesRemap(t *testing.T) {
	calls := mockPanic(t)

	mem := newMemory(t, 8)
	pt := newPageTable(t, mem)

	f, _ := mem.AllocFrame()
	require.Nil(t, pt.MapPages(0, mm.PageSize, f.Address(), FlagRead|FlagUser))

	err := pt.MapPages(0, 2*mm.PageSize, 0x80100000, FlagRead|FlagWrite|FlagUser)
	assert.Equal(t, errRemap, err)
	assert.Equal(t, []interface{}{errRemap}, *calls)

	first, _ := pt.Walk(0, false)
	assert.Equal(t, f, first.Frame(), "existing mapping must not be overwritten")
	assert.False(t, first.HasFlags(FlagWrite))

	second, _ := pt.Walk(mm.PageSize, false)
	require.NotNil(t, second)
	assert.False(t, second.HasFlags(FlagValid), "second page must remain unmapped")
}

func TestMapPages(t *testing.T) {
	mem := newMemory(t, 8)
	pt := newPageTable(t, mem)

	// An unaligned range covers every page it touches.
	require.Nil(t, pt.MapPages(0x1800, 0x1000, 0x80200000, FlagRead|FlagUser))

	pa, ok := pt.WalkAddr(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x80200000), pa)

	pa, ok = pt.WalkAddr(0x2010)
	require.True(t, ok)
	assert.Equal(t, uint64(0x80201010), pa)

	_, ok = pt.WalkAddr(0x3000)
	assert.False(t, ok)

	t.Run("zero size is fatal", func(t *testing.T) {
		calls := mockPanic(t)
		assert.Equal(t, errMapSize, pt.MapPages(0x5000, 0, 0x80200000, FlagRead))
		assert.Len(t, *calls, 1)
	})

	t.Run("kernel pages are not user accessible", func(t *testing.T) {
		require.Nil(t, pt.MapPages(0x9000, mm.PageSize, 0x80300000, FlagRead|FlagWrite))
		_, ok := pt.WalkAddr(0x9000)
		assert.False(t, ok)
		pa, ok := pt.KernelTranslate(0x9000)
		assert.True(t, ok)
		assert.Equal(t, uint64(0x80300000), pa)
	})
}

func TestUnmap(t *testing.T) {
	t.Run("frees frames", func(t *testing.T) {
		mem := newMemory(t, 16)
		pt := newPageTable(t, mem)

		require.Equal(t, uint64(3*mm.PageSize), pt.Alloc(0, 3*mm.PageSize, FlagWrite))
		before := mem.FreeFrames()

		pt.Unmap(mm.PageSize, 2, true)
		assert.Equal(t, before+2, mem.FreeFrames())

		_, ok := pt.WalkAddr(mm.PageSize)
		assert.False(t, ok)
		_, ok = pt.WalkAddr(0)
		assert.True(t, ok)
	})

	specs := []struct {
		name string
		va   uint64
		exp  interface{}
	}{
		{"unaligned", 0x10, errUnmapAlign},
		{"no table", 0x40000000, errUnmapWalk},
		{"not mapped", 0x3000, errUnmapNotMapped},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			calls := mockPanic(t)
			mem := newMemory(t, 8)
			pt := newPageTable(t, mem)
			pt.Alloc(0, mm.PageSize, FlagWrite)

			pt.Unmap(spec.va, 1, false)
			assert.Equal(t, []interface{}{spec.exp}, *calls)
		})
	}

	t.Run("not a leaf", func(t *testing.T) {
		calls := mockPanic(t)
		mem := newMemory(t, 8)
		pt := newPageTable(t, mem)

		pte, err := pt.Walk(0, true)
		require.Nil(t, err)
		*pte = 0
		pte.SetFlags(FlagValid)

		pt.Unmap(0, 1, false)
		assert.Equal(t, []interface{}{errUnmapNotLeaf}, *calls)
	})
}

func TestAllocDealloc(t *testing.T) {
	t.Run("grow and shrink", func(t *testing.T) {
		mem := newMemory(t, 16)
		pt := newPageTable(t, mem)
		start := mem.FreeFrames()

		sz := pt.Alloc(0, 3*mm.PageSize+10, FlagWrite)
		assert.Equal(t, uint64(3*mm.PageSize+10), sz)
		assert.Equal(t, start-4-2, mem.FreeFrames(), "4 pages and 2 tables")

		for va := uint64(0); va < sz; va += mm.PageSize {
			pa, ok := pt.Translate(va, FlagWrite)
			require.True(t, ok)
			for _, b := range mem.Bytes(pa, mm.PageSize) {
				require.Zero(t, b, "grown pages are zeroed")
			}
		}
		_, ok := pt.Translate(0, FlagExec)
		assert.False(t, ok)

		assert.Equal(t, sz, pt.Alloc(sz, 10, FlagWrite), "shrinking through Alloc is a no-op")

		sz = pt.Dealloc(sz, mm.PageSize+1)
		assert.Equal(t, uint64(mm.PageSize+1), sz)
		assert.Equal(t, start-2-2, mem.FreeFrames())

		assert.Equal(t, sz, pt.Dealloc(sz, sz+mm.PageSize), "growing through Dealloc is a no-op")

		pt.Free(sz)
		assert.Equal(t, start+1, mem.FreeFrames(), "root is released as well")
	})

	t.Run("partial growth reports the size reached", func(t *testing.T) {
		mem := newMemory(t, 16)
		pt := newPageTable(t, mem)
		// Two frames for the tables and two for pages.
		exhaust(t, mem, 4)

		sz := pt.Alloc(0, 5*mm.PageSize, FlagWrite)
		assert.Equal(t, uint64(2*mm.PageSize), sz)
		assert.Zero(t, mem.FreeFrames())

		_, ok := pt.WalkAddr(mm.PageSize)
		assert.True(t, ok)
		_, ok = pt.WalkAddr(2 * mm.PageSize)
		assert.False(t, ok)
	})
}

func TestCopy(t *testing.T) {
	t.Run("byte-identical and independent", func(t *testing.T) {
		mem := newMemory(t, 32)
		parent := newPageTable(t, mem)
		child := newPageTable(t, mem)

		sz := parent.Alloc(0, 3*mm.PageSize, FlagWrite|FlagExec)
		data := make([]byte, sz)
		for i := range data {
			data[i] = byte(i * 7)
		}
		require.Nil(t, parent.CopyOut(0, data))

		require.Nil(t, parent.Copy(child, sz))

		got := make([]byte, sz)
		require.Nil(t, child.CopyIn(got, 0))
		assert.Equal(t, data, got)

		for va := uint64(0); va < sz; va += mm.PageSize {
			ppte, _ := parent.Walk(va, false)
			cpte, _ := child.Walk(va, false)
			assert.NotEqual(t, ppte.Frame(), cpte.Frame())
			assert.Equal(t, ppte.Flags()&^(FlagAccessed|FlagDirty), cpte.Flags()&^(FlagAccessed|FlagDirty))
		}

		require.Nil(t, child.CopyOut(mm.PageSize, []byte("child")))
		require.Nil(t, parent.CopyIn(got[:5], mm.PageSize))
		assert.Equal(t, data[mm.PageSize:mm.PageSize+5], got[:5])
	})

	t.Run("failure unwinds the destination", func(t *testing.T) {
		mem := newMemory(t, 32)
		parent := newPageTable(t, mem)
		child := newPageTable(t, mem)

		sz := parent.Alloc(0, 4*mm.PageSize, FlagWrite)
		require.Equal(t, uint64(4*mm.PageSize), sz)

		core, logs := observer.New(zap.WarnLevel)
		kfmt.SetLogger(zap.New(core))
		t.Cleanup(func() { kfmt.SetLogger(nil) })

		// Two tables and two pages fit; the third page does not.
		exhaust(t, mem, 4)
		err := parent.Copy(child, sz)
		assert.Equal(t, mm.ErrOutOfMemory, err)
		assert.Equal(t, 2, mem.FreeFrames(), "copied pages are released")

		entries := logs.FilterMessage("address space copy failed").AllUntimed()
		if assert.Len(t, entries, 1) {
			assert.Equal(t, "vmm", entries[0].LoggerName)
			assert.Equal(t, uint64(2*mm.PageSize), entries[0].ContextMap()["copied"])
		}

		for va := uint64(0); va < sz; va += mm.PageSize {
			pte, _ := child.Walk(va, false)
			if pte != nil {
				assert.False(t, pte.HasFlags(FlagValid))
			}
		}

		child.Free(0)
		assert.Equal(t, 5, mem.FreeFrames())

		// The parent is untouched.
		for va := uint64(0); va < sz; va += mm.PageSize {
			_, ok := parent.WalkAddr(va)
			assert.True(t, ok)
		}
	})

	t.Run("hole below sz is fatal", func(t *testing.T) {
		calls := mockPanic(t)
		mem := newMemory(t, 16)
		parent := newPageTable(t, mem)
		child := newPageTable(t, mem)

		parent.Alloc(0, mm.PageSize, FlagWrite)
		parent.Walk(mm.PageSize, true)

		parent.Copy(child, 2*mm.PageSize)
		assert.Equal(t, []interface{}{errCopyNotMapped}, *calls)
	})
}

func TestFreeWalkLeaf(t *testing.T) {
	calls := mockPanic(t)
	mem := newMemory(t, 8)
	pt := newPageTable(t, mem)

	pt.Alloc(0, mm.PageSize, FlagWrite)
	pt.Free(0)

	assert.Equal(t, []interface{}{errFreeWalkLeaf}, *calls)
}

func TestFirst(t *testing.T) {
	mem := newMemory(t, 8)
	pt := newPageTable(t, mem)

	code := []byte{0x13, 0x00, 0x00, 0x00}
	require.Nil(t, pt.First(code))

	pa, ok := pt.Translate(0, FlagExec|FlagWrite|FlagRead)
	require.True(t, ok)
	assert.Equal(t, code, mem.Bytes(pa, 4))

	calls := mockPanic(t)
	pt.First(make([]byte, mm.PageSize))
	assert.Equal(t, []interface{}{errFirstSize}, *calls)
}

func TestClear(t *testing.T) {
	mem := newMemory(t, 8)
	pt := newPageTable(t, mem)
	pt.Alloc(0, 2*mm.PageSize, FlagWrite)

	pt.Clear(0)
	_, ok := pt.WalkAddr(0)
	assert.False(t, ok)
	assert.Equal(t, ErrBadAddress, pt.CopyOut(0, []byte{1}))

	_, ok = pt.WalkAddr(mm.PageSize)
	assert.True(t, ok)

	calls := mockPanic(t)
	pt.Clear(0x40000000)
	assert.Equal(t, []interface{}{errClear}, *calls)
}

func TestSatp(t *testing.T) {
	mem := newMemory(t, 4)
	pt := newPageTable(t, mem)

	satp := pt.Satp()
	assert.Equal(t, uint64(8), satp>>60)
	assert.Equal(t, pt.Root(), FromSatp(mem, satp).Root())
	assert.True(t, pt.Valid())
	assert.False(t, PageTable{}.Valid())
}
