package vmm

import (
	"rvos/kernel/cpu"
	"rvos/kernel/mm"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelPageTable(t *testing.T) {
	mem := newMemory(t, 256)
	kpt, err := KernelPageTable(mem, 4)
	require.Nil(t, err)

	specs := []struct {
		va, pa uint64
		flags  PageTableEntryFlag
	}{
		{mm.UART0, mm.UART0, FlagRead | FlagWrite},
		{mm.VIRTIO0, mm.VIRTIO0, FlagRead | FlagWrite},
		{mm.PLIC + 0x201000, mm.PLIC + 0x201000, FlagRead | FlagWrite},
		{mm.KERNBASE, mm.KERNBASE, FlagRead | FlagExec},
		{mm.KernelEnd, mm.KernelEnd, FlagRead | FlagWrite},
		{mem.End() - mm.PageSize, mem.End() - mm.PageSize, FlagRead | FlagWrite},
		{mm.TRAMPOLINE, mm.TrampolinePhys, FlagRead | FlagExec},
	}

	for specIndex, spec := range specs {
		pa, ok := kpt.KernelTranslate(spec.va)
		if !ok {
			t.Errorf("[spec %d] expected %x to be mapped", specIndex, spec.va)
			continue
		}
		if pa != spec.pa {
			t.Errorf("[spec %d] expected %x to map to %x; got %x", specIndex, spec.va, spec.pa, pa)
		}

		pte, _ := kpt.Walk(spec.va, false)
		if got := pte.Flags() &^ FlagValid; got != spec.flags {
			t.Errorf("[spec %d] expected flags %x; got %x", specIndex, spec.flags, got)
		}
		if pte.HasFlags(FlagUser) {
			t.Errorf("[spec %d] kernel mapping must not be user accessible", specIndex)
		}
	}

	_, ok := kpt.KernelTranslate(mem.End())
	assert.False(t, ok, "nothing is mapped past the end of RAM")

	for slot := 0; slot < 4; slot++ {
		_, ok := kpt.KernelTranslate(mm.KernelStack(slot))
		assert.True(t, ok, "kernel stack %d", slot)

		_, ok = kpt.KernelTranslate(mm.KernelStack(slot) + mm.PageSize)
		assert.False(t, ok, "guard page above kernel stack %d", slot)
	}
	_, ok = kpt.KernelTranslate(mm.KernelStack(4))
	assert.False(t, ok)

	c := cpu.New(0)
	kpt.InitHart(c)
	assert.Equal(t, kpt.Satp(), c.Satp)
}

func TestKernelPageTableOutOfMemory(t *testing.T) {
	mem := newMemory(t, 4)
	_, err := KernelPageTable(mem, 64)
	assert.Equal(t, mm.ErrOutOfMemory, err)
}
