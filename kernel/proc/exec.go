package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"path"
	"rvos/kernel"
	"rvos/kernel/mm"
	"rvos/kernel/mm/vmm"

	"go.uber.org/zap"
)

var (
	errExecFormat  = &kernel.Error{Module: "exec", Message: "not a RISC-V ELF64 executable"}
	errExecSegment = &kernel.Error{Module: "exec", Message: "bad program segment"}
	errExecArgs    = &kernel.Error{Module: "exec", Message: "argument list too long"}
)

// flags2perm converts ELF segment flags to page permissions.
func flags2perm(flags elf.ProgFlag) vmm.PageTableEntryFlag {
	var perm vmm.PageTableEntryFlag
	if flags&elf.PF_X != 0 {
		perm |= vmm.FlagExec
	}
	if flags&elf.PF_W != 0 {
		perm |= vmm.FlagWrite
	}
	return perm
}

// Exec replaces the user image of p with the executable at path, passing
// argv. It returns argc, which ends up in a0, or -1 with the old image
// intact.
func (p *Proc) Exec(file string, argv []string) int {
	t := p.table

	image, err := t.fs.ReadFile(p, p.cwd, file)
	if err != nil {
		return -1
	}

	pt, sz, err := p.load(image, argv)
	if err != nil {
		t.log.Debug("exec failed", zap.Int("pid", p.pid), zap.String("path", file), zap.String("err", err.Message))
		return -1
	}

	// Commit to the user image.
	oldpt, oldsz := p.pagetable, p.sz
	p.pagetable = pt
	p.sz = sz
	p.name = path.Base(file)
	t.freePagetable(oldpt, oldsz)

	return len(argv)
}

// load builds a fresh page table holding the executable image and a user
// stack with argv pushed onto it. On success the trapframe is set up to
// enter the program; on failure everything allocated is released.
func (p *Proc) load(image []byte, argv []string) (vmm.PageTable, uint64, *kernel.Error) {
	t := p.table

	f, perr := elf.NewFile(bytes.NewReader(image))
	if perr != nil || f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return vmm.PageTable{}, 0, errExecFormat
	}

	pt, err := t.userPagetable(p)
	if err != nil {
		return vmm.PageTable{}, 0, err
	}

	var sz uint64
	fail := func(err *kernel.Error) (vmm.PageTable, uint64, *kernel.Error) {
		t.freePagetable(pt, sz)
		return vmm.PageTable{}, 0, err
	}

	// Load the program into memory.
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		end := ph.Vaddr + ph.Memsz
		if ph.Memsz < ph.Filesz || end < ph.Vaddr || end > mm.TRAPFRAME || ph.Vaddr%mm.PageSize != 0 {
			return fail(errExecSegment)
		}

		if end > sz {
			if got := pt.Alloc(sz, end, flags2perm(ph.Flags)); got != end {
				sz = got
				return fail(mm.ErrOutOfMemory)
			}
			sz = end
		}

		if err := p.loadSegment(pt, ph); err != nil {
			return fail(err)
		}
	}

	// Allocate two pages at the next page boundary. Make the first
	// inaccessible as a stack guard and use the second as the user stack.
	sz = mm.PageRoundUp(sz)
	if got := pt.Alloc(sz, sz+2*mm.PageSize, vmm.FlagWrite); got != sz+2*mm.PageSize {
		sz = got
		return fail(mm.ErrOutOfMemory)
	}
	sz += 2 * mm.PageSize
	pt.Clear(sz - 2*mm.PageSize)

	sp := sz
	stackbase := sp - mm.PageSize

	// Push argument strings, prepare the rest of the stack in ustack.
	if len(argv) > kernel.MAXARG {
		return fail(errExecArgs)
	}
	ustack := make([]byte, 0, (len(argv)+1)*8)
	for _, arg := range argv {
		sp -= uint64(len(arg)) + 1
		sp -= sp % 16 // riscv sp must be 16-byte aligned
		if sp < stackbase {
			return fail(errExecArgs)
		}
		if err := pt.CopyOut(sp, append([]byte(arg), 0)); err != nil {
			return fail(err)
		}
		ustack = binary.LittleEndian.AppendUint64(ustack, sp)
	}
	ustack = binary.LittleEndian.AppendUint64(ustack, 0)

	// Push the array of argv pointers.
	sp -= uint64(len(ustack))
	sp -= sp % 16
	if sp < stackbase {
		return fail(errExecArgs)
	}
	if err := pt.CopyOut(sp, ustack); err != nil {
		return fail(err)
	}

	// Arguments to user main(argc, argv): argc is returned via the
	// system call return value, which goes in a0.
	p.trapframe.A1 = sp
	p.trapframe.Epc = f.Entry
	p.trapframe.Sp = sp

	return pt, sz, nil
}

// loadSegment copies a segment's file contents into the already mapped
// pages at ph.Vaddr.
func (p *Proc) loadSegment(pt vmm.PageTable, ph *elf.Prog) *kernel.Error {
	data := make([]byte, ph.Filesz)
	if _, err := io.ReadFull(ph.Open(), data); err != nil {
		return errExecSegment
	}

	for i := uint64(0); i < ph.Filesz; i += mm.PageSize {
		pa, ok := pt.WalkAddr(ph.Vaddr + i)
		if !ok {
			return errExecSegment
		}
		n := ph.Filesz - i
		if n > mm.PageSize {
			n = mm.PageSize
		}
		copy(p.table.mem.Bytes(pa, n), data[i:i+n])
	}
	return nil
}
