package proc

import (
	"rvos/kernel/abi"
	"rvos/kernel/cpu"
	"rvos/kernel/mm"
	"rvos/kernel/rv"
)

// initcode is the first user program: it runs exec("/init", {"/init", 0})
// and exits if that fails.
var initcode = func() []byte {
	var a rv.Asm

	initPath := a.NewLabel()
	argv := a.NewLabel()

	a.La(rv.A0, initPath)
	a.La(rv.A1, argv)
	a.Syscall(abi.SysExec)

	exit := a.Here()
	a.Syscall(abi.SysExit)
	a.J(exit)

	a.Bind(initPath)
	a.String("/init")
	a.Align(8)
	a.Bind(argv)
	a.DwordAddr(initPath)
	a.Dword(0)

	return a.MustAssemble()
}()

// InitCode returns the machine code of the first user program.
func InitCode() []byte {
	return append([]byte(nil), initcode...)
}

// UserInit sets up the first user process, which runs initcode from
// address 0 with its current directory at the file system root.
func (t *Table) UserInit(c *cpu.CPU) *Proc {
	p := t.alloc(c)
	if p == nil {
		panicFn(errNoInitProc)
		return nil
	}
	t.initProc = p

	// Allocate one user page and copy initcode's instructions and data
	// into it.
	if err := p.pagetable.First(initcode); err != nil {
		panicFn(err)
		return nil
	}
	p.sz = mm.PageSize

	// Prepare for the very first "return" from kernel to user.
	p.trapframe.Epc = 0
	p.trapframe.Sp = mm.PageSize

	p.name = "initcode"
	if t.fs != nil {
		p.cwd = t.fs.Root(c)
	}

	p.state = Runnable
	p.lock.Release(c)
	return p
}

// KernelInit sets up a first process that runs body in the kernel instead
// of user code. It is used to drive the kernel without a user image.
func (t *Table) KernelInit(c *cpu.CPU, name string, body func(p *Proc)) *Proc {
	p := t.alloc(c)
	if p == nil {
		panicFn(errNoInitProc)
		return nil
	}
	t.initProc = p

	p.name = name
	p.body = body
	if t.fs != nil {
		p.cwd = t.fs.Root(c)
	}

	p.state = Runnable
	p.lock.Release(c)
	return p
}
