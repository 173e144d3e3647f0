// Package trap handles the boundary between user code and the kernel:
// traps taken from user and supervisor mode, device interrupts and the
// system call table.
package trap

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/file"
	"rvos/kernel/fs"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"rvos/kernel/mm/vmm"
	"rvos/kernel/proc"
	"rvos/kernel/rv"
	"rvos/kernel/sync"

	"go.uber.org/zap"
)

// Device classes reported by devintr.
const (
	devNone = iota
	devOther
	devTimer
)

// usertrapAddr is where the trampoline jumps to enter the kernel; it is
// recorded in every trapframe.
const usertrapAddr = mm.KernelVec + 0x100

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errNotFromUser   = &kernel.Error{Module: "trap", Message: "usertrap: not from user mode"}
	errNotFromSuper  = &kernel.Error{Module: "trap", Message: "kerneltrap: not from supervisor mode"}
	errIntrEnabled   = &kernel.Error{Module: "trap", Message: "kerneltrap: interrupts enabled"}
	errKernelTrap    = &kernel.Error{Module: "trap", Message: "kerneltrap"}
	errArgOutOfRange = &kernel.Error{Module: "trap", Message: "argraw"}
)

// InterruptController routes device interrupts to harts.
type InterruptController interface {
	// Claim returns the highest priority pending IRQ for hart, or 0.
	Claim(hart int) int

	// Complete tells the controller that hart is done with irq.
	Complete(hart, irq int)
}

// Handler is the trap and system call dispatcher of one machine.
type Handler struct {
	mem   *mm.Memory
	kpt   vmm.PageTable
	procs *proc.Table
	files *file.Table
	fs    fs.FileSystem
	plic  InterruptController
	log   *zap.Logger

	irqs map[int]func(c *cpu.CPU)

	tickslock sync.Spinlock
	ticks     uint64
}

// New returns the dispatcher and installs it as the way processes return to
// user mode.
func New(mem *mm.Memory, kpt vmm.PageTable, procs *proc.Table, files *file.Table, root fs.FileSystem, plic InterruptController) *Handler {
	h := &Handler{
		mem:   mem,
		kpt:   kpt,
		procs: procs,
		files: files,
		fs:    root,
		plic:  plic,
		log:   kfmt.Log("trap"),
		irqs:  make(map[int]func(c *cpu.CPU)),
	}
	h.tickslock.Init("time")
	procs.SetUserReturn(h.userLoop)
	return h
}

// HandleIRQ registers the handler for a device interrupt. Handlers must be
// registered before the harts start.
func (h *Handler) HandleIRQ(irq int, fn func(c *cpu.CPU)) {
	h.irqs[irq] = fn
}

// InitHart sets up hart c to take exceptions and traps while in the kernel.
func (h *Handler) InitHart(c *cpu.CPU) {
	c.Stvec = mm.KernelVec
	c.SetTrapHandler(h.KernelTrap)
}

// Ticks returns the number of timer ticks since boot.
func (h *Handler) Ticks(c *cpu.CPU) uint64 {
	h.tickslock.Acquire(c)
	n := h.ticks
	h.tickslock.Release(c)
	return n
}

// userLoop alternates between running p in user mode and handling the trap
// that brought it back.
func (h *Handler) userLoop(p *proc.Proc) {
	for {
		if !h.UserTrapRet(p) {
			// The hart was powered off while running user code; give it
			// back to its scheduler.
			p.Yield()
			continue
		}
		h.UserTrap(p)
	}
}

// UserTrap handles an interrupt, exception, or system call from user space.
func (h *Handler) UserTrap(p *proc.Proc) {
	c := p.CPU()
	if c.Sstatus()&cpu.SstatusSPP != 0 {
		panicFn(errNotFromUser)
	}

	// Send interrupts and exceptions to the kernel trap handler, since
	// we're now in the kernel.
	c.Stvec = mm.KernelVec

	tf := p.Trapframe()
	tf.Epc = c.Sepc

	which := devNone
	switch scause := c.Scause; {
	case scause == cpu.ExcUserEcall:
		if p.Killed() {
			p.Exit(-1)
		}

		// sepc points to the ecall instruction, but we want to return to
		// the next instruction.
		tf.Epc += 4

		// An interrupt will change sepc, scause, and sstatus, so enable
		// only now that we're done with those registers.
		c.IntrOn()

		h.syscall(p)
	default:
		if which = h.devintr(c); which == devNone {
			kfmt.Printf("usertrap(): unexpected scause %#x (%s) pid=%d\n", scause, cpu.CauseName(scause), p.Pid())
			kfmt.Printf("            sepc=%#x stval=%#x\n", c.Sepc, c.Stval)
			h.log.Warn("user fault", zap.Int("pid", p.Pid()), zap.String("name", p.Name()),
				zap.Uint64("scause", scause), zap.Uint64("sepc", c.Sepc), zap.Uint64("stval", c.Stval))
			p.SetKilled()
		}
	}

	if p.Killed() {
		p.Exit(-1)
	}

	// Give up the hart if this is a timer interrupt.
	if which == devTimer {
		p.Yield()
	}
}

// UserTrapRet returns to user space and runs p until its next trap. It
// returns false if the hart was powered off instead.
func (h *Handler) UserTrapRet(p *proc.Proc) bool {
	c := p.CPU()

	// We're about to switch the destination of traps from the kernel
	// trap handler to uservec, so turn off interrupts until we're back in
	// user space.
	c.IntrOff()

	// Send syscalls, interrupts, and exceptions to uservec in the
	// trampoline.
	c.Stvec = mm.TRAMPOLINE + mm.UserVecOffset

	// Set up trapframe values that uservec will need when the process
	// next traps into the kernel.
	tf := p.Trapframe()
	tf.KernelSatp = h.kpt.Satp()
	tf.KernelSp = p.KernelStack() + mm.PageSize
	tf.KernelTrap = usertrapAddr
	tf.KernelHartid = uint64(c.ID)

	// Set S Previous Privilege mode to User and enable interrupts in user
	// mode.
	c.SetSstatus(c.Sstatus()&^cpu.SstatusSPP | cpu.SstatusSPIE)

	// Set the saved user pc, switch to the user page table and jump to
	// userret in the trampoline.
	c.Sepc = tf.Epc
	c.Satp = p.Pagetable().Satp()

	ok := rv.Run(c, h.mem, tf)

	// uservec switches back to the kernel page table.
	c.Satp = h.kpt.Satp()
	return ok
}

// KernelTrap handles interrupts taken while hart c runs kernel code. Timer
// ticks are counted but never preempt the kernel.
func (h *Handler) KernelTrap(c *cpu.CPU) {
	sstatus := c.Sstatus()
	scause := c.Scause

	if sstatus&cpu.SstatusSPP == 0 {
		panicFn(errNotFromSuper)
	}
	if c.IntrGet() {
		panicFn(errIntrEnabled)
	}

	if h.devintr(c) == devNone {
		kfmt.Printf("scause %#x (%s)\nsepc=%#x stval=%#x\n", scause, cpu.CauseName(scause), c.Sepc, c.Stval)
		panicFn(errKernelTrap)
	}
}

// clockintr advances the tick count on hart 0 and acknowledges the tick on
// every hart.
func (h *Handler) clockintr(c *cpu.CPU) {
	if c.ID == 0 {
		h.tickslock.Acquire(c)
		h.ticks++
		h.procs.Wakeup(c, &h.ticks)
		h.tickslock.Release(c)
	}
	c.Clear(cpu.SipSSIP)
}

// devintr checks whether the current trap is an external or timer
// interrupt and handles it.
func (h *Handler) devintr(c *cpu.CPU) int {
	switch c.Scause {
	case cpu.IntrExternal:
		// This is a supervisor external interrupt, via the PLIC.
		irq := h.plic.Claim(c.ID)
		if irq == 0 {
			return devOther
		}
		if fn, ok := h.irqs[irq]; ok {
			fn(c)
		} else {
			kfmt.Printf("unexpected interrupt irq=%d\n", irq)
			h.log.Warn("unexpected interrupt", zap.Int("irq", irq), zap.Int("hart", c.ID))
		}

		// The PLIC allows each device to raise at most one interrupt at
		// a time; tell the PLIC the device is now allowed to interrupt
		// again.
		h.plic.Complete(c.ID, irq)
		return devOther
	case cpu.IntrSoftware:
		h.clockintr(c)
		return devTimer
	}
	return devNone
}
