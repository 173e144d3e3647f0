package proc

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"rvos/kernel/mm/vmm"
	"rvos/kernel/rv"
	"rvos/kernel/sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errSchedLock    = &kernel.Error{Module: "proc", Message: "sched p->lock"}
	errSchedLocks   = &kernel.Error{Module: "proc", Message: "sched locks"}
	errSchedRunning = &kernel.Error{Module: "proc", Message: "sched running"}
	errSchedIntr    = &kernel.Error{Module: "proc", Message: "sched interruptible"}
	errInitExiting  = &kernel.Error{Module: "proc", Message: "init exiting"}
	errZombieExit   = &kernel.Error{Module: "proc", Message: "zombie exit"}
	errNoUserRet    = &kernel.Error{Module: "proc", Message: "no user trap return installed"}
	errNoInitProc   = &kernel.Error{Module: "proc", Message: "userinit: no free process slot"}
)

// Table is the process table together with the state shared by all
// processes.
type Table struct {
	mem *mm.Memory
	fs  FileSystem
	log *zap.Logger

	procs []Proc

	nextPid atomic.Int64

	// waitLock keeps wakeups of wait()ing parents from being lost and
	// guards every Proc.parent field. It must be acquired before any
	// p.lock.
	waitLock sync.Spinlock

	initProc *Proc
	fsFirst  atomic.Bool
	userRet  func(p *Proc)
	onHalt   func(c *cpu.CPU)
}

// NewTable returns a process table with nproc slots. Each slot is assigned
// its kernel stack address in the kernel page table.
func NewTable(mem *mm.Memory, nproc int, fs FileSystem) *Table {
	t := &Table{
		mem:   mem,
		fs:    fs,
		log:   kfmt.Log("proc"),
		procs: make([]Proc, nproc),
	}
	t.waitLock.Init("wait_lock")

	for i := range t.procs {
		p := &t.procs[i]
		p.lock.Init("proc")
		p.table = t
		p.slot = i
		p.kstack = mm.KernelStack(i)
	}
	return t
}

// SetUserReturn installs the function that takes a process from its kernel
// thread to user mode.
func (t *Table) SetUserReturn(fn func(p *Proc)) {
	t.userRet = fn
}

// SetHaltHandler installs the function called when a process's kernel
// thread halts its hart. The hart c never runs another process. Without a
// handler a halt crashes the host program.
func (t *Table) SetHaltHandler(fn func(c *cpu.CPU)) {
	t.onHalt = fn
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return len(t.procs)
}

// Slot returns the process in slot i.
func (t *Table) Slot(i int) *Proc {
	return &t.procs[i]
}

// MyProc returns the process running on hart c, or nil while c runs its
// scheduler.
func (t *Table) MyProc(c *cpu.CPU) *Proc {
	sync.PushOff(c)
	slot := c.Proc
	sync.PopOff(c)

	if slot == cpu.NoProc {
		return nil
	}
	return &t.procs[slot]
}

// Init returns the first process.
func (t *Table) Init() *Proc {
	return t.initProc
}

func (t *Table) allocPid() int {
	return int(t.nextPid.Add(1))
}

// claim returns the first unused slot with its lock held, or nil.
func (t *Table) claim(c *cpu.CPU) *Proc {
	for i := range t.procs {
		p := &t.procs[i]
		p.lock.Acquire(c)
		if p.state == Unused {
			return p
		}
		p.lock.Release(c)
	}
	return nil
}

// alloc looks for an unused slot and initializes the state required to run
// in the kernel: a trapframe page, a user page table holding only the
// trampoline and trapframe mappings, and a context that starts at forkret.
// It returns the process with p.lock held, or nil if there are no free
// slots or memory ran out.
func (t *Table) alloc(c *cpu.CPU) *Proc {
	p := t.claim(c)
	if p == nil {
		return nil
	}

	p.pid = t.allocPid()
	p.gen++
	p.state = Used

	f, err := t.mem.AllocFrame()
	if err != nil {
		t.freeproc(p)
		p.lock.Release(c)
		return nil
	}
	t.mem.Zero(f)
	p.tfFrame = f
	p.trapframe = rv.TrapframeAt(t.mem, f)

	pt, err := t.userPagetable(p)
	if err != nil {
		t.freeproc(p)
		p.lock.Release(c)
		return nil
	}
	p.pagetable = pt

	p.context = cpu.Context{RA: p.forkret, SP: p.kstack + mm.PageSize}
	return p
}

// deref returns the process r refers to, or nil if its slot has since been
// freed and handed out again.
func (t *Table) deref(r Ref) *Proc {
	if r.Slot < 0 || r.Slot >= len(t.procs) {
		return nil
	}
	p := &t.procs[r.Slot]
	if p.gen != r.Gen {
		return nil
	}
	return p
}

// freeproc releases everything a slot owns and marks it unused. p.lock
// must be held. A kernel thread still parked on the slot's context exits.
func (t *Table) freeproc(p *Proc) {
	if p.trapframe != nil {
		t.mem.FreeFrame(p.tfFrame)
	}
	p.trapframe = nil
	p.tfFrame = mm.InvalidFrame

	if p.pagetable.Valid() {
		t.freePagetable(p.pagetable, p.sz)
	}
	p.pagetable = vmm.PageTable{}

	p.sz = 0
	p.pid = 0
	p.parent = Ref{}
	p.name = ""
	p.chn = nil
	p.killed = false
	p.xstate = 0
	p.body = nil
	p.state = Unused
	p.context.Retire()
}

// userPagetable creates a page table for p with no user memory but with
// the trampoline and p's trapframe mapped.
func (t *Table) userPagetable(p *Proc) (vmm.PageTable, *kernel.Error) {
	pt, err := vmm.New(t.mem)
	if err != nil {
		return vmm.PageTable{}, err
	}

	// Only the kernel uses the trampoline on the way to and from user
	// space, so it is not user-accessible.
	if err := pt.MapPages(mm.TRAMPOLINE, mm.PageSize, mm.TrampolinePhys, vmm.FlagRead|vmm.FlagExec); err != nil {
		pt.Free(0)
		return vmm.PageTable{}, err
	}

	if err := pt.MapPages(mm.TRAPFRAME, mm.PageSize, p.tfFrame.Address(), vmm.FlagRead|vmm.FlagWrite); err != nil {
		pt.Unmap(mm.TRAMPOLINE, 1, false)
		pt.Free(0)
		return vmm.PageTable{}, err
	}

	return pt, nil
}

// freePagetable frees a process page table and the sz bytes of user memory
// it maps.
func (t *Table) freePagetable(pt vmm.PageTable, sz uint64) {
	pt.Unmap(mm.TRAMPOLINE, 1, false)
	pt.Unmap(mm.TRAPFRAME, 1, false)
	pt.Free(sz)
}

// Wakeup wakes every process sleeping on ch except the one running on c.
// It must be called without any p.lock held.
func (t *Table) Wakeup(c *cpu.CPU, ch interface{}) {
	for i := range t.procs {
		if i == c.Proc {
			continue
		}
		p := &t.procs[i]
		p.lock.Acquire(c)
		if p.state == Sleeping && p.chn == ch {
			p.state = Runnable
		}
		p.lock.Release(c)
	}
}

// Kill marks the process with the given pid as killed. It won't exit until
// it next tries to return to user space or checks the flag in a sleep
// loop. A sleeping victim is made runnable so it notices.
func (t *Table) Kill(c *cpu.CPU, pid int) int {
	for i := range t.procs {
		p := &t.procs[i]
		p.lock.Acquire(c)
		if p.state != Unused && p.pid == pid {
			p.killed = true
			if p.state == Sleeping {
				p.state = Runnable
			}
			p.lock.Release(c)
			t.log.Debug("kill", zap.Int("pid", pid))
			return 0
		}
		p.lock.Release(c)
	}
	return -1
}

// Dump prints a listing of the processes to the console. It takes no locks
// so that it can be used on a wedged machine.
func (t *Table) Dump() {
	kfmt.Printf("\n")
	for i := range t.procs {
		p := &t.procs[i]
		if p.state == Unused {
			continue
		}
		kfmt.Printf("%d %s %s\n", p.pid, p.state, p.name)
	}
}
