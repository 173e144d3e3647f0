// Package proc implements processes and the scheduler: the process table,
// the per-hart scheduling loop, sleep and wakeup, and the fork, exit, wait,
// kill, grow and exec operations.
package proc

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/mm"
	"rvos/kernel/mm/vmm"
	"rvos/kernel/rv"
	"rvos/kernel/sync"
	"runtime"
)

// State is the lifecycle state of a process table slot.
type State uint8

const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

var stateNames = [...]string{
	Unused:   "unused",
	Used:     "used",
	Sleeping: "sleep ",
	Runnable: "runble",
	Running:  "run   ",
	Zombie:   "zombie",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "???"
}

// Ref is a weak reference to a process. It names a table slot together with
// the generation the slot had when the reference was taken, so a reference
// to a process whose slot has since been reused never resolves.
type Ref struct {
	Slot int
	Gen  uint64
}

// File is an open file owned by a process.
type File interface {
	// Dup adds a reference to the file.
	Dup(c *cpu.CPU)

	// Close drops a reference; the last one releases the file.
	Close(t sync.Sleeper)
}

// Inode is a reference to a file system inode.
type Inode interface {
	// Dup adds a reference to the inode.
	Dup(c *cpu.CPU)

	// Put drops a reference.
	Put(t sync.Sleeper)
}

// FileSystem is the file system as seen by the process layer.
type FileSystem interface {
	// Init runs once, from the first process that gets scheduled, since
	// it may need to sleep.
	Init(t sync.Sleeper)

	// Root returns a new reference to the root directory.
	Root(c *cpu.CPU) Inode

	// ReadFile returns the contents of the file at path, resolved relative
	// to cwd.
	ReadFile(t sync.Sleeper, cwd Inode, path string) ([]byte, *kernel.Error)
}

// Proc is a process table slot.
type Proc struct {
	lock sync.Spinlock

	// lock must be held when using these.
	state  State
	chn    interface{}
	killed bool
	xstate int
	pid    int

	// table.waitLock must be held when using this.
	parent Ref

	// These are private to the process, so lock need not be held.
	table     *Table
	slot      int
	gen       uint64
	kstack    uint64
	sz        uint64
	pagetable vmm.PageTable
	tfFrame   mm.Frame
	trapframe *rv.Trapframe
	context   cpu.Context
	ofile     [kernel.NOFILE]File
	cwd       Inode
	name      string
	body      func(p *Proc)

	// cpu is the hart the process is running on. The scheduler that
	// switches to the process sets it, so it may change across every
	// call to sched.
	cpu *cpu.CPU
}

// CPU returns the hart the process is running on.
func (p *Proc) CPU() *cpu.CPU {
	return p.cpu
}

// Pid returns the process id.
func (p *Proc) Pid() int {
	return p.pid
}

// Name returns the process name.
func (p *Proc) Name() string {
	return p.name
}

// SetName changes the name shown by the process dump.
func (p *Proc) SetName(name string) {
	p.name = name
}

// Slot returns the index of the process in its table.
func (p *Proc) Slot() int {
	return p.slot
}

// Table returns the table the process belongs to.
func (p *Proc) Table() *Table {
	return p.table
}

// Size returns the size of the user address space in bytes.
func (p *Proc) Size() uint64 {
	return p.sz
}

// Pagetable returns the user page table.
func (p *Proc) Pagetable() vmm.PageTable {
	return p.pagetable
}

// Trapframe returns the saved user registers.
func (p *Proc) Trapframe() *rv.Trapframe {
	return p.trapframe
}

// KernelStack returns the virtual address of the process's kernel stack.
func (p *Proc) KernelStack() uint64 {
	return p.kstack
}

// Killed reports whether the process has been killed.
func (p *Proc) Killed() bool {
	c := p.cpu
	p.lock.Acquire(c)
	k := p.killed
	p.lock.Release(c)
	return k
}

// SetKilled marks the process as killed.
func (p *Proc) SetKilled() {
	c := p.cpu
	p.lock.Acquire(c)
	p.killed = true
	p.lock.Release(c)
}

// File returns the open file for descriptor fd, or nil.
func (p *Proc) File(fd int) File {
	if fd < 0 || fd >= len(p.ofile) {
		return nil
	}
	return p.ofile[fd]
}

// SetFile installs f as descriptor fd; a nil f clears the descriptor.
func (p *Proc) SetFile(fd int, f File) {
	p.ofile[fd] = f
}

// FdAlloc installs f in the lowest free descriptor and returns it, or -1
// if every descriptor is in use.
func (p *Proc) FdAlloc(f File) int {
	for fd := range p.ofile {
		if p.ofile[fd] == nil {
			p.ofile[fd] = f
			return fd
		}
	}
	return -1
}

// Cwd returns the current directory.
func (p *Proc) Cwd() Inode {
	return p.cwd
}

// SetCwd replaces the current directory. The caller transfers its reference
// to ip and is responsible for dropping the old one.
func (p *Proc) SetCwd(ip Inode) {
	p.cwd = ip
}

func (p *Proc) ref() Ref {
	return Ref{Slot: p.slot, Gen: p.gen}
}

// Sleep atomically releases lk and sleeps on ch. lk is reacquired when the
// process is woken up. A nil lk sleeps without releasing anything.
func (p *Proc) Sleep(ch interface{}, lk *sync.Spinlock) {
	// Once p.lock is held no wakeup can be missed: wakeup takes p.lock
	// before looking at the state, so it is safe to release lk.
	p.lock.Acquire(p.cpu)
	if lk != nil {
		lk.Release(p.cpu)
	}

	p.chn = ch
	p.state = Sleeping

	p.sched()

	p.chn = nil

	p.lock.Release(p.cpu)
	if lk != nil {
		lk.Acquire(p.cpu)
	}
}

// Wakeup wakes every process other than p sleeping on ch.
func (p *Proc) Wakeup(ch interface{}) {
	p.table.Wakeup(p.cpu, ch)
}

// Yield gives up the hart for one scheduling round.
func (p *Proc) Yield() {
	p.lock.Acquire(p.cpu)
	p.state = Runnable
	p.sched()
	p.lock.Release(p.cpu)
}

// sched switches to the scheduler of the hart the process runs on. The
// caller must hold p.lock and no other lock and must already have changed
// the state. The interrupt state saved by PushOff belongs to the kernel
// thread rather than to the hart, so it travels with the process to
// whichever hart resumes it.
func (p *Proc) sched() {
	c := p.cpu

	switch {
	case !p.lock.Holding(c):
		panicFn(errSchedLock)
	case c.Noff != 1:
		panicFn(errSchedLocks)
	case p.state == Running:
		panicFn(errSchedRunning)
	case c.IntrGet():
		panicFn(errSchedIntr)
	}

	intena := c.Intena
	cpu.Switch(&p.context, &c.Context)
	p.cpu.Intena = intena
}

// forkret is where every process starts executing, on its first switch
// from the scheduler, which still holds p.lock.
func (p *Proc) forkret() {
	t := p.table
	defer p.recoverHalt()
	p.lock.Release(p.cpu)

	if t.fsFirst.CompareAndSwap(false, true) && t.fs != nil {
		t.fs.Init(p)
	}

	if p.body != nil {
		p.body(p)
		p.Exit(0)
		return
	}
	p.EnterUser()
}

// recoverHalt stops p's kernel thread for good once it has halted its hart
// and reports the hart to the halt handler.
func (p *Proc) recoverHalt() {
	r := recover()
	if r == nil {
		return
	}
	if !cpu.IsHalt(r) || p.table.onHalt == nil {
		panic(r)
	}
	p.table.onHalt(p.cpu)
	runtime.Goexit()
}

// EnterUser hands the process to user mode and never returns.
func (p *Proc) EnterUser() {
	t := p.table
	if t.userRet == nil {
		panicFn(errNoUserRet)
		return
	}
	t.userRet(p)
}
