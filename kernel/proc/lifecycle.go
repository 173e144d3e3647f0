package proc

import (
	"encoding/binary"
	"rvos/kernel/mm"
	"rvos/kernel/mm/vmm"

	"go.uber.org/zap"
)

// Fork creates a new process copying p. The child returns to user space
// with a0 set to 0. Fork returns the child's pid, or -1.
func (p *Proc) Fork() int {
	return p.fork("", nil)
}

// Spawn is like Fork but the child runs body in the kernel instead of
// returning to user space. The child exits with status 0 when body
// returns.
func (p *Proc) Spawn(name string, body func(p *Proc)) int {
	return p.fork(name, body)
}

func (p *Proc) fork(name string, body func(p *Proc)) int {
	t := p.table
	c := p.cpu

	np := t.alloc(c)
	if np == nil {
		return -1
	}

	// Copy user memory from parent to child.
	if err := p.pagetable.Copy(np.pagetable, p.sz); err != nil {
		t.freeproc(np)
		np.lock.Release(c)
		return -1
	}
	np.sz = p.sz

	// Copy saved user registers; fork returns 0 in the child.
	*np.trapframe = *p.trapframe
	np.trapframe.A0 = 0

	for fd, f := range p.ofile {
		if f != nil {
			f.Dup(c)
			np.ofile[fd] = f
		}
	}
	if p.cwd != nil {
		p.cwd.Dup(c)
		np.cwd = p.cwd
	}

	np.name = p.name
	if name != "" {
		np.name = name
	}
	np.body = body

	pid := np.pid
	np.lock.Release(c)

	t.waitLock.Acquire(c)
	np.parent = p.ref()
	t.waitLock.Release(c)

	np.lock.Acquire(c)
	np.state = Runnable
	np.lock.Release(c)

	return pid
}

// reparent passes p's abandoned children to init. The caller must hold
// waitLock.
func (t *Table) reparent(p *Proc) {
	for i := range t.procs {
		pp := &t.procs[i]
		if pp.parent == p.ref() {
			pp.parent = t.initProc.ref()
			t.Wakeup(p.cpu, t.initProc)
		}
	}
}

// Exit terminates p. It does not return: p stays a zombie until its parent
// calls Wait.
func (p *Proc) Exit(status int) {
	t := p.table
	if p == t.initProc {
		panicFn(errInitExiting)
		return
	}

	// Close all open files.
	for fd, f := range p.ofile {
		if f != nil {
			f.Close(p)
			p.ofile[fd] = nil
		}
	}

	if p.cwd != nil {
		p.cwd.Put(p)
		p.cwd = nil
	}

	c := p.cpu
	t.waitLock.Acquire(c)

	t.reparent(p)

	// Parent might be sleeping in Wait.
	if parent := t.deref(p.parent); parent != nil {
		t.Wakeup(c, parent)
	}

	p.lock.Acquire(c)
	p.xstate = status
	p.state = Zombie

	t.waitLock.Release(c)

	t.log.Debug("exit", zap.Int("pid", p.pid), zap.String("name", p.name), zap.Int("status", status))

	// Jump into the scheduler, never to return.
	p.sched()
	panicFn(errZombieExit)
}

// Wait waits for a child process to exit and returns its pid, storing its
// exit status at the user address addr unless addr is 0. It returns -1 if
// p has no children, is killed while waiting, or the status cannot be
// copied out.
func (p *Proc) Wait(addr uint64) int {
	t := p.table

	t.waitLock.Acquire(p.cpu)
	for {
		c := p.cpu

		// Scan through the table looking for exited children.
		haveKids := false
		for i := range t.procs {
			pp := &t.procs[i]
			if pp.parent != p.ref() {
				continue
			}

			// Make sure the child isn't still in Exit or sched.
			pp.lock.Acquire(c)
			haveKids = true
			if pp.state == Zombie {
				pid := pp.pid
				if addr != 0 {
					var status [4]byte
					binary.LittleEndian.PutUint32(status[:], uint32(int32(pp.xstate)))
					if err := p.pagetable.CopyOut(addr, status[:]); err != nil {
						pp.lock.Release(c)
						t.waitLock.Release(c)
						return -1
					}
				}
				t.freeproc(pp)
				pp.lock.Release(c)
				t.waitLock.Release(c)
				return pid
			}
			pp.lock.Release(c)
		}

		if !haveKids || p.Killed() {
			t.waitLock.Release(c)
			return -1
		}

		// Wait for a child to exit.
		p.Sleep(p, &t.waitLock)
	}
}

// Grow grows or shrinks user memory by n bytes. Growth that cannot be
// completed is undone and reported as -1.
func (p *Proc) Grow(n int) int {
	sz := p.sz

	switch {
	case n > 0:
		newsz := sz + uint64(n)
		if newsz < sz || newsz > mm.TRAPFRAME {
			return -1
		}
		if got := p.pagetable.Alloc(sz, newsz, vmm.FlagWrite); got != newsz {
			p.pagetable.Dealloc(got, sz)
			return -1
		}
		sz = newsz
	case n < 0:
		shrink := uint64(-n)
		if shrink > sz {
			return -1
		}
		sz = p.pagetable.Dealloc(sz, sz-shrink)
	}

	p.sz = sz
	return 0
}
