package trap

import (
	"rvos/kernel/proc"
)

func (h *Handler) sysExit(p *proc.Proc) uint64 {
	p.Exit(argint(p, 0))
	return 0 // not reached
}

func (h *Handler) sysGetpid(p *proc.Proc) uint64 {
	return result(p.Pid())
}

func (h *Handler) sysFork(p *proc.Proc) uint64 {
	return result(p.Fork())
}

func (h *Handler) sysWait(p *proc.Proc) uint64 {
	return result(p.Wait(argaddr(p, 0)))
}

func (h *Handler) sysSbrk(p *proc.Proc) uint64 {
	n := argint(p, 0)
	addr := p.Size()
	if p.Grow(n) < 0 {
		return fail
	}
	return addr
}

func (h *Handler) sysSleep(p *proc.Proc) uint64 {
	n := argint(p, 0)
	if n < 0 {
		n = 0
	}

	h.tickslock.Acquire(p.CPU())
	ticks0 := h.ticks
	for h.ticks-ticks0 < uint64(n) {
		if p.Killed() {
			h.tickslock.Release(p.CPU())
			return fail
		}
		p.Sleep(&h.ticks, &h.tickslock)
	}
	h.tickslock.Release(p.CPU())
	return 0
}

func (h *Handler) sysKill(p *proc.Proc) uint64 {
	return result(h.procs.Kill(p.CPU(), argint(p, 0)))
}

// sysUptime returns how many clock tick interrupts have occurred since
// start.
func (h *Handler) sysUptime(p *proc.Proc) uint64 {
	return h.Ticks(p.CPU())
}
