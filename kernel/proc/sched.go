package proc

import (
	"rvos/kernel/cpu"
)

// Scheduler is the per-hart scheduling loop. Each hart calls it after
// setting itself up. It repeatedly picks a runnable process, always
// scanning from the start of the table, and switches to it; the process
// switches back by calling sched. Scheduler returns when the hart is
// powered off, reporting how many times it switched to a process.
func (t *Table) Scheduler(c *cpu.CPU) uint64 {
	var switches uint64

	c.Proc = cpu.NoProc
	for !c.Off() {
		// The most recent process to run may have had interrupts turned
		// off; enable them to avoid a deadlock if all processes are
		// waiting. Pending interrupts are taken here.
		c.IntrOn()

		found := false
		for i := range t.procs {
			p := &t.procs[i]
			p.lock.Acquire(c)
			if p.state == Runnable {
				// It is the process's job to release its lock and then
				// reacquire it before switching back to us.
				p.state = Running
				p.cpu = c
				c.Proc = i
				cpu.Switch(&c.Context, &p.context)
				switches++

				// The process is done running for now.
				c.Proc = cpu.NoProc
				found = true
			}
			p.lock.Release(c)
		}

		if !found {
			c.WaitForInterrupt()
		}
	}
	return switches
}
