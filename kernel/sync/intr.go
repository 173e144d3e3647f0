package sync

import "rvos/kernel/cpu"

// PushOff disables interrupts on c. PushOff and PopOff calls nest: it takes
// as many PopOff calls as there were PushOff calls to undo them, and
// interrupts come back on only if they were on before the outermost
// PushOff.
func PushOff(c *cpu.CPU) {
	old := c.IntrGet()

	c.IntrOff()
	if c.Noff == 0 {
		c.Intena = old
	}
	c.Noff++
}

// PopOff undoes one PushOff.
func PopOff(c *cpu.CPU) {
	if c.IntrGet() {
		panicFn(errPopOffIntr)
		return
	}
	if c.Noff < 1 {
		panicFn(errPopOffDepth)
		return
	}

	c.Noff--
	if c.Noff == 0 && c.Intena {
		c.IntrOn()
	}
}
