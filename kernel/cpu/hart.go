// Package cpu models the harts of the machine: their supervisor CSRs,
// interrupt enable state and the raw kernel-thread switch.
package cpu

import (
	"rvos/kernel"
	"runtime"
	"sync/atomic"
	"time"

	syscpu "golang.org/x/sys/cpu"
)

// NoProc is stored in CPU.Proc while the hart runs its scheduler.
const NoProc = -1

var (
	// idleFn is invoked by WaitForInterrupt. Tests replace it to avoid
	// sleeping.
	idleFn = func() { time.Sleep(50 * time.Microsecond) }

	errHalted = &kernel.Error{Module: "cpu", Message: "system halted"}
)

// TrapHandler is invoked when an interrupt is taken while the hart executes
// kernel code. It plays the role of the kernel trap vector.
type TrapHandler func(c *CPU)

// CPU holds the per-hart state.
type CPU struct {
	_ syscpu.CacheLinePad

	// ID is the hart id.
	ID int

	// Proc is the table slot of the process running on this hart or
	// NoProc when the hart is in its scheduler.
	Proc int

	// Context is the scheduler's saved kernel thread.
	Context Context

	// Noff is the depth of PushOff nesting.
	Noff int

	// Intena records whether interrupts were enabled before the outermost
	// PushOff.
	Intena bool

	// Supervisor CSRs.
	Sepc   uint64
	Scause uint64
	Stval  uint64
	Stvec  uint64
	Satp   uint64

	sstatus uint64
	sip     atomic.Uint64
	off     atomic.Bool
	vector  TrapHandler

	_ syscpu.CacheLinePad
}

// New returns a hart with interrupts disabled and no process.
func New(id int) *CPU {
	return &CPU{ID: id, Proc: NoProc}
}

// SetTrapHandler installs the handler that receives interrupts taken in
// supervisor mode.
func (c *CPU) SetTrapHandler(fn TrapHandler) {
	c.vector = fn
}

// Sstatus returns the supervisor status register.
func (c *CPU) Sstatus() uint64 {
	return c.sstatus
}

// SetSstatus writes the supervisor status register. Setting SIE delivers any
// pending interrupt before returning.
func (c *CPU) SetSstatus(v uint64) {
	c.sstatus = v
	c.deliver()
}

// IntrOn enables device interrupts. Interrupts that are already pending are
// taken immediately.
func (c *CPU) IntrOn() {
	c.sstatus |= SstatusSIE
	c.deliver()
}

// IntrOff disables device interrupts.
func (c *CPU) IntrOff() {
	c.sstatus &^= SstatusSIE
}

// IntrGet reports whether device interrupts are enabled.
func (c *CPU) IntrGet() bool {
	return c.sstatus&SstatusSIE != 0
}

// Raise marks the interrupts in mask as pending. It may be called from any
// goroutine.
func (c *CPU) Raise(mask uint64) {
	for {
		old := c.sip.Load()
		if old&mask == mask || c.sip.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// Clear acknowledges the pending interrupts in mask.
func (c *CPU) Clear(mask uint64) {
	for {
		old := c.sip.Load()
		if old&mask == 0 || c.sip.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// Pending returns the highest priority pending interrupt cause.
func (c *CPU) Pending() (uint64, bool) {
	sip := c.sip.Load()
	switch {
	case sip&SipSEIP != 0:
		return IntrExternal, true
	case sip&SipSSIP != 0:
		return IntrSoftware, true
	}
	return 0, false
}

// deliver takes pending interrupts while they are enabled, emulating the
// hart's trap entry and sret around the installed handler.
func (c *CPU) deliver() {
	for c.sstatus&SstatusSIE != 0 && c.vector != nil {
		cause, ok := c.Pending()
		if !ok {
			return
		}

		saved, sepc, stval := c.sstatus, c.Sepc, c.Stval
		c.sstatus = (saved &^ (SstatusSIE | SstatusSPIE)) | SstatusSPP | SstatusSPIE
		c.Scause, c.Stval = cause, 0

		c.vector(c)

		c.sstatus, c.Sepc, c.Stval = saved, sepc, stval
	}
}

// PowerOff stops the hart. Its scheduler loop and any user code running on
// it return at the next instruction boundary.
func (c *CPU) PowerOff() {
	c.off.Store(true)
}

// Off reports whether the hart has been powered off.
func (c *CPU) Off() bool {
	return c.off.Load()
}

// WaitForInterrupt idles the hart until there is a chance that some work has
// become available.
func (c *CPU) WaitForInterrupt() {
	if _, ok := c.Pending(); ok {
		runtime.Gosched()
		return
	}
	idleFn()
}

// Halt stops instruction execution on the calling hart.
func Halt() {
	panic(errHalted)
}

// IsHalt reports whether r, a value recovered from a panic, was raised by
// Halt.
func IsHalt(r interface{}) bool {
	err, ok := r.(*kernel.Error)
	return ok && err == errHalted
}
