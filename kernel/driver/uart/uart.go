// Package uart drives the console: a 16550-style serial port whose output
// goes to a host terminal and whose input arrives as receive interrupts.
// Input is processed by a line discipline: the kernel echoes and edits the
// current line, and readers only see complete lines.
package uart

import (
	"io"
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/driver/tty"
	"rvos/kernel/file"
	"rvos/kernel/hal"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	ksync "rvos/kernel/sync"
	"sync"

	"go.uber.org/zap"
)

// Major is the device number of the console.
const Major = 1

// inputBufSize is the capacity of the line editing buffer.
const inputBufSize = 128

// ctrl returns the control-key code of x.
func ctrl(x byte) byte { return x - '@' }

// Processes is the process table as seen by the console: input wakes up
// sleeping readers and ^P prints a process listing.
type Processes interface {
	Wakeup(c *cpu.CPU, ch interface{})
	Dump()
}

var errNotAttached = &kernel.Error{Module: "uart", Message: "console not attached to a process table"}

// Console is the console device.
type Console struct {
	plic *hal.PLIC
	vt   tty.Vt
	log  *zap.Logger

	procs Processes

	lock ksync.Spinlock

	// Input ring. r is the read index, w the write index (end of the last
	// complete line), e the edit index.
	buf     [inputBufSize]byte
	r, w, e uint32

	// rx holds bytes received from the host but not yet taken by the
	// interrupt handler. The host side is not a hart so a host mutex
	// guards it.
	rxMu sync.Mutex
	rx   []byte
}

func init() {
	hal.RegisterDriver(&hal.DriverInfo{
		Order: hal.DetectOrderConsole,
		Probe: probeForConsole,
	})
}

// probeForConsole returns a console if the machine has somewhere to send
// its output.
func probeForConsole(m *hal.Machine) hal.Driver {
	if m.Console == nil {
		return nil
	}
	return New(m.PLIC, m.Console)
}

// New returns a console whose output goes to out and whose receive
// interrupts are raised through plic.
func New(plic *hal.PLIC, out io.Writer) *Console {
	c := &Console{
		plic: plic,
		log:  kfmt.Log("uart"),
	}
	c.lock.Init("cons")
	c.vt.AttachTo(out, tty.DefaultWidth)
	return c
}

// DriverName implements hal.Driver.
func (c *Console) DriverName() string {
	return "uart16550"
}

// DriverVersion implements hal.Driver.
func (c *Console) DriverVersion() (uint16, uint16, uint16) {
	return 1, 0, 0
}

// DriverInit implements hal.Driver. It enables the receive interrupt.
func (c *Console) DriverInit(w io.Writer) *kernel.Error {
	c.plic.Enable(mm.UART0IRQ)
	kfmt.Fprintf(w, "mmio %#x irq %d\n", mm.UART0, mm.UART0IRQ)
	return nil
}

// Attach connects the console to the processes whose reads it wakes up.
func (c *Console) Attach(procs Processes) {
	c.procs = procs
}

// Write implements io.Writer so the console can serve as the kfmt output
// sink.
func (c *Console) Write(p []byte) (int, error) {
	return c.vt.Write(p)
}

// putc sends one byte to the terminal, turning the backspace keys into an
// erase of the previous character.
func (c *Console) putc(b byte) {
	if b == '\b' || b == 0x7f {
		c.vt.Backspace()
		return
	}
	c.vt.WriteByte(b)
}

// Receive delivers bytes typed on the host terminal to the UART and raises
// its interrupt. It may be called from any goroutine.
func (c *Console) Receive(data []byte) {
	if len(data) == 0 {
		return
	}
	c.rxMu.Lock()
	c.rx = append(c.rx, data...)
	c.rxMu.Unlock()
	c.plic.Raise(mm.UART0IRQ)
}

// getc takes the next received byte, if any.
func (c *Console) getc() (byte, bool) {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	if len(c.rx) == 0 {
		return 0, false
	}
	b := c.rx[0]
	c.rx = c.rx[1:]
	return b, true
}

// Intr handles a UART interrupt on hart h: it feeds every received byte
// through the line discipline.
func (c *Console) Intr(h *cpu.CPU) {
	for {
		b, ok := c.getc()
		if !ok {
			return
		}
		c.input(h, b)
	}
}

// input applies the line discipline to one input byte: erase, kill line
// and process dump are handled here, everything else is echoed and
// buffered. Readers are woken once a whole line or an end-of-file has
// arrived.
func (c *Console) input(h *cpu.CPU, b byte) {
	c.lock.Acquire(h)
	defer c.lock.Release(h)

	switch b {
	case ctrl('P'):
		if c.procs != nil {
			c.procs.Dump()
		}
	case ctrl('U'):
		for c.e != c.w && c.buf[(c.e-1)%inputBufSize] != '\n' {
			c.e--
			c.putc('\b')
		}
	case ctrl('H'), 0x7f:
		if c.e != c.w {
			c.e--
			c.putc('\b')
		}
	default:
		if b == 0 || c.e-c.r >= inputBufSize {
			return
		}
		if b == '\r' {
			b = '\n'
		}

		// Echo back to the user.
		c.putc(b)

		// Store for consumption by Read.
		c.buf[c.e%inputBufSize] = b
		c.e++

		if b == '\n' || b == ctrl('D') || c.e-c.r == inputBufSize {
			// Wake up Read if a whole line (or end-of-file) has arrived.
			c.w = c.e
			c.wakeup(h)
		}
	}
}

func (c *Console) wakeup(h *cpu.CPU) {
	if c.procs == nil {
		c.log.Warn("input before attach", zap.Error(errNotAttached))
		return
	}
	c.procs.Wakeup(h, &c.r)
}

// Device returns the console as a character device for the file table.
func (c *Console) Device() file.Device {
	return device{c}
}

type device struct {
	c *Console
}

func (d device) Read(t file.Thread, dst []byte) int  { return d.c.read(t, dst) }
func (d device) Write(t file.Thread, src []byte) int { return d.c.write(src) }

// read copies up to one whole input line to dst and returns the number of
// bytes copied, or -1 if the reader was killed while waiting.
func (c *Console) read(t file.Thread, dst []byte) int {
	target := len(dst)
	n := 0

	c.lock.Acquire(t.CPU())
	for n < target {
		// Wait until the interrupt handler has put some input into buf.
		for c.r == c.w {
			if t.Killed() {
				c.lock.Release(t.CPU())
				return -1
			}
			t.Sleep(&c.r, &c.lock)
		}

		b := c.buf[c.r%inputBufSize]
		c.r++

		if b == ctrl('D') {
			if n > 0 {
				// Save ^D for next time, to make sure caller gets a
				// 0-byte result.
				c.r--
			}
			break
		}

		dst[n] = b
		n++

		if b == '\n' {
			// A whole line has arrived, return to the user-level read.
			break
		}
	}
	c.lock.Release(t.CPU())

	return n
}

func (c *Console) write(src []byte) int {
	n, err := c.vt.Write(src)
	if err != nil {
		c.log.Debug("console write failed", zap.Error(err))
		return -1
	}
	return n
}
