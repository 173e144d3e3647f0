package hal

import (
	"math/bits"
	"rvos/kernel/cpu"
	"sync"
)

// MaxIRQ is the highest interrupt source number the PLIC accepts. Source 0
// is reserved to mean "no interrupt".
const MaxIRQ = 63

// PLIC is the platform-level interrupt controller. Devices raise numbered
// interrupt sources; the PLIC asserts SEIP on every hart while an enabled
// source is pending and not already being serviced. A hart claims the
// lowest numbered such source and completes it once the device has been
// serviced.
//
// Devices raise interrupts from host goroutines that are not harts, so the
// controller state is guarded by a host mutex rather than a kernel spinlock.
type PLIC struct {
	mu sync.Mutex

	harts []*cpu.CPU

	enabled   uint64
	pending   uint64
	inService uint64

	claims uint64
}

// NewPLIC returns a controller that routes interrupts to harts. All sources
// start disabled.
func NewPLIC(harts []*cpu.CPU) *PLIC {
	return &PLIC{harts: harts}
}

func validIRQ(irq int) bool {
	return irq > 0 && irq <= MaxIRQ
}

// Enable lets irq interrupt the harts.
func (p *PLIC) Enable(irq int) {
	if !validIRQ(irq) {
		return
	}
	p.mu.Lock()
	p.enabled |= 1 << irq
	p.update()
	p.mu.Unlock()
}

// Raise marks irq as pending. Raising an interrupt that is already pending
// has no further effect.
func (p *PLIC) Raise(irq int) {
	if !validIRQ(irq) {
		return
	}
	p.mu.Lock()
	p.pending |= 1 << irq
	p.update()
	p.mu.Unlock()
}

// Claim returns the lowest numbered pending interrupt for hart, or 0 if
// there is none.
func (p *PLIC) Claim(hart int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready := p.ready()
	if ready == 0 {
		return 0
	}
	irq := bits.TrailingZeros64(ready)
	p.pending &^= 1 << irq
	p.inService |= 1 << irq
	p.claims++
	p.update()
	return irq
}

// Complete tells the PLIC that hart has serviced irq, allowing the source
// to interrupt again.
func (p *PLIC) Complete(hart, irq int) {
	if !validIRQ(irq) {
		return
	}
	p.mu.Lock()
	p.inService &^= 1 << irq
	p.update()
	p.mu.Unlock()
}

// Claims returns the number of interrupts claimed so far.
func (p *PLIC) Claims() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claims
}

func (p *PLIC) ready() uint64 {
	return p.pending & p.enabled &^ p.inService
}

// update drives the SEIP line of every hart. Callers hold p.mu.
func (p *PLIC) update() {
	assert := p.ready() != 0
	for _, c := range p.harts {
		if assert {
			c.Raise(cpu.SipSEIP)
		} else {
			c.Clear(cpu.SipSEIP)
		}
	}
}
