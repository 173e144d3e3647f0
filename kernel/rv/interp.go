package rv

import (
	"encoding/binary"
	"math/bits"
	"rvos/kernel/cpu"
	"rvos/kernel/mm"
	"rvos/kernel/mm/vmm"
)

// trap describes a synchronous exception raised by an instruction.
type trap struct {
	cause uint64
	tval  uint64
}

// hart is the user-mode execution state for one Run call.
type hart struct {
	c   *cpu.CPU
	mem *mm.Memory
	pt  vmm.PageTable
	tf  *Trapframe
	pc  uint64
}

// Run executes user code on hart c, as sret would: execution starts at sepc
// with the registers held in tf and every memory access translated through
// the page table that satp selects. Run returns true once a trap has been
// taken, leaving sepc, scause, stval and sstatus as the hardware would on
// trap entry. Pending interrupts are taken before the next instruction. Run
// returns false if the hart is powered off.
func Run(c *cpu.CPU, mem *mm.Memory, tf *Trapframe) bool {
	h := hart{
		c:   c,
		mem: mem,
		pt:  vmm.FromSatp(mem, c.Satp),
		tf:  tf,
		pc:  c.Sepc,
	}

	for {
		if c.Off() {
			return false
		}

		if cause, ok := c.Pending(); ok {
			h.enterTrap(cause, 0)
			return true
		}

		if t := h.step(); t != nil {
			h.enterTrap(t.cause, t.tval)
			return true
		}
	}
}

func (h *hart) enterTrap(cause, tval uint64) {
	c := h.c
	c.Sepc, c.Scause, c.Stval = h.pc, cause, tval

	s := c.Sstatus() &^ (cpu.SstatusSPP | cpu.SstatusSPIE | cpu.SstatusSIE)
	if c.IntrGet() {
		s |= cpu.SstatusSPIE
	}
	c.SetSstatus(s)
}

// access translates the n bytes at va, which may straddle a page boundary,
// and returns the physical address of each byte run.
func (h *hart) access(va uint64, n int, need vmm.PageTableEntryFlag) ([]byte, bool) {
	var buf [8]byte
	out := buf[:0]
	for n > 0 {
		pa, ok := h.pt.Translate(va, need)
		if !ok {
			return nil, false
		}
		chunk := int(mm.PageSize - va%mm.PageSize)
		if chunk > n {
			chunk = n
		}
		out = append(out, h.mem.Bytes(pa, uint64(chunk))...)
		va += uint64(chunk)
		n -= chunk
	}
	return out, true
}

func (h *hart) load(va uint64, n int) (uint64, *trap) {
	b, ok := h.access(va, n, vmm.FlagRead)
	if !ok {
		return 0, &trap{cpu.ExcLoadPageFault, va}
	}
	var v [8]byte
	copy(v[:], b)
	return binary.LittleEndian.Uint64(v[:]), nil
}

func (h *hart) store(va uint64, n int, v uint64) *trap {
	// Check every page before writing any byte.
	if _, ok := h.access(va, n, vmm.FlagWrite); !ok {
		return &trap{cpu.ExcStorePageFault, va}
	}

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	for i := 0; i < n; i++ {
		pa, _ := h.pt.Translate(va+uint64(i), vmm.FlagWrite)
		h.mem.Bytes(pa, 1)[0] = b[i]
	}
	return nil
}

func (h *hart) fetch() (uint32, *trap) {
	if h.pc%4 != 0 {
		return 0, &trap{cpu.ExcInstructionMisaligned, h.pc}
	}
	pa, ok := h.pt.Translate(h.pc, vmm.FlagExec)
	if !ok {
		return 0, &trap{cpu.ExcInstructionPageFault, h.pc}
	}
	return binary.LittleEndian.Uint32(h.mem.Bytes(pa, 4)), nil
}

// jump sets the next pc, raising a misaligned exception on the jumping
// instruction when the target is not word aligned.
func (h *hart) jump(target uint64) *trap {
	if target%4 != 0 {
		return &trap{cpu.ExcInstructionMisaligned, target}
	}
	h.pc = target
	return nil
}

func sext(v uint64, width uint) uint64 {
	shift := 64 - width
	return uint64(int64(v<<shift) >> shift)
}

func sext32(v uint64) uint64 {
	return uint64(int64(int32(uint32(v))))
}

func immI(inst uint32) uint64 { return uint64(int64(int32(inst) >> 20)) }

func immS(inst uint32) uint64 {
	return uint64(int64(int32(inst&0xfe000000)>>20) | int64(inst>>7&0x1f))
}

func immB(inst uint32) uint64 {
	v := int64(int32(inst&0x80000000)>>19) |
		int64(inst&0x80)<<4 |
		int64(inst>>20&0x7e0) |
		int64(inst>>7&0x1e)
	return uint64(v)
}

func immU(inst uint32) uint64 { return uint64(int64(int32(inst & 0xfffff000))) }

func immJ(inst uint32) uint64 {
	v := int64(int32(inst&0x80000000)>>11) |
		int64(inst&0xff000) |
		int64(inst>>9&0x800) |
		int64(inst>>20&0x7fe)
	return uint64(v)
}

// step executes one instruction.
func (h *hart) step() *trap {
	inst, t := h.fetch()
	if t != nil {
		return t
	}

	var (
		tf     = h.tf
		rd     = Reg(inst >> 7 & 0x1f)
		rs1    = Reg(inst >> 15 & 0x1f)
		rs2    = Reg(inst >> 20 & 0x1f)
		funct3 = inst >> 12 & 0x7
		funct7 = inst >> 25
		a      = tf.Reg(rs1)
		b      = tf.Reg(rs2)
		next   = h.pc + 4
		ill    = &trap{cpu.ExcIllegalInstruction, uint64(inst)}
	)

	switch inst & 0x7f {
	case opLui:
		tf.SetReg(rd, immU(inst))

	case opAuipc:
		tf.SetReg(rd, h.pc+immU(inst))

	case opJal:
		if t := h.jump(h.pc + immJ(inst)); t != nil {
			return t
		}
		tf.SetReg(rd, next)
		return nil

	case opJalr:
		if funct3 != 0 {
			return ill
		}
		if t := h.jump((a + immI(inst)) &^ 1); t != nil {
			return t
		}
		tf.SetReg(rd, next)
		return nil

	case opBranch:
		var taken bool
		switch funct3 {
		case 0:
			taken = a == b
		case 1:
			taken = a != b
		case 4:
			taken = int64(a) < int64(b)
		case 5:
			taken = int64(a) >= int64(b)
		case 6:
			taken = a < b
		case 7:
			taken = a >= b
		default:
			return ill
		}
		if taken {
			return h.jump(h.pc + immB(inst))
		}

	case opLoad:
		addr := a + immI(inst)
		var (
			v uint64
			t *trap
		)
		switch funct3 {
		case 0:
			v, t = h.load(addr, 1)
			v = sext(v, 8)
		case 1:
			v, t = h.load(addr, 2)
			v = sext(v, 16)
		case 2:
			v, t = h.load(addr, 4)
			v = sext32(v)
		case 3:
			v, t = h.load(addr, 8)
		case 4:
			v, t = h.load(addr, 1)
		case 5:
			v, t = h.load(addr, 2)
		case 6:
			v, t = h.load(addr, 4)
		default:
			return ill
		}
		if t != nil {
			return t
		}
		tf.SetReg(rd, v)

	case opStore:
		if funct3 > 3 {
			return ill
		}
		if t := h.store(a+immS(inst), 1<<funct3, b); t != nil {
			return t
		}

	case opImm:
		imm := immI(inst)
		sh := imm & 0x3f
		var v uint64
		switch funct3 {
		case 0:
			v = a + imm
		case 1:
			if inst>>26 != 0 {
				return ill
			}
			v = a << sh
		case 2:
			v = b2u(int64(a) < int64(imm))
		case 3:
			v = b2u(a < imm)
		case 4:
			v = a ^ imm
		case 5:
			switch inst >> 26 {
			case 0x00:
				v = a >> sh
			case 0x10:
				v = uint64(int64(a) >> sh)
			default:
				return ill
			}
		case 6:
			v = a | imm
		case 7:
			v = a & imm
		}
		tf.SetReg(rd, v)

	case opImm32:
		imm := immI(inst)
		sh := imm & 0x1f
		var v uint64
		switch {
		case funct3 == 0:
			v = sext32(a + imm)
		case funct3 == 1 && funct7 == 0:
			v = sext32(a << sh)
		case funct3 == 5 && funct7 == 0:
			v = sext32(uint64(uint32(a) >> sh))
		case funct3 == 5 && funct7 == 0x20:
			v = sext32(uint64(int32(uint32(a)) >> sh))
		default:
			return ill
		}
		tf.SetReg(rd, v)

	case opReg:
		v, ok := alu(funct7, funct3, a, b)
		if !ok {
			return ill
		}
		tf.SetReg(rd, v)

	case opReg32:
		v, ok := alu32(funct7, funct3, a, b)
		if !ok {
			return ill
		}
		tf.SetReg(rd, v)

	case opMiscMem:
		// fence and fence.i order nothing for a single interpreted hart.

	case opSystem:
		switch inst {
		case 0x00000073:
			return &trap{cpu.ExcUserEcall, 0}
		case 0x00100073:
			return &trap{cpu.ExcBreakpoint, h.pc}
		}
		return ill

	default:
		return ill
	}

	h.pc = next
	return nil
}

func b2u(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func alu(funct7, funct3 uint32, a, b uint64) (uint64, bool) {
	sh := b & 0x3f
	switch funct7 {
	case 0x00:
		switch funct3 {
		case 0:
			return a + b, true
		case 1:
			return a << sh, true
		case 2:
			return b2u(int64(a) < int64(b)), true
		case 3:
			return b2u(a < b), true
		case 4:
			return a ^ b, true
		case 5:
			return a >> sh, true
		case 6:
			return a | b, true
		case 7:
			return a & b, true
		}
	case 0x20:
		switch funct3 {
		case 0:
			return a - b, true
		case 5:
			return uint64(int64(a) >> sh), true
		}
	case 0x01:
		return mulDiv(funct3, a, b), true
	}
	return 0, false
}

func mulDiv(funct3 uint32, a, b uint64) uint64 {
	sa, sb := int64(a), int64(b)
	switch funct3 {
	case 0:
		return a * b
	case 1:
		hi, _ := bits.Mul64(a, b)
		if sa < 0 {
			hi -= b
		}
		if sb < 0 {
			hi -= a
		}
		return hi
	case 2:
		hi, _ := bits.Mul64(a, b)
		if sa < 0 {
			hi -= b
		}
		return hi
	case 3:
		hi, _ := bits.Mul64(a, b)
		return hi
	case 4:
		if b == 0 {
			return ^uint64(0)
		}
		return uint64(sa / sb)
	case 5:
		if b == 0 {
			return ^uint64(0)
		}
		return a / b
	case 6:
		if b == 0 {
			return a
		}
		return uint64(sa % sb)
	default:
		if b == 0 {
			return a
		}
		return a % b
	}
}

func alu32(funct7, funct3 uint32, a, b uint64) (uint64, bool) {
	sh := b & 0x1f
	wa, wb := uint32(a), uint32(b)
	switch {
	case funct7 == 0x00 && funct3 == 0:
		return sext32(uint64(wa + wb)), true
	case funct7 == 0x20 && funct3 == 0:
		return sext32(uint64(wa - wb)), true
	case funct7 == 0x00 && funct3 == 1:
		return sext32(uint64(wa << sh)), true
	case funct7 == 0x00 && funct3 == 5:
		return sext32(uint64(wa >> sh)), true
	case funct7 == 0x20 && funct3 == 5:
		return sext32(uint64(int32(wa) >> sh)), true
	case funct7 == 0x01:
		sa, sb := int32(wa), int32(wb)
		switch funct3 {
		case 0:
			return sext32(uint64(wa * wb)), true
		case 4:
			if wb == 0 {
				return ^uint64(0), true
			}
			return sext32(uint64(uint32(sa / sb))), true
		case 5:
			if wb == 0 {
				return ^uint64(0), true
			}
			return sext32(uint64(wa / wb)), true
		case 6:
			if wb == 0 {
				return sext32(uint64(wa)), true
			}
			return sext32(uint64(uint32(sa % sb))), true
		case 7:
			if wb == 0 {
				return sext32(uint64(wa)), true
			}
			return sext32(uint64(wa % wb)), true
		}
	}
	return 0, false
}
