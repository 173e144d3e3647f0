// Package rv implements the user-mode side of the RISC-V hart: the trapframe
// layout shared with the trampoline, an RV64IM interpreter that runs user
// code through the process page table, and a small assembler used to build
// user programs.
package rv

import (
	"rvos/kernel/mm"
	"unsafe"
)

// Trapframe is the per-process page the trampoline saves user registers in.
// The layout is fixed: the trampoline code addresses fields by offset.
type Trapframe struct {
	KernelSatp   uint64 //   0 kernel page table
	KernelSp     uint64 //   8 top of process's kernel stack
	KernelTrap   uint64 //  16 usertrap()
	Epc          uint64 //  24 saved user program counter
	KernelHartid uint64 //  32 saved kernel tp
	Ra           uint64 //  40
	Sp           uint64 //  48
	Gp           uint64 //  56
	Tp           uint64 //  64
	T0           uint64 //  72
	T1           uint64 //  80
	T2           uint64 //  88
	S0           uint64 //  96
	S1           uint64 // 104
	A0           uint64 // 112
	A1           uint64 // 120
	A2           uint64 // 128
	A3           uint64 // 136
	A4           uint64 // 144
	A5           uint64 // 152
	A6           uint64 // 160
	A7           uint64 // 168
	S2           uint64 // 176
	S3           uint64 // 184
	S4           uint64 // 192
	S5           uint64 // 200
	S6           uint64 // 208
	S7           uint64 // 216
	S8           uint64 // 224
	S9           uint64 // 232
	S10          uint64 // 240
	S11          uint64 // 248
	T3           uint64 // 256
	T4           uint64 // 264
	T5           uint64 // 272
	T6           uint64 // 280
}

// regBase is the word index of x1 (ra); register xN lives at word
// regBase+N-1.
const regBase = 5

// TrapframeAt returns the trapframe stored in frame f.
func TrapframeAt(mem *mm.Memory, f mm.Frame) *Trapframe {
	page := mem.Page(f)
	return (*Trapframe)(unsafe.Pointer(&page[0]))
}

func (tf *Trapframe) words() *[36]uint64 {
	return (*[36]uint64)(unsafe.Pointer(tf))
}

// Reg returns general register xN. x0 always reads as zero.
func (tf *Trapframe) Reg(n Reg) uint64 {
	if n == Zero {
		return 0
	}
	return tf.words()[regBase+int(n)-1]
}

// SetReg writes general register xN. Writes to x0 are discarded.
func (tf *Trapframe) SetReg(n Reg, v uint64) {
	if n == Zero {
		return
	}
	tf.words()[regBase+int(n)-1] = v
}

// Arg returns the nth syscall argument register (a0..a5).
func (tf *Trapframe) Arg(n int) uint64 {
	return tf.Reg(A0 + Reg(n))
}
