package rv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Reg is a general purpose register number.
type Reg uint32

// ABI register names.
const (
	Zero Reg = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// Major opcodes.
const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opImm     = 0x13
	opAuipc   = 0x17
	opImm32   = 0x1b
	opStore   = 0x23
	opReg     = 0x33
	opLui     = 0x37
	opReg32   = 0x3b
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6f
	opSystem  = 0x73
)

var errUnboundLabel = errors.New("asm: reference to unbound label")

// Label marks a position in the program. Labels may be referenced before
// they are bound.
type Label struct {
	pos   uint64
	bound bool
}

type fixupKind int

const (
	fixBranch fixupKind = iota
	fixJal
	fixPCRel
	fixAbs64
)

type fixup struct {
	kind  fixupKind
	at    uint64
	label *Label
}

// Asm assembles RV64IM machine code. Branch and jump targets are labels;
// every instruction is 4 bytes. Origin is the virtual address the code is
// loaded at and is used for absolute label references.
type Asm struct {
	Origin uint64

	code   []byte
	fixups []fixup
}

// PC returns the offset of the next instruction.
func (a *Asm) PC() uint64 {
	return uint64(len(a.code))
}

// NewLabel returns an unbound label.
func (a *Asm) NewLabel() *Label {
	return &Label{}
}

// Bind binds l to the current position.
func (a *Asm) Bind(l *Label) {
	l.pos, l.bound = a.PC(), true
}

// Here returns a label bound to the current position.
func (a *Asm) Here() *Label {
	l := a.NewLabel()
	a.Bind(l)
	return l
}

// Addr returns the load address of a bound label.
func (a *Asm) Addr(l *Label) uint64 {
	return a.Origin + l.pos
}

// Assemble resolves label references and returns the program image.
func (a *Asm) Assemble() ([]byte, error) {
	for _, f := range a.fixups {
		if !f.label.bound {
			return nil, errUnboundLabel
		}

		inst := binary.LittleEndian.Uint32(a.code[f.at:])
		off := int64(f.label.pos) - int64(f.at)
		switch f.kind {
		case fixBranch:
			inst |= bImm(off)
		case fixJal:
			inst |= jImm(off)
		case fixPCRel:
			// auipc + addi pair; the addi follows the auipc.
			hi, lo := splitImm(off)
			inst |= uint32(hi) << 12
			next := binary.LittleEndian.Uint32(a.code[f.at+4:])
			next |= uint32(lo&0xfff) << 20
			binary.LittleEndian.PutUint32(a.code[f.at+4:], next)
		case fixAbs64:
			binary.LittleEndian.PutUint64(a.code[f.at:], a.Addr(f.label))
			continue
		}
		binary.LittleEndian.PutUint32(a.code[f.at:], inst)
	}

	out := make([]byte, len(a.code))
	copy(out, a.code)
	return out, nil
}

// MustAssemble is like Assemble but panics on error. It is meant for
// programs built at init time.
func (a *Asm) MustAssemble() []byte {
	code, err := a.Assemble()
	if err != nil {
		panic(err)
	}
	return code
}

func (a *Asm) emit(inst uint32) {
	a.code = binary.LittleEndian.AppendUint32(a.code, inst)
}

func (a *Asm) ref(kind fixupKind, l *Label) {
	a.fixups = append(a.fixups, fixup{kind: kind, at: a.PC(), label: l})
}

// splitImm splits a 32-bit offset into the upper 20 bits for lui/auipc and
// a sign-extended lower 12 bits for the following addi.
func splitImm(v int64) (int32, int32) {
	lo := int32(v<<52>>52)
	hi := int32((v - int64(lo)) >> 12)
	return hi & 0xfffff, lo
}

func rType(f7 uint32, rs2, rs1 Reg, f3 uint32, rd Reg, op uint32) uint32 {
	return f7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

func iType(imm int32, rs1 Reg, f3 uint32, rd Reg, op uint32) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

func sType(imm int32, rs2, rs1 Reg, f3 uint32, op uint32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | (u&0x1f)<<7 | op
}

func bImm(off int64) uint32 {
	u := uint32(off)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | (u>>1&0xf)<<8 | (u>>11&1)<<7
}

func jImm(off int64) uint32 {
	u := uint32(off)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12
}

func checkImm12(imm int32) {
	if imm < -2048 || imm > 2047 {
		panic(fmt.Sprintf("asm: immediate %d does not fit in 12 bits", imm))
	}
}

func (a *Asm) i(imm int32, rs1 Reg, f3 uint32, rd Reg, op uint32) {
	checkImm12(imm)
	a.emit(iType(imm, rs1, f3, rd, op))
}

func (a *Asm) s(imm int32, rs2, rs1 Reg, f3 uint32) {
	checkImm12(imm)
	a.emit(sType(imm, rs2, rs1, f3, opStore))
}

func (a *Asm) branch(f3 uint32, rs1, rs2 Reg, l *Label) {
	a.ref(fixBranch, l)
	a.emit(rType(0, rs2, rs1, f3, 0, opBranch))
}

// Upper immediates.
func (a *Asm) Lui(rd Reg, imm20 int32)   { a.emit(uint32(imm20&0xfffff)<<12 | uint32(rd)<<7 | opLui) }
func (a *Asm) Auipc(rd Reg, imm20 int32) { a.emit(uint32(imm20&0xfffff)<<12 | uint32(rd)<<7 | opAuipc) }

// Jumps and branches.
func (a *Asm) Jal(rd Reg, l *Label) {
	a.ref(fixJal, l)
	a.emit(uint32(rd)<<7 | opJal)
}
func (a *Asm) Jalr(rd, rs1 Reg, imm int32) { a.i(imm, rs1, 0, rd, opJalr) }
func (a *Asm) Beq(rs1, rs2 Reg, l *Label)  { a.branch(0, rs1, rs2, l) }
func (a *Asm) Bne(rs1, rs2 Reg, l *Label)  { a.branch(1, rs1, rs2, l) }
func (a *Asm) Blt(rs1, rs2 Reg, l *Label)  { a.branch(4, rs1, rs2, l) }
func (a *Asm) Bge(rs1, rs2 Reg, l *Label)  { a.branch(5, rs1, rs2, l) }
func (a *Asm) Bltu(rs1, rs2 Reg, l *Label) { a.branch(6, rs1, rs2, l) }
func (a *Asm) Bgeu(rs1, rs2 Reg, l *Label) { a.branch(7, rs1, rs2, l) }

// Loads and stores.
func (a *Asm) Lb(rd, rs1 Reg, imm int32)  { a.i(imm, rs1, 0, rd, opLoad) }
func (a *Asm) Lh(rd, rs1 Reg, imm int32)  { a.i(imm, rs1, 1, rd, opLoad) }
func (a *Asm) Lw(rd, rs1 Reg, imm int32)  { a.i(imm, rs1, 2, rd, opLoad) }
func (a *Asm) Ld(rd, rs1 Reg, imm int32)  { a.i(imm, rs1, 3, rd, opLoad) }
func (a *Asm) Lbu(rd, rs1 Reg, imm int32) { a.i(imm, rs1, 4, rd, opLoad) }
func (a *Asm) Lhu(rd, rs1 Reg, imm int32) { a.i(imm, rs1, 5, rd, opLoad) }
func (a *Asm) Lwu(rd, rs1 Reg, imm int32) { a.i(imm, rs1, 6, rd, opLoad) }
func (a *Asm) Sb(rs2, rs1 Reg, imm int32) { a.s(imm, rs2, rs1, 0) }
func (a *Asm) Sh(rs2, rs1 Reg, imm int32) { a.s(imm, rs2, rs1, 1) }
func (a *Asm) Sw(rs2, rs1 Reg, imm int32) { a.s(imm, rs2, rs1, 2) }
func (a *Asm) Sd(rs2, rs1 Reg, imm int32) { a.s(imm, rs2, rs1, 3) }

// Register-immediate arithmetic.
func (a *Asm) Addi(rd, rs1 Reg, imm int32)  { a.i(imm, rs1, 0, rd, opImm) }
func (a *Asm) Slti(rd, rs1 Reg, imm int32)  { a.i(imm, rs1, 2, rd, opImm) }
func (a *Asm) Sltiu(rd, rs1 Reg, imm int32) { a.i(imm, rs1, 3, rd, opImm) }
func (a *Asm) Xori(rd, rs1 Reg, imm int32)  { a.i(imm, rs1, 4, rd, opImm) }
func (a *Asm) Ori(rd, rs1 Reg, imm int32)   { a.i(imm, rs1, 6, rd, opImm) }
func (a *Asm) Andi(rd, rs1 Reg, imm int32)  { a.i(imm, rs1, 7, rd, opImm) }
func (a *Asm) Slli(rd, rs1 Reg, sh uint32)  { a.emit(iType(int32(sh&0x3f), rs1, 1, rd, opImm)) }
func (a *Asm) Srli(rd, rs1 Reg, sh uint32)  { a.emit(iType(int32(sh&0x3f), rs1, 5, rd, opImm)) }
func (a *Asm) Srai(rd, rs1 Reg, sh uint32)  { a.emit(iType(int32(0x400|sh&0x3f), rs1, 5, rd, opImm)) }
func (a *Asm) Addiw(rd, rs1 Reg, imm int32) { a.i(imm, rs1, 0, rd, opImm32) }
func (a *Asm) Slliw(rd, rs1 Reg, sh uint32) { a.emit(iType(int32(sh&0x1f), rs1, 1, rd, opImm32)) }
func (a *Asm) Srliw(rd, rs1 Reg, sh uint32) { a.emit(iType(int32(sh&0x1f), rs1, 5, rd, opImm32)) }
func (a *Asm) Sraiw(rd, rs1 Reg, sh uint32) { a.emit(iType(int32(0x400|sh&0x1f), rs1, 5, rd, opImm32)) }

// Register-register arithmetic.
func (a *Asm) Add(rd, rs1, rs2 Reg)  { a.emit(rType(0x00, rs2, rs1, 0, rd, opReg)) }
func (a *Asm) Sub(rd, rs1, rs2 Reg)  { a.emit(rType(0x20, rs2, rs1, 0, rd, opReg)) }
func (a *Asm) Sll(rd, rs1, rs2 Reg)  { a.emit(rType(0x00, rs2, rs1, 1, rd, opReg)) }
func (a *Asm) Slt(rd, rs1, rs2 Reg)  { a.emit(rType(0x00, rs2, rs1, 2, rd, opReg)) }
func (a *Asm) Sltu(rd, rs1, rs2 Reg) { a.emit(rType(0x00, rs2, rs1, 3, rd, opReg)) }
func (a *Asm) Xor(rd, rs1, rs2 Reg)  { a.emit(rType(0x00, rs2, rs1, 4, rd, opReg)) }
func (a *Asm) Srl(rd, rs1, rs2 Reg)  { a.emit(rType(0x00, rs2, rs1, 5, rd, opReg)) }
func (a *Asm) Sra(rd, rs1, rs2 Reg)  { a.emit(rType(0x20, rs2, rs1, 5, rd, opReg)) }
func (a *Asm) Or(rd, rs1, rs2 Reg)   { a.emit(rType(0x00, rs2, rs1, 6, rd, opReg)) }
func (a *Asm) And(rd, rs1, rs2 Reg)  { a.emit(rType(0x00, rs2, rs1, 7, rd, opReg)) }
func (a *Asm) Addw(rd, rs1, rs2 Reg) { a.emit(rType(0x00, rs2, rs1, 0, rd, opReg32)) }
func (a *Asm) Subw(rd, rs1, rs2 Reg) { a.emit(rType(0x20, rs2, rs1, 0, rd, opReg32)) }
func (a *Asm) Sllw(rd, rs1, rs2 Reg) { a.emit(rType(0x00, rs2, rs1, 1, rd, opReg32)) }
func (a *Asm) Srlw(rd, rs1, rs2 Reg) { a.emit(rType(0x00, rs2, rs1, 5, rd, opReg32)) }
func (a *Asm) Sraw(rd, rs1, rs2 Reg) { a.emit(rType(0x20, rs2, rs1, 5, rd, opReg32)) }

// M extension.
func (a *Asm) Mul(rd, rs1, rs2 Reg)    { a.emit(rType(0x01, rs2, rs1, 0, rd, opReg)) }
func (a *Asm) Mulh(rd, rs1, rs2 Reg)   { a.emit(rType(0x01, rs2, rs1, 1, rd, opReg)) }
func (a *Asm) Mulhsu(rd, rs1, rs2 Reg) { a.emit(rType(0x01, rs2, rs1, 2, rd, opReg)) }
func (a *Asm) Mulhu(rd, rs1, rs2 Reg)  { a.emit(rType(0x01, rs2, rs1, 3, rd, opReg)) }
func (a *Asm) Div(rd, rs1, rs2 Reg)    { a.emit(rType(0x01, rs2, rs1, 4, rd, opReg)) }
func (a *Asm) Divu(rd, rs1, rs2 Reg)   { a.emit(rType(0x01, rs2, rs1, 5, rd, opReg)) }
func (a *Asm) Rem(rd, rs1, rs2 Reg)    { a.emit(rType(0x01, rs2, rs1, 6, rd, opReg)) }
func (a *Asm) Remu(rd, rs1, rs2 Reg)   { a.emit(rType(0x01, rs2, rs1, 7, rd, opReg)) }
func (a *Asm) Mulw(rd, rs1, rs2 Reg)   { a.emit(rType(0x01, rs2, rs1, 0, rd, opReg32)) }
func (a *Asm) Divw(rd, rs1, rs2 Reg)   { a.emit(rType(0x01, rs2, rs1, 4, rd, opReg32)) }
func (a *Asm) Divuw(rd, rs1, rs2 Reg)  { a.emit(rType(0x01, rs2, rs1, 5, rd, opReg32)) }
func (a *Asm) Remw(rd, rs1, rs2 Reg)   { a.emit(rType(0x01, rs2, rs1, 6, rd, opReg32)) }
func (a *Asm) Remuw(rd, rs1, rs2 Reg)  { a.emit(rType(0x01, rs2, rs1, 7, rd, opReg32)) }

// System.
func (a *Asm) Ecall()  { a.emit(0x00000073) }
func (a *Asm) Ebreak() { a.emit(0x00100073) }
func (a *Asm) Fence()  { a.emit(0x0ff0000f) }

// Pseudo-instructions.

// Nop emits addi zero, zero, 0.
func (a *Asm) Nop() { a.Addi(Zero, Zero, 0) }

// Mv copies rs into rd.
func (a *Asm) Mv(rd, rs Reg) { a.Addi(rd, rs, 0) }

// J jumps to l.
func (a *Asm) J(l *Label) { a.Jal(Zero, l) }

// Call jumps to l saving the return address in ra.
func (a *Asm) Call(l *Label) { a.Jal(RA, l) }

// Ret returns to ra.
func (a *Asm) Ret() { a.Jalr(Zero, RA, 0) }

// Li loads a 32-bit signed constant.
func (a *Asm) Li(rd Reg, v int32) {
	if v >= -2048 && v <= 2047 {
		a.Addi(rd, Zero, v)
		return
	}
	hi, lo := splitImm(int64(v))
	a.Lui(rd, hi)
	if lo != 0 {
		a.Addiw(rd, rd, lo)
	}
}

// La loads the address of l using a pc-relative auipc/addi pair.
func (a *Asm) La(rd Reg, l *Label) {
	a.ref(fixPCRel, l)
	a.emit(uint32(rd)<<7 | opAuipc)
	a.emit(iType(0, rd, 0, rd, opImm))
}

// Syscall loads the syscall number into a7 and traps into the kernel.
func (a *Asm) Syscall(num int32) {
	a.Li(A7, num)
	a.Ecall()
}

// Data directives.

// Bytes appends raw data.
func (a *Asm) Bytes(b []byte) { a.code = append(a.code, b...) }

// String appends s followed by a terminating zero byte.
func (a *Asm) String(s string) {
	a.code = append(a.code, s...)
	a.code = append(a.code, 0)
}

// Align pads with zero bytes to a multiple of n.
func (a *Asm) Align(n uint64) {
	for a.PC()%n != 0 {
		a.code = append(a.code, 0)
	}
}

// Dword appends a 64-bit little-endian value.
func (a *Asm) Dword(v uint64) { a.code = binary.LittleEndian.AppendUint64(a.code, v) }

// DwordAddr appends the absolute load address of l.
func (a *Asm) DwordAddr(l *Label) {
	a.ref(fixAbs64, l)
	a.Dword(0)
}

// Space appends n zero bytes.
func (a *Asm) Space(n int) { a.code = append(a.code, make([]byte, n)...) }
