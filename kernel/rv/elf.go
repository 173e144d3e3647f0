package rv

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	elfHeaderSize  = 64
	progHeaderSize = 56
)

// Program is a user program image: text loaded at Origin followed by BSS
// zero-filled bytes, entered at Entry.
type Program struct {
	Origin uint64
	Entry  uint64
	Text   []byte
	BSS    uint64
}

// ELF encodes p as a RISC-V ELF64 executable with a single loadable
// segment.
func (p Program) ELF() ([]byte, error) {
	var buf bytes.Buffer

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     p.Entry,
		Phoff:     elfHeaderSize,
		Ehsize:    elfHeaderSize,
		Phentsize: progHeaderSize,
		Phnum:     1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Off:    elfHeaderSize + progHeaderSize,
		Vaddr:  p.Origin,
		Paddr:  p.Origin,
		Filesz: uint64(len(p.Text)),
		Memsz:  uint64(len(p.Text)) + p.BSS,
		Align:  0x1000,
	}

	for _, v := range []interface{}{&hdr, &prog, p.Text} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
