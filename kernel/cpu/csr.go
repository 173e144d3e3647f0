package cpu

// Supervisor status register bits.
const (
	// SstatusSIE enables supervisor interrupts.
	SstatusSIE = uint64(1 << 1)

	// SstatusSPIE holds the SIE value that was active before the last trap
	// and is copied back into SIE by sret.
	SstatusSPIE = uint64(1 << 5)

	// SstatusSPP is set when the last trap was taken from supervisor mode.
	SstatusSPP = uint64(1 << 8)
)

// Supervisor interrupt-pending bits.
const (
	// SipSSIP is the supervisor software interrupt bit. The machine's timer
	// relays each tick to the harts by raising it.
	SipSSIP = uint64(1 << 1)

	// SipSEIP is the supervisor external interrupt bit, raised by the PLIC.
	SipSEIP = uint64(1 << 9)
)

// Trap causes as reported in scause.
const (
	CauseInterrupt = uint64(1 << 63)

	// IntrSoftware is the scause of a relayed timer tick.
	IntrSoftware = CauseInterrupt | 1

	// IntrExternal is the scause of a device interrupt routed by the PLIC.
	IntrExternal = CauseInterrupt | 9

	ExcInstructionMisaligned = uint64(0)
	ExcIllegalInstruction    = uint64(2)
	ExcBreakpoint            = uint64(3)
	ExcUserEcall             = uint64(8)
	ExcInstructionPageFault  = uint64(12)
	ExcLoadPageFault         = uint64(13)
	ExcStorePageFault        = uint64(15)
)

// SatpSv39 selects sv39 translation in the satp mode field.
const SatpSv39 = uint64(8) << 60

var causeNames = map[uint64]string{
	IntrSoftware:             "supervisor software interrupt",
	IntrExternal:             "supervisor external interrupt",
	ExcInstructionMisaligned: "instruction address misaligned",
	ExcIllegalInstruction:    "illegal instruction",
	ExcBreakpoint:            "breakpoint",
	ExcUserEcall:             "environment call from U-mode",
	ExcInstructionPageFault:  "instruction page fault",
	ExcLoadPageFault:         "load page fault",
	ExcStorePageFault:        "store/AMO page fault",
}

// CauseName returns a human readable description of an scause value.
func CauseName(scause uint64) string {
	if name, ok := causeNames[scause]; ok {
		return name
	}
	return "unknown"
}
