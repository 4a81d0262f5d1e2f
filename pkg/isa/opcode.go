// Package isa defines the BPF instruction set understood by the verifier:
// opcode constants, the decoded Instruction form and slot encoding.
package isa

// Instruction class bits (bits 0-2).
const (
	ClassLd    = 0x00 // Load (only the wide immediate load is legal)
	ClassLdx   = 0x01 // Load from memory
	ClassSt    = 0x02 // Store immediate
	ClassStx   = 0x03 // Store register
	ClassAlu   = 0x04 // 32-bit ALU
	ClassJmp   = 0x05 // 64-bit jump
	ClassJmp32 = 0x06 // 32-bit jump
	ClassAlu64 = 0x07 // 64-bit ALU
)

// Source bits (bit 3).
const (
	SrcK = 0x00 // Immediate
	SrcX = 0x08 // Register
)

// ALU operation codes (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
	AluEnd  = 0xd0
)

// Memory size (bits 3-4 for load/store).
const (
	SizeW  = 0x00 // 32-bit word
	SizeH  = 0x08 // 16-bit half-word
	SizeB  = 0x10 // 8-bit byte
	SizeDW = 0x18 // 64-bit double-word
)

// Memory mode (bits 5-7 for load/store).
const (
	ModeImm    = 0x00 // Immediate
	ModeAbs    = 0x20 // Legacy packet access, rejected
	ModeInd    = 0x40 // Legacy packet access, rejected
	ModeMem    = 0x60 // Memory
	ModeAtomic = 0xc0 // Atomic read-modify-write (STX only)
)

// Jump operation codes (bits 4-7).
const (
	JmpJa   = 0x00 // Unconditional
	JmpJeq  = 0x10 // ==
	JmpJgt  = 0x20 // > (unsigned)
	JmpJge  = 0x30 // >= (unsigned)
	JmpJset = 0x40 // &
	JmpJne  = 0x50 // !=
	JmpJsgt = 0x60 // > (signed)
	JmpJsge = 0x70 // >= (signed)
	JmpCall = 0x80 // Function call
	JmpExit = 0x90 // Exit
	JmpJlt  = 0xa0 // < (unsigned)
	JmpJle  = 0xb0 // <= (unsigned)
	JmpJslt = 0xc0 // < (signed)
	JmpJsle = 0xd0 // <= (signed)
)

// Atomic operation immediates (STX | ModeAtomic).
const (
	AtomicAdd     = 0x00
	AtomicOr      = 0x40
	AtomicAnd     = 0x50
	AtomicXor     = 0xa0
	AtomicFetch   = 0x01
	AtomicXchg    = 0xe0 | AtomicFetch
	AtomicCmpXchg = 0xf0 | AtomicFetch
)

// Pseudo source registers.
const (
	// PseudoMapFD marks a wide load whose immediate is a map descriptor.
	PseudoMapFD = 0x01
	// PseudoCall marks a call whose immediate is a relative instruction offset.
	PseudoCall = 0x01
)

// Frequently used composed opcodes.
const (
	OpLddw = ClassLd | ModeImm | SizeDW // 0x18 - load 64-bit immediate (two slots)

	OpMov64Imm = ClassAlu64 | SrcK | AluMov // 0xb7
	OpMov64Reg = ClassAlu64 | SrcX | AluMov // 0xbf
	OpAdd64Imm = ClassAlu64 | SrcK | AluAdd // 0x07
	OpAdd64Reg = ClassAlu64 | SrcX | AluAdd // 0x0f
	OpMov32Imm = ClassAlu | SrcK | AluMov   // 0xb4

	OpLdxb  = ClassLdx | ModeMem | SizeB  // 0x71
	OpLdxh  = ClassLdx | ModeMem | SizeH  // 0x69
	OpLdxw  = ClassLdx | ModeMem | SizeW  // 0x61
	OpLdxdw = ClassLdx | ModeMem | SizeDW // 0x79

	OpStb  = ClassSt | ModeMem | SizeB  // 0x72
	OpStdw = ClassSt | ModeMem | SizeDW // 0x7a

	OpStxb  = ClassStx | ModeMem | SizeB  // 0x73
	OpStxw  = ClassStx | ModeMem | SizeW  // 0x63
	OpStxdw = ClassStx | ModeMem | SizeDW // 0x7b

	OpJa   = ClassJmp | JmpJa   // 0x05
	OpCall = ClassJmp | JmpCall // 0x85
	OpExit = ClassJmp | JmpExit // 0x95
)

// Register is a BPF register number.
type Register uint8

// Registers. R10 is the read-only frame pointer.
const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10

	// NumRegisters is the size of the register file.
	NumRegisters = 11
)

// RFP is the frame pointer register.
const RFP = R10

// Raw extracts fields from an encoded 8-byte instruction slot.
type Raw uint64

// Op returns the opcode (bits 0-7).
func (i Raw) Op() uint8 {
	return uint8(i & 0xFF)
}

// Dst returns the destination register (bits 8-11).
func (i Raw) Dst() uint8 {
	return uint8((i >> 8) & 0x0F)
}

// Src returns the source register (bits 12-15).
func (i Raw) Src() uint8 {
	return uint8((i >> 12) & 0x0F)
}

// Off returns the offset (bits 16-31, signed).
func (i Raw) Off() int16 {
	return int16(i >> 16)
}

// Imm returns the immediate value (bits 32-63, signed).
func (i Raw) Imm() int32 {
	return int32(i >> 32)
}

// Encode creates an instruction slot from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}
