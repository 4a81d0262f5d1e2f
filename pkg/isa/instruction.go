package isa

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cilium/ebpf/asm"
)

// SlotSize is the size of one encoded instruction slot in bytes.
const SlotSize = 8

var (
	// ErrMalformedProgram is matched by every structural or encoding error.
	ErrMalformedProgram = errors.New("malformed program")

	// ErrTruncated is returned when the byte stream is not a whole number of slots.
	ErrTruncated = errors.New("truncated instruction stream")

	// ErrEmptyProgram is returned for programs without instructions.
	ErrEmptyProgram = errors.New("empty program")

	// ErrIllegalInstruction is returned for an instruction that violates the encoding rules.
	ErrIllegalInstruction = errors.New("illegal instruction")

	// ErrBadTarget is returned for jumps or calls leaving the program.
	ErrBadTarget = errors.New("jump target out of range")

	// ErrOpenBlock is returned when control runs past the last instruction.
	ErrOpenBlock = errors.New("block has no terminator")
)

// Error reports a malformed program at a specific instruction.
type Error struct {
	PC     int
	Err    error
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("pc %d: %v", e.PC, e.Err)
	}
	return fmt.Sprintf("pc %d: %v: %s", e.PC, e.Err, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets every Error match ErrMalformedProgram.
func (e *Error) Is(target error) bool {
	return target == ErrMalformedProgram
}

// Errorf builds an *Error for pc.
func Errorf(pc int, err error, format string, args ...interface{}) *Error {
	return &Error{PC: pc, Err: err, Reason: fmt.Sprintf(format, args...)}
}

// Instruction is a decoded instruction. A wide load (OpLddw) carries the
// full 64-bit immediate and is followed by a filler slot holding the raw
// second half, so program counters always index slots.
type Instruction struct {
	Op  uint8
	Dst Register
	Src Register
	Off int16
	Imm int64
}

// Class returns the instruction class.
func (ins Instruction) Class() uint8 { return ins.Op & 0x07 }

// ALUOp returns the ALU operation bits.
func (ins Instruction) ALUOp() uint8 { return ins.Op & 0xf0 }

// JumpOp returns the jump operation bits.
func (ins Instruction) JumpOp() uint8 { return ins.Op & 0xf0 }

// Mode returns the memory mode bits.
func (ins Instruction) Mode() uint8 { return ins.Op & 0xe0 }

// SizeBits returns the memory size bits.
func (ins Instruction) SizeBits() uint8 { return ins.Op & 0x18 }

// UsesReg reports whether the second operand is the Src register.
func (ins Instruction) UsesReg() bool { return ins.Op&SrcX != 0 }

// IsALU reports whether the instruction is an ALU or ALU64 operation.
func (ins Instruction) IsALU() bool {
	c := ins.Class()
	return c == ClassAlu || c == ClassAlu64
}

// Is32 reports whether an ALU or jump operates on the low 32 bits.
func (ins Instruction) Is32() bool {
	c := ins.Class()
	return c == ClassAlu || c == ClassJmp32
}

// IsLoad reports whether the instruction reads memory.
func (ins Instruction) IsLoad() bool { return ins.Class() == ClassLdx }

// IsStore reports whether the instruction writes memory.
func (ins Instruction) IsStore() bool {
	c := ins.Class()
	return c == ClassSt || c == ClassStx
}

// IsAtomic reports whether the instruction is an atomic read-modify-write.
func (ins Instruction) IsAtomic() bool {
	return ins.Class() == ClassStx && ins.Mode() == ModeAtomic
}

// AccessSize returns the number of bytes moved by a load or store.
func (ins Instruction) AccessSize() int {
	switch ins.SizeBits() {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	default:
		return 8
	}
}

// IsWideLoad reports whether the instruction is the two-slot immediate load.
func (ins Instruction) IsWideLoad() bool { return ins.Op == OpLddw }

// IsMapLoad reports whether the instruction loads a map descriptor.
func (ins Instruction) IsMapLoad() bool {
	return ins.IsWideLoad() && ins.Src == PseudoMapFD
}

func (ins Instruction) isJumpClass() bool {
	c := ins.Class()
	return c == ClassJmp || c == ClassJmp32
}

// IsExit reports whether the instruction returns from the current function.
func (ins Instruction) IsExit() bool { return ins.Op == OpExit }

// IsCall reports whether the instruction is a helper or local call.
func (ins Instruction) IsCall() bool { return ins.Op == OpCall }

// IsHelperCall reports whether the instruction calls an external helper.
func (ins Instruction) IsHelperCall() bool { return ins.IsCall() && ins.Src == 0 }

// IsLocalCall reports whether the instruction calls a function in the program.
func (ins Instruction) IsLocalCall() bool { return ins.IsCall() && ins.Src == PseudoCall }

// IsJa reports whether the instruction is an unconditional jump.
func (ins Instruction) IsJa() bool { return ins.Op == OpJa }

// IsConditional reports whether the instruction is a conditional jump.
func (ins Instruction) IsConditional() bool {
	if !ins.isJumpClass() {
		return false
	}
	switch ins.JumpOp() {
	case JmpJa, JmpCall, JmpExit:
		return false
	}
	return true
}

// Target returns the branch or local-call target of the instruction at pc.
func (ins Instruction) Target(pc int) int {
	if ins.IsLocalCall() {
		return pc + 1 + int(ins.Imm)
	}
	return pc + 1 + int(ins.Off)
}

// Slots returns the number of slots the instruction occupies.
func (ins Instruction) Slots() int {
	if ins.IsWideLoad() {
		return 2
	}
	return 1
}

// String disassembles the instruction.
func (ins Instruction) String() string {
	return fmt.Sprint(ins.Asm())
}

// Asm converts the instruction to its cilium/ebpf representation.
func (ins Instruction) Asm() asm.Instruction {
	return asm.Instruction{
		OpCode:   asm.OpCode(ins.Op),
		Dst:      asm.Register(ins.Dst),
		Src:      asm.Register(ins.Src),
		Offset:   ins.Off,
		Constant: ins.Imm,
	}
}

// FromRaw decodes a single slot.
func FromRaw(r Raw) Instruction {
	return Instruction{
		Op:  r.Op(),
		Dst: Register(r.Dst()),
		Src: Register(r.Src()),
		Off: r.Off(),
		Imm: int64(r.Imm()),
	}
}

// Decode decodes a little-endian slot stream. Wide loads are merged and
// followed by their filler slot.
func Decode(b []byte) ([]Instruction, error) {
	if len(b)%SlotSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	n := len(b) / SlotSize
	prog := make([]Instruction, 0, n)
	for pc := 0; pc < n; pc++ {
		raw := Raw(binary.LittleEndian.Uint64(b[pc*SlotSize:]))
		ins := FromRaw(raw)
		if ins.IsWideLoad() {
			if pc+1 >= n {
				return nil, Errorf(pc, ErrIllegalInstruction, "incomplete wide load")
			}
			next := Raw(binary.LittleEndian.Uint64(b[(pc+1)*SlotSize:]))
			ins.Imm = int64(uint64(uint32(raw.Imm())) | uint64(uint32(next.Imm()))<<32)
			prog = append(prog, ins, FromRaw(next))
			pc++
			continue
		}
		prog = append(prog, ins)
	}
	return prog, nil
}

// Marshal encodes a program back into its slot stream.
func Marshal(prog []Instruction) []byte {
	var buf bytes.Buffer
	var slot [SlotSize]byte
	for pc := 0; pc < len(prog); pc++ {
		ins := prog[pc]
		imm := int32(ins.Imm)
		binary.LittleEndian.PutUint64(slot[:], Encode(ins.Op, uint8(ins.Dst), uint8(ins.Src), ins.Off, imm))
		buf.Write(slot[:])
		if ins.IsWideLoad() && pc+1 < len(prog) {
			next := prog[pc+1]
			hi := int32(uint64(ins.Imm) >> 32)
			binary.LittleEndian.PutUint64(slot[:], Encode(next.Op, uint8(next.Dst), uint8(next.Src), next.Off, hi))
			buf.Write(slot[:])
			pc++
		}
	}
	return buf.Bytes()
}

// FromAsm converts cilium/ebpf instructions, inserting filler slots after
// wide loads so that jump offsets keep their meaning.
func FromAsm(insns asm.Instructions) []Instruction {
	prog := make([]Instruction, 0, len(insns))
	for _, in := range insns {
		ins := Instruction{
			Op:  uint8(in.OpCode),
			Dst: Register(in.Dst),
			Src: Register(in.Src),
			Off: in.Offset,
			Imm: in.Constant,
		}
		prog = append(prog, ins)
		if in.OpCode.IsDWordLoad() {
			prog = append(prog, Instruction{Imm: int64(int32(uint64(in.Constant) >> 32))})
		}
	}
	return prog
}

// Disassemble renders the program one instruction per line, skipping filler slots.
func Disassemble(prog []Instruction) string {
	var sb strings.Builder
	for pc := 0; pc < len(prog); pc += prog[pc].Slots() {
		fmt.Fprintf(&sb, "%4d: %v\n", pc, prog[pc])
	}
	return sb.String()
}
