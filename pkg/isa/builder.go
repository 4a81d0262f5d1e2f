package isa

import "fmt"

// Builder assembles programs with symbolic jump labels. Branch offsets are
// resolved by Program, so callers never count slots by hand.
type Builder struct {
	prog   []Instruction
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	pc    int
	label string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{labels: make(map[string]int)}
}

// Label binds name to the next emitted instruction.
func (b *Builder) Label(name string) *Builder {
	b.labels[name] = len(b.prog)
	return b
}

// Emit appends raw instructions, adding the filler slot after wide loads.
func (b *Builder) Emit(ins ...Instruction) *Builder {
	for _, in := range ins {
		b.prog = append(b.prog, in)
		if in.IsWideLoad() {
			b.prog = append(b.prog, Instruction{Imm: int64(int32(uint64(in.Imm) >> 32))})
		}
	}
	return b
}

// Mov64Imm emits dst = imm.
func (b *Builder) Mov64Imm(dst Register, imm int32) *Builder {
	return b.Emit(ALU64Imm(AluMov, dst, imm))
}

// Mov64Reg emits dst = src.
func (b *Builder) Mov64Reg(dst, src Register) *Builder {
	return b.Emit(ALU64Reg(AluMov, dst, src))
}

// ALU64Imm emits a 64-bit ALU operation with an immediate operand.
func (b *Builder) ALU64Imm(op uint8, dst Register, imm int32) *Builder {
	return b.Emit(ALU64Imm(op, dst, imm))
}

// ALU64Reg emits a 64-bit ALU operation with a register operand.
func (b *Builder) ALU64Reg(op uint8, dst, src Register) *Builder {
	return b.Emit(ALU64Reg(op, dst, src))
}

// ALU32Imm emits a 32-bit ALU operation with an immediate operand.
func (b *Builder) ALU32Imm(op uint8, dst Register, imm int32) *Builder {
	return b.Emit(ALU32Imm(op, dst, imm))
}

// ALU32Reg emits a 32-bit ALU operation with a register operand.
func (b *Builder) ALU32Reg(op uint8, dst, src Register) *Builder {
	return b.Emit(ALU32Reg(op, dst, src))
}

// LoadImm64 emits the wide immediate load dst = imm.
func (b *Builder) LoadImm64(dst Register, imm int64) *Builder {
	return b.Emit(LoadImm64(dst, imm))
}

// LoadMapFD emits a wide load of map descriptor fd into dst.
func (b *Builder) LoadMapFD(dst Register, fd int32) *Builder {
	return b.Emit(LoadMapFD(dst, fd))
}

// Load emits dst = *(size *)(src + off).
func (b *Builder) Load(size uint8, dst, src Register, off int16) *Builder {
	return b.Emit(LoadMem(size, dst, src, off))
}

// Store emits *(size *)(dst + off) = src.
func (b *Builder) Store(size uint8, dst Register, off int16, src Register) *Builder {
	return b.Emit(StoreMem(size, dst, off, src))
}

// StoreImm emits *(size *)(dst + off) = imm.
func (b *Builder) StoreImm(size uint8, dst Register, off int16, imm int32) *Builder {
	return b.Emit(StoreImm(size, dst, off, imm))
}

// JmpImm emits a conditional jump comparing dst with imm.
func (b *Builder) JmpImm(op uint8, dst Register, imm int32, label string) *Builder {
	return b.jump(Instruction{Op: ClassJmp | SrcK | op, Dst: dst, Imm: int64(imm)}, label)
}

// JmpReg emits a conditional jump comparing dst with src.
func (b *Builder) JmpReg(op uint8, dst, src Register, label string) *Builder {
	return b.jump(Instruction{Op: ClassJmp | SrcX | op, Dst: dst, Src: src}, label)
}

// Jmp32Imm emits a 32-bit conditional jump comparing dst with imm.
func (b *Builder) Jmp32Imm(op uint8, dst Register, imm int32, label string) *Builder {
	return b.jump(Instruction{Op: ClassJmp32 | SrcK | op, Dst: dst, Imm: int64(imm)}, label)
}

// Jmp32Reg emits a 32-bit conditional jump comparing dst with src.
func (b *Builder) Jmp32Reg(op uint8, dst, src Register, label string) *Builder {
	return b.jump(Instruction{Op: ClassJmp32 | SrcX | op, Dst: dst, Src: src}, label)
}

// Ja emits an unconditional jump.
func (b *Builder) Ja(label string) *Builder {
	return b.jump(Instruction{Op: OpJa}, label)
}

// Call emits a helper call.
func (b *Builder) Call(helper int32) *Builder {
	return b.Emit(Instruction{Op: OpCall, Imm: int64(helper)})
}

// CallLocal emits a call to the function starting at label.
func (b *Builder) CallLocal(label string) *Builder {
	return b.jump(Instruction{Op: OpCall, Src: PseudoCall}, label)
}

// Exit emits a return.
func (b *Builder) Exit() *Builder {
	return b.Emit(Instruction{Op: OpExit})
}

func (b *Builder) jump(ins Instruction, label string) *Builder {
	b.fixups = append(b.fixups, fixup{pc: len(b.prog), label: label})
	b.prog = append(b.prog, ins)
	return b
}

// Program resolves labels and returns the assembled instructions.
func (b *Builder) Program() ([]Instruction, error) {
	prog := make([]Instruction, len(b.prog))
	copy(prog, b.prog)
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("unknown label %q at pc %d", f.label, f.pc)
		}
		rel := target - f.pc - 1
		if prog[f.pc].IsLocalCall() {
			prog[f.pc].Imm = int64(rel)
		} else {
			prog[f.pc].Off = int16(rel)
		}
	}
	return prog, nil
}

// MustProgram is like Program but panics on unresolved labels.
func (b *Builder) MustProgram() []Instruction {
	prog, err := b.Program()
	if err != nil {
		panic(err)
	}
	return prog
}

// ALU64Imm returns a 64-bit ALU instruction with an immediate operand.
func ALU64Imm(op uint8, dst Register, imm int32) Instruction {
	return Instruction{Op: ClassAlu64 | SrcK | op, Dst: dst, Imm: int64(imm)}
}

// ALU64Reg returns a 64-bit ALU instruction with a register operand.
func ALU64Reg(op uint8, dst, src Register) Instruction {
	return Instruction{Op: ClassAlu64 | SrcX | op, Dst: dst, Src: src}
}

// ALU32Imm returns a 32-bit ALU instruction with an immediate operand.
func ALU32Imm(op uint8, dst Register, imm int32) Instruction {
	return Instruction{Op: ClassAlu | SrcK | op, Dst: dst, Imm: int64(imm)}
}

// ALU32Reg returns a 32-bit ALU instruction with a register operand.
func ALU32Reg(op uint8, dst, src Register) Instruction {
	return Instruction{Op: ClassAlu | SrcX | op, Dst: dst, Src: src}
}

// LoadImm64 returns the wide immediate load dst = imm.
func LoadImm64(dst Register, imm int64) Instruction {
	return Instruction{Op: OpLddw, Dst: dst, Imm: imm}
}

// LoadMapFD returns a wide load of map descriptor fd.
func LoadMapFD(dst Register, fd int32) Instruction {
	return Instruction{Op: OpLddw, Dst: dst, Src: PseudoMapFD, Imm: int64(fd)}
}

// LoadMem returns dst = *(size *)(src + off).
func LoadMem(size uint8, dst, src Register, off int16) Instruction {
	return Instruction{Op: ClassLdx | ModeMem | size, Dst: dst, Src: src, Off: off}
}

// StoreMem returns *(size *)(dst + off) = src.
func StoreMem(size uint8, dst Register, off int16, src Register) Instruction {
	return Instruction{Op: ClassStx | ModeMem | size, Dst: dst, Src: src, Off: off}
}

// StoreImm returns *(size *)(dst + off) = imm.
func StoreImm(size uint8, dst Register, off int16, imm int32) Instruction {
	return Instruction{Op: ClassSt | ModeMem | size, Dst: dst, Off: off, Imm: int64(imm)}
}

// Atomic returns an atomic read-modify-write of src into *(size *)(dst + off).
func Atomic(size uint8, dst Register, off int16, src Register, op int32) Instruction {
	return Instruction{Op: ClassStx | ModeAtomic | size, Dst: dst, Src: src, Off: off, Imm: int64(op)}
}
