package isa

// Validate checks every instruction against the encoding rules. It does not
// look at control flow beyond the wide-load pairing; see cfg.Build for that.
func Validate(prog []Instruction) error {
	if len(prog) == 0 {
		return &Error{PC: 0, Err: ErrEmptyProgram}
	}
	for pc := 0; pc < len(prog); pc += prog[pc].Slots() {
		if err := validateAt(prog, pc); err != nil {
			return err
		}
	}
	return nil
}

func validateAt(prog []Instruction, pc int) error {
	ins := prog[pc]
	if ins.Dst > R10 || ins.Src > R10 {
		return Errorf(pc, ErrIllegalInstruction, "register out of range")
	}

	switch ins.Class() {
	case ClassLd:
		if ins.Op != OpLddw {
			return Errorf(pc, ErrIllegalInstruction, "legacy load 0x%02x", ins.Op)
		}
		if pc+1 >= len(prog) {
			return Errorf(pc, ErrIllegalInstruction, "incomplete wide load")
		}
		next := prog[pc+1]
		if next.Op != 0 || next.Dst != 0 || next.Src != 0 || next.Off != 0 {
			return Errorf(pc+1, ErrIllegalInstruction, "wide load filler slot must be zero")
		}
		if ins.Src != 0 && ins.Src != PseudoMapFD {
			return Errorf(pc, ErrIllegalInstruction, "unsupported wide load source %d", ins.Src)
		}
		if ins.Off != 0 {
			return Errorf(pc, ErrIllegalInstruction, "wide load offset must be zero")
		}
		if ins.Dst == R10 {
			return Errorf(pc, ErrIllegalInstruction, "r10 is read-only")
		}

	case ClassLdx:
		if ins.Mode() != ModeMem {
			return Errorf(pc, ErrIllegalInstruction, "load mode 0x%02x", ins.Mode())
		}
		if ins.Imm != 0 {
			return Errorf(pc, ErrIllegalInstruction, "load immediate must be zero")
		}
		if ins.Dst == R10 {
			return Errorf(pc, ErrIllegalInstruction, "r10 is read-only")
		}

	case ClassSt:
		if ins.Mode() != ModeMem {
			return Errorf(pc, ErrIllegalInstruction, "store mode 0x%02x", ins.Mode())
		}
		if ins.Src != 0 {
			return Errorf(pc, ErrIllegalInstruction, "store immediate source must be zero")
		}

	case ClassStx:
		switch ins.Mode() {
		case ModeMem:
			if ins.Imm != 0 {
				return Errorf(pc, ErrIllegalInstruction, "store immediate must be zero")
			}
		case ModeAtomic:
			if s := ins.SizeBits(); s != SizeW && s != SizeDW {
				return Errorf(pc, ErrIllegalInstruction, "atomic access must be 4 or 8 bytes")
			}
			switch ins.Imm {
			case AtomicAdd, AtomicOr, AtomicAnd, AtomicXor,
				AtomicAdd | AtomicFetch, AtomicOr | AtomicFetch,
				AtomicAnd | AtomicFetch, AtomicXor | AtomicFetch,
				AtomicXchg, AtomicCmpXchg:
			default:
				return Errorf(pc, ErrIllegalInstruction, "atomic operation 0x%02x", ins.Imm)
			}
		default:
			return Errorf(pc, ErrIllegalInstruction, "store mode 0x%02x", ins.Mode())
		}

	case ClassAlu, ClassAlu64:
		return validateALU(ins, pc)

	case ClassJmp, ClassJmp32:
		return validateJump(ins, pc)
	}
	return nil
}

func validateALU(ins Instruction, pc int) error {
	if ins.Dst == R10 {
		return Errorf(pc, ErrIllegalInstruction, "r10 is read-only")
	}
	if ins.Off != 0 {
		return Errorf(pc, ErrIllegalInstruction, "alu offset must be zero")
	}
	width := int64(64)
	if ins.Class() == ClassAlu {
		width = 32
	}

	switch op := ins.ALUOp(); op {
	case AluNeg:
		if ins.UsesReg() || ins.Src != 0 || ins.Imm != 0 {
			return Errorf(pc, ErrIllegalInstruction, "neg takes no operand")
		}
		return nil
	case AluEnd:
		if ins.Class() != ClassAlu {
			return Errorf(pc, ErrIllegalInstruction, "byte swap must use the 32-bit class")
		}
		if ins.Src != 0 {
			return Errorf(pc, ErrIllegalInstruction, "byte swap source must be zero")
		}
		if ins.Imm != 16 && ins.Imm != 32 && ins.Imm != 64 {
			return Errorf(pc, ErrIllegalInstruction, "byte swap width %d", ins.Imm)
		}
		return nil
	case AluAdd, AluSub, AluMul, AluDiv, AluOr, AluAnd, AluLsh, AluRsh,
		AluMod, AluXor, AluMov, AluArsh:
		if ins.UsesReg() {
			if ins.Imm != 0 {
				return Errorf(pc, ErrIllegalInstruction, "register form immediate must be zero")
			}
			return nil
		}
		if ins.Src != 0 {
			return Errorf(pc, ErrIllegalInstruction, "immediate form source must be zero")
		}
		if (op == AluDiv || op == AluMod) && ins.Imm == 0 {
			return Errorf(pc, ErrIllegalInstruction, "division by zero")
		}
		if (op == AluLsh || op == AluRsh || op == AluArsh) && (ins.Imm < 0 || ins.Imm >= width) {
			return Errorf(pc, ErrIllegalInstruction, "shift by %d", ins.Imm)
		}
		return nil
	default:
		return Errorf(pc, ErrIllegalInstruction, "unknown alu operation 0x%02x", op)
	}
}

func validateJump(ins Instruction, pc int) error {
	jmp32 := ins.Class() == ClassJmp32
	switch op := ins.JumpOp(); op {
	case JmpJa:
		if jmp32 {
			return Errorf(pc, ErrIllegalInstruction, "ja in 32-bit class")
		}
		if ins.UsesReg() || ins.Src != 0 || ins.Dst != 0 || ins.Imm != 0 {
			return Errorf(pc, ErrIllegalInstruction, "ja takes only an offset")
		}
	case JmpCall:
		if jmp32 || ins.UsesReg() {
			return Errorf(pc, ErrIllegalInstruction, "malformed call")
		}
		if ins.Dst != 0 || ins.Off != 0 {
			return Errorf(pc, ErrIllegalInstruction, "call dst and offset must be zero")
		}
		if ins.Src != 0 && ins.Src != PseudoCall {
			return Errorf(pc, ErrIllegalInstruction, "call source %d", ins.Src)
		}
	case JmpExit:
		if jmp32 || ins.UsesReg() {
			return Errorf(pc, ErrIllegalInstruction, "malformed exit")
		}
		if ins.Dst != 0 || ins.Src != 0 || ins.Off != 0 || ins.Imm != 0 {
			return Errorf(pc, ErrIllegalInstruction, "exit takes no operands")
		}
	case JmpJeq, JmpJgt, JmpJge, JmpJset, JmpJne, JmpJsgt, JmpJsge,
		JmpJlt, JmpJle, JmpJslt, JmpJsle:
		if ins.UsesReg() {
			if ins.Imm != 0 {
				return Errorf(pc, ErrIllegalInstruction, "register form immediate must be zero")
			}
		} else if ins.Src != 0 {
			return Errorf(pc, ErrIllegalInstruction, "immediate form source must be zero")
		}
	default:
		return Errorf(pc, ErrIllegalInstruction, "unknown jump operation 0x%02x", op)
	}
	return nil
}
