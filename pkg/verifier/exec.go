package verifier

import (
	"fmt"

	"github.com/fortiblox/X1-Sentinel/pkg/domain"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
)

// step applies one straight-line instruction to st. It returns the
// violation found, if any.
func (r *run) step(st *State, pc int, ins isa.Instruction) *verdict.Verdict {
	switch {
	case ins.IsALU():
		return r.alu(st, pc, ins)
	case ins.IsWideLoad():
		return r.wideLoad(st, pc, ins)
	case ins.IsLoad():
		return r.load(st, pc, ins)
	case ins.IsAtomic():
		return r.atomic(st, pc, ins)
	case ins.IsStore():
		return r.store(st, pc, ins)
	case ins.IsHelperCall():
		return r.helperCall(st, pc, ins)
	}
	return reject(verdict.MalformedHelperUse, pc, "unexpected instruction %v", ins)
}

func reject(kind verdict.Kind, pc int, format string, args ...interface{}) *verdict.Verdict {
	v := verdict.Reject(kind, pc, format, args...)
	return &v
}

func rejectID(kind verdict.Kind, pc, id int, format string, args ...interface{}) *verdict.Verdict {
	v := verdict.RejectID(kind, pc, id, format, args...)
	return &v
}

// operand returns the second operand of an ALU or jump instruction.
func operand(st *State, pc int, ins isa.Instruction) (domain.Value, *verdict.Verdict) {
	if !ins.UsesReg() {
		return domain.ScalarValue(domain.Const(uint64(ins.Imm))), nil
	}
	v := st.Reg(ins.Src)
	if !v.IsInit() {
		return v, reject(verdict.UninitializedRead, pc, "r%d is not initialized", ins.Src)
	}
	return v, nil
}

func (r *run) alu(st *State, pc int, ins isa.Instruction) *verdict.Verdict {
	op := ins.ALUOp()
	is32 := ins.Class() == isa.ClassAlu
	width := uint8(64)
	if is32 {
		width = 32
	}
	dst := st.Reg(ins.Dst)

	switch op {
	case isa.AluMov:
		src, v := operand(st, pc, ins)
		if v != nil {
			return v
		}
		if !is32 {
			st.SetReg(ins.Dst, src)
			return nil
		}
		if src.IsPointer() {
			return reject(verdict.MalformedHelperUse, pc, "32-bit move of %v pointer", src.Ptr.Region)
		}
		st.SetReg(ins.Dst, domain.ScalarValue(src.Scalar.Trunc32()))
		return nil
	case isa.AluNeg, isa.AluEnd:
		if !dst.IsInit() {
			return reject(verdict.UninitializedRead, pc, "r%d is not initialized", ins.Dst)
		}
		if dst.IsPointer() {
			return reject(verdict.MalformedHelperUse, pc, "%v on %v pointer", aluName(op), dst.Ptr.Region)
		}
		if op == isa.AluEnd {
			st.SetReg(ins.Dst, domain.ScalarValue(domain.Swap(dst.Scalar, ins.Imm, ins.UsesReg())))
			return nil
		}
		st.SetReg(ins.Dst, domain.ScalarValue(dst.Scalar.Binop(op, domain.Const(0), width)))
		return nil
	}

	src, v := operand(st, pc, ins)
	if v != nil {
		return v
	}
	if !dst.IsInit() {
		return reject(verdict.UninitializedRead, pc, "r%d is not initialized", ins.Dst)
	}

	switch {
	case dst.IsScalar() && src.IsScalar():
		st.SetReg(ins.Dst, domain.ScalarValue(dst.Scalar.Binop(op, src.Scalar, width)))
	case dst.IsPointer() && src.IsScalar():
		p, err := domain.PointerArith(op, dst.Ptr, src.Scalar, is32)
		if err != nil {
			return reject(verdict.MalformedHelperUse, pc, "%v", err)
		}
		st.SetReg(ins.Dst, domain.PointerValue(p))
	case dst.IsScalar() && src.IsPointer() && op == isa.AluAdd:
		p, err := domain.PointerArith(op, src.Ptr, dst.Scalar, is32)
		if err != nil {
			return reject(verdict.MalformedHelperUse, pc, "%v", err)
		}
		st.SetReg(ins.Dst, domain.PointerValue(p))
	case dst.IsPointer() && src.IsPointer() && op == isa.AluSub && !is32:
		s, err := domain.PointerDiff(dst.Ptr, src.Ptr)
		if err != nil {
			return reject(verdict.MalformedHelperUse, pc, "%v", err)
		}
		st.SetReg(ins.Dst, domain.ScalarValue(s))
	default:
		return reject(verdict.MalformedHelperUse, pc, "%s of %v and %v", aluName(op), dst, src)
	}
	return nil
}

var aluNames = map[uint8]string{
	isa.AluAdd: "add", isa.AluSub: "sub", isa.AluMul: "mul", isa.AluDiv: "div",
	isa.AluOr: "or", isa.AluAnd: "and", isa.AluLsh: "lsh", isa.AluRsh: "rsh",
	isa.AluNeg: "neg", isa.AluMod: "mod", isa.AluXor: "xor", isa.AluMov: "mov",
	isa.AluArsh: "arsh", isa.AluEnd: "byte swap",
}

func aluName(op uint8) string { return aluNames[op] }

func (r *run) wideLoad(st *State, pc int, ins isa.Instruction) *verdict.Verdict {
	if !ins.IsMapLoad() {
		st.SetReg(ins.Dst, domain.ScalarValue(domain.Const(uint64(ins.Imm))))
		return nil
	}
	id := int32(ins.Imm)
	if _, ok := r.prog.Maps[id]; !ok {
		return reject(verdict.MalformedHelperUse, pc, "map fd %d is not declared", id)
	}
	st.SetReg(ins.Dst, domain.PointerValue(domain.Pointer{
		Region: domain.RegionMapHandle,
		BaseID: int(id),
		Length: domain.Known(0),
		Tag:    domain.NoTag,
	}))
	return nil
}

// access checks a load or store of size bytes at base+off and returns the
// dereferenced pointer.
func (r *run) access(st *State, pc int, reg isa.Register, off, size int64, write bool) (domain.Pointer, *verdict.Verdict) {
	base := st.Reg(reg)
	if !base.IsInit() {
		return domain.Pointer{}, reject(verdict.UninitializedRead, pc, "r%d is not initialized", reg)
	}
	if !base.IsPointer() {
		return domain.Pointer{}, reject(verdict.OutOfBounds, pc, "dereference of scalar r%d=%v", reg, base)
	}
	p := base.Ptr
	if p.Nullable {
		return p, reject(verdict.OutOfBounds, pc, "r%d may be null", reg)
	}

	if p.Region == domain.RegionResource {
		if err := st.Refs.Use(p.BaseID); err != nil {
			return p, rejectID(verdict.UseAfterRelease, pc, r.sitePC(p.BaseID), "dereference of released handle")
		}
		return p, reject(verdict.OutOfBounds, pc, "resource handle is opaque")
	}
	if !p.Dereferenceable() {
		return p, reject(verdict.OutOfBounds, pc, "dereference of %v pointer", p.Region)
	}

	switch p.Region {
	case domain.RegionMapValue:
		if p.Tag != domain.NoTag && !st.Gens.Valid(int32(p.BaseID), p.Tag) {
			at := r.sitePC(p.Tag)
			return p, rejectID(verdict.UseAfterRelease, pc, at, "map value from lookup at pc %d was invalidated", at)
		}
	case domain.RegionContext:
		if write {
			return p, reject(verdict.OutOfBounds, pc, "context is read-only")
		}
	case domain.RegionStack:
		if p.BaseID >= len(st.Frames) {
			return p, reject(verdict.MalformedHelperUse, pc, "pointer into a returned frame")
		}
	}

	if !p.InBounds(off, size, st.Window(p.BaseID)) {
		return p, reject(verdict.OutOfBounds, pc, "%d-byte access at %v%+d outside %s", size, p, off, bound(st, p))
	}
	return p, nil
}

func bound(st *State, p domain.Pointer) string {
	switch p.Region {
	case domain.RegionStack:
		return "[-512,0)"
	case domain.RegionPacket:
		return fmt.Sprintf("proven window [0,%d)", st.Window(p.BaseID))
	}
	return fmt.Sprintf("[0,%v)", p.Length)
}

func (r *run) load(st *State, pc int, ins isa.Instruction) *verdict.Verdict {
	size, off := int64(ins.AccessSize()), int64(ins.Off)
	p, v := r.access(st, pc, ins.Src, off, size, false)
	if v != nil {
		return v
	}

	val := domain.ScalarValue(domain.URange(0, sizeMask(size)))
	switch p.Region {
	case domain.RegionStack:
		stack := &st.Frames[p.BaseID].Stack
		lo := p.MinOff + off
		if !p.ConstOff() {
			if at, ok := stack.Initialized(lo, p.MaxOff+off+size); !ok {
				return reject(verdict.UninitializedRead, pc, "stack byte fp%d may be uninitialized", at)
			}
			if stack.HasPointer(lo, p.MaxOff+off+size) {
				return reject(verdict.MalformedHelperUse, pc, "variable-offset read of a spilled pointer")
			}
			break
		}
		if (size != 8 || lo%8 != 0) && stack.HasPointer(lo, lo+size) {
			return reject(verdict.MalformedHelperUse, pc, "partial read of a spilled pointer")
		}
		got, at, ok := stack.Read(lo, size)
		if !ok {
			return reject(verdict.UninitializedRead, pc, "stack byte fp%d is not initialized", at)
		}
		val = got
	case domain.RegionContext:
		if !p.ConstOff() || size != 8 {
			break
		}
		if f, ok := r.entry.field(p.MinOff + off); ok {
			region := domain.RegionPacket
			if f.Kind == FieldPacketEnd {
				region = domain.RegionPacketEnd
			}
			val = domain.PointerValue(domain.Pointer{
				Region: region,
				BaseID: f.Packet,
				Length: domain.Unknown,
				Tag:    domain.NoTag,
			})
		}
	}
	st.SetReg(ins.Dst, val)
	return nil
}

func (r *run) store(st *State, pc int, ins isa.Instruction) *verdict.Verdict {
	size, off := int64(ins.AccessSize()), int64(ins.Off)

	var val domain.Value
	if ins.Class() == isa.ClassSt {
		val = domain.ScalarValue(domain.Const(uint64(ins.Imm)))
	} else {
		val = st.Reg(ins.Src)
		if !val.IsInit() {
			return reject(verdict.UninitializedRead, pc, "r%d is not initialized", ins.Src)
		}
	}

	p, v := r.access(st, pc, ins.Dst, off, size, true)
	if v != nil {
		return v
	}

	if val.IsPointer() {
		if p.Region != domain.RegionStack {
			return reject(verdict.MalformedHelperUse, pc, "pointer stored to %v memory", p.Region)
		}
		if size != 8 || !p.ConstOff() || (p.MinOff+off)%8 != 0 {
			return reject(verdict.MalformedHelperUse, pc, "partial spill of %v pointer", val.Ptr.Region)
		}
		if val.Ptr.Region == domain.RegionStack && val.Ptr.BaseID > p.BaseID {
			return reject(verdict.MalformedHelperUse, pc, "stack pointer escapes its frame")
		}
	}

	if p.Region == domain.RegionStack {
		stack := &st.Frames[p.BaseID].Stack
		if p.ConstOff() {
			stack.Write(p.MinOff+off, size, val)
		} else {
			stack.Clobber(p.MinOff+off, p.MaxOff+off+size)
		}
	}
	return nil
}

func (r *run) atomic(st *State, pc int, ins isa.Instruction) *verdict.Verdict {
	size, off := int64(ins.AccessSize()), int64(ins.Off)
	src := st.Reg(ins.Src)
	if !src.IsInit() {
		return reject(verdict.UninitializedRead, pc, "r%d is not initialized", ins.Src)
	}
	if src.IsPointer() {
		return reject(verdict.MalformedHelperUse, pc, "atomic operand is a %v pointer", src.Ptr.Region)
	}
	cmpxchg := ins.Imm == isa.AtomicCmpXchg
	if cmpxchg {
		r0 := st.Reg(isa.R0)
		if !r0.IsInit() {
			return reject(verdict.UninitializedRead, pc, "r0 is not initialized")
		}
		if r0.IsPointer() {
			return reject(verdict.MalformedHelperUse, pc, "atomic comparand is a %v pointer", r0.Ptr.Region)
		}
	}

	p, v := r.access(st, pc, ins.Dst, off, size, true)
	if v != nil {
		return v
	}

	if p.Region == domain.RegionStack {
		stack := &st.Frames[p.BaseID].Stack
		lo, hi := p.MinOff+off, p.MaxOff+off+size
		if at, ok := stack.Initialized(lo, hi); !ok {
			return reject(verdict.UninitializedRead, pc, "stack byte fp%d is not initialized", at)
		}
		if stack.HasPointer(lo, hi) {
			return reject(verdict.MalformedHelperUse, pc, "atomic update of a spilled pointer")
		}
		if p.ConstOff() {
			stack.Write(lo, size, domain.ScalarValue(domain.URange(0, sizeMask(size))))
		} else {
			stack.Clobber(lo, hi)
		}
	}

	if ins.Imm&isa.AtomicFetch != 0 {
		old := domain.ScalarValue(domain.URange(0, sizeMask(size)))
		if cmpxchg {
			st.SetReg(isa.R0, old)
		} else {
			st.SetReg(ins.Src, old)
		}
	}
	return nil
}
