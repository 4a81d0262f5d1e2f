package verifier

import (
	"github.com/fortiblox/X1-Sentinel/pkg/domain"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
)

// branch splits st on the conditional jump at pc into the taken and the
// fallthrough state. A nil state marks an infeasible edge.
func (r *run) branch(st *State, pc int, ins isa.Instruction) (taken, fall *State, v *verdict.Verdict) {
	op := ins.JumpOp()
	jmp32 := ins.Class() == isa.ClassJmp32

	x := st.Reg(ins.Dst)
	if !x.IsInit() {
		return nil, nil, reject(verdict.UninitializedRead, pc, "r%d is not initialized", ins.Dst)
	}
	y, v := operand(st, pc, ins)
	if v != nil {
		return nil, nil, v
	}

	if x.IsScalar() && y.IsScalar() {
		t, f := domain.Branch(op, x.Scalar, y.Scalar, jmp32)
		return refined(st, ins, t), refined(st, ins, f), nil
	}
	if jmp32 {
		return nil, nil, reject(verdict.MalformedHelperUse, pc, "32-bit comparison of %v and %v", x, y)
	}
	if op == isa.JmpJset {
		return nil, nil, reject(verdict.MalformedHelperUse, pc, "bit test of %v and %v", x, y)
	}

	// Keep the pointer on the left, and for packet bounds the data pointer.
	preg := ins.Dst
	swap := !x.IsPointer() ||
		(y.IsPointer() && x.Ptr.Region == domain.RegionPacketEnd && y.Ptr.Region == domain.RegionPacket)
	if swap {
		x, y = y, x
		preg = ins.Src
		op = domain.Swapped(op)
	}
	p := x.Ptr

	if y.IsScalar() {
		if !y.IsNull() {
			return nil, nil, reject(verdict.MalformedHelperUse, pc, "comparison of %v pointer with %v", p.Region, y.Scalar)
		}
		if op != isa.JmpJeq && op != isa.JmpJne {
			return st.Clone(), st.Clone(), nil
		}
		var null, nonNull *State
		if p.Nullable {
			null = st.Clone()
			null.SetReg(preg, domain.ScalarValue(domain.Const(0)))
		}
		nonNull = st.Clone()
		p.Nullable = false
		nonNull.SetReg(preg, domain.PointerValue(p))
		if op == isa.JmpJeq {
			return null, nonNull, nil
		}
		return nonNull, null, nil
	}

	q := y.Ptr
	if p.Region == domain.RegionPacket && q.Region == domain.RegionPacketEnd && p.BaseID == q.BaseID {
		taken, fall = st.Clone(), st.Clone()
		proven := fall
		switch op {
		case isa.JmpJlt, isa.JmpJle, isa.JmpJslt, isa.JmpJsle, isa.JmpJeq:
			proven = taken
		}
		if p.MinOff > 0 {
			proven.Prove(p.BaseID, p.MinOff)
		}
		return taken, fall, nil
	}
	if p.SameBase(q) {
		return st.Clone(), st.Clone(), nil
	}
	return nil, nil, reject(verdict.MalformedHelperUse, pc, "comparison of %v and %v pointers", p.Region, q.Region)
}

func refined(st *State, ins isa.Instruction, o domain.Outcome) *State {
	if !o.Feasible {
		return nil
	}
	s := st.Clone()
	s.SetReg(ins.Dst, domain.ScalarValue(o.X))
	if ins.UsesReg() && ins.Src != ins.Dst {
		s.SetReg(ins.Src, domain.ScalarValue(o.Y))
	}
	return s
}
