package domain

import (
	"math"

	"github.com/fortiblox/X1-Sentinel/pkg/isa"
)

// Outcome is the state of both comparison operands on one edge.
type Outcome struct {
	X, Y     Scalar
	Feasible bool
}

// Negate returns the jump operation testing the opposite relation. JSET has
// no negated form and reports false.
func Negate(op uint8) (uint8, bool) {
	switch op {
	case isa.JmpJeq:
		return isa.JmpJne, true
	case isa.JmpJne:
		return isa.JmpJeq, true
	case isa.JmpJgt:
		return isa.JmpJle, true
	case isa.JmpJge:
		return isa.JmpJlt, true
	case isa.JmpJlt:
		return isa.JmpJge, true
	case isa.JmpJle:
		return isa.JmpJgt, true
	case isa.JmpJsgt:
		return isa.JmpJsle, true
	case isa.JmpJsge:
		return isa.JmpJslt, true
	case isa.JmpJslt:
		return isa.JmpJsge, true
	case isa.JmpJsle:
		return isa.JmpJsgt, true
	}
	return 0, false
}

// Swapped returns the operation that holds for (y, x) when op holds for (x, y).
func Swapped(op uint8) uint8 {
	switch op {
	case isa.JmpJgt:
		return isa.JmpJlt
	case isa.JmpJge:
		return isa.JmpJle
	case isa.JmpJlt:
		return isa.JmpJgt
	case isa.JmpJle:
		return isa.JmpJge
	case isa.JmpJsgt:
		return isa.JmpJslt
	case isa.JmpJsge:
		return isa.JmpJsle
	case isa.JmpJslt:
		return isa.JmpJsgt
	case isa.JmpJsle:
		return isa.JmpJsge
	}
	return op
}

// Branch refines x and y for the taken and the fallthrough edge of "if x op y".
func Branch(op uint8, x, y Scalar, jmp32 bool) (taken, fall Outcome) {
	if op == isa.JmpJset {
		return jset(x, y, jmp32)
	}
	taken.X, taken.Y, taken.Feasible = Refine(op, x, y, jmp32)
	neg, _ := Negate(op)
	fall.X, fall.Y, fall.Feasible = Refine(neg, x, y, jmp32)
	return taken, fall
}

// Refine narrows x and y assuming "x op y" holds. ok is false when no pair
// of values satisfies the relation.
func Refine(op uint8, x, y Scalar, jmp32 bool) (Scalar, Scalar, bool) {
	if !jmp32 {
		return refine64(op, x, y)
	}

	view := Scalar.Trunc32
	fits := func(s Scalar) bool { return s.UMax <= math.MaxUint32 }
	if signedOp(op) {
		view = Scalar.SExt32
		fits = func(s Scalar) bool { return s.SMin >= math.MinInt32 && s.SMax <= math.MaxInt32 }
	}
	rx, ry, ok := refine64(op, view(x), view(y))
	if !ok {
		return x, y, false
	}
	// The 64-bit value equals its 32-bit view only inside the view's range.
	if fits(x) {
		if x, ok = x.Meet(rx); !ok {
			return x, y, false
		}
	}
	if fits(y) {
		if y, ok = y.Meet(ry); !ok {
			return x, y, false
		}
	}
	return x, y, true
}

func signedOp(op uint8) bool {
	switch op {
	case isa.JmpJsgt, isa.JmpJsge, isa.JmpJslt, isa.JmpJsle:
		return true
	}
	return false
}

func refine64(op uint8, x, y Scalar) (Scalar, Scalar, bool) {
	switch op {
	case isa.JmpJeq:
		m, ok := x.Meet(y)
		return m, m, ok
	case isa.JmpJne:
		if x.IsConst() && y.IsConst() && x.Value() == y.Value() {
			return x, y, false
		}
		if y.IsConst() {
			x = exclude(x, y.Value())
		}
		if x.IsConst() {
			y = exclude(y, x.Value())
		}
		return x, y, true
	case isa.JmpJlt:
		ry, rx, ok := refine64(isa.JmpJgt, y, x)
		return rx, ry, ok
	case isa.JmpJle:
		ry, rx, ok := refine64(isa.JmpJge, y, x)
		return rx, ry, ok
	case isa.JmpJslt:
		ry, rx, ok := refine64(isa.JmpJsgt, y, x)
		return rx, ry, ok
	case isa.JmpJsle:
		ry, rx, ok := refine64(isa.JmpJsge, y, x)
		return rx, ry, ok
	case isa.JmpJgt:
		if x.UMax == 0 || y.UMin == math.MaxUint64 {
			return x, y, false
		}
		x.UMin = maxU(x.UMin, y.UMin+1)
		y.UMax = minU(y.UMax, x.UMax-1)
	case isa.JmpJge:
		x.UMin = maxU(x.UMin, y.UMin)
		y.UMax = minU(y.UMax, x.UMax)
	case isa.JmpJsgt:
		if x.SMax == math.MinInt64 || y.SMin == math.MaxInt64 {
			return x, y, false
		}
		x.SMin = max64(x.SMin, y.SMin+1)
		y.SMax = min64(y.SMax, x.SMax-1)
	case isa.JmpJsge:
		x.SMin = max64(x.SMin, y.SMin)
		y.SMax = min64(y.SMax, x.SMax)
	default:
		return x, y, true
	}
	x, okx := x.normalize()
	y, oky := y.normalize()
	return x, y, okx && oky
}

// exclude removes v from s when it sits on one of the interval ends.
func exclude(s Scalar, v uint64) Scalar {
	orig := s
	if s.UMin == v && v != math.MaxUint64 {
		s.UMin++
	} else if s.UMax == v && v != 0 {
		s.UMax--
	}
	if s.SMin == int64(v) && int64(v) != math.MaxInt64 {
		s.SMin++
	} else if s.SMax == int64(v) && int64(v) != math.MinInt64 {
		s.SMax--
	}
	r, ok := s.normalize()
	if !ok {
		return orig
	}
	return r
}

// jset handles "if x & y". Known bits decide feasibility, and a constant
// mask refines x: on the fallthrough edge every masked bit is zero, and a
// single-bit mask is known set on the taken edge.
func jset(x, y Scalar, jmp32 bool) (taken, fall Outcome) {
	taken = Outcome{X: x, Y: y, Feasible: true}
	fall = Outcome{X: x, Y: y, Feasible: true}
	vx, vy := x, y
	if jmp32 {
		vx, vy = x.Trunc32(), y.Trunc32()
	}
	bx, by := vx.known(), vy.known()
	if bx.Max()&by.Max() == 0 {
		taken.Feasible = false
	}
	if bx.Value&by.Value != 0 {
		fall.Feasible = false
	}
	if !vy.IsConst() {
		return taken, fall
	}
	c := vy.Value()
	if fall.Feasible {
		fall.X, fall.Feasible = x.MeetBits(Tnum{Known: c})
	}
	if taken.Feasible && c&(c-1) == 0 {
		taken.X, taken.Feasible = x.MeetBits(Tnum{Value: c, Known: c})
	}
	return taken, fall
}

// known returns the bits of s including those implied by its unsigned range.
func (s Scalar) known() Tnum {
	if b, ok := s.Bits.Meet(tnumRange(s.UMin, s.UMax)); ok {
		return b
	}
	return s.Bits
}
