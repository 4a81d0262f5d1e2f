package domain

import (
	"math"
	"math/bits"

	"github.com/fortiblox/X1-Sentinel/pkg/isa"
)

// Eval executes an ALU operation on concrete operands with BPF semantics:
// division by zero yields zero, modulo by zero leaves dst unchanged, shift
// amounts are masked to the operation width.
func Eval(op uint8, dst, src uint64, is32 bool) uint64 {
	if is32 {
		d, s := uint32(dst), uint32(src)
		var r uint32
		switch op {
		case isa.AluAdd:
			r = d + s
		case isa.AluSub:
			r = d - s
		case isa.AluMul:
			r = d * s
		case isa.AluDiv:
			if s != 0 {
				r = d / s
			}
		case isa.AluMod:
			r = d
			if s != 0 {
				r = d % s
			}
		case isa.AluOr:
			r = d | s
		case isa.AluAnd:
			r = d & s
		case isa.AluXor:
			r = d ^ s
		case isa.AluLsh:
			r = d << (s & 31)
		case isa.AluRsh:
			r = d >> (s & 31)
		case isa.AluArsh:
			r = uint32(int32(d) >> (s & 31))
		case isa.AluNeg:
			r = uint32(-int32(d))
		case isa.AluMov:
			r = s
		}
		return uint64(r)
	}

	switch op {
	case isa.AluAdd:
		return dst + src
	case isa.AluSub:
		return dst - src
	case isa.AluMul:
		return dst * src
	case isa.AluDiv:
		if src == 0 {
			return 0
		}
		return dst / src
	case isa.AluMod:
		if src == 0 {
			return dst
		}
		return dst % src
	case isa.AluOr:
		return dst | src
	case isa.AluAnd:
		return dst & src
	case isa.AluXor:
		return dst ^ src
	case isa.AluLsh:
		return dst << (src & 63)
	case isa.AluRsh:
		return dst >> (src & 63)
	case isa.AluArsh:
		return uint64(int64(dst) >> (src & 63))
	case isa.AluNeg:
		return uint64(-int64(dst))
	case isa.AluMov:
		return src
	}
	return 0
}

// Binop applies an ALU operation with s as destination and rhs as source.
// 32-bit operations work on the truncated operands and truncate the result,
// so the 64-bit image is always the zero-extended low half.
func (s Scalar) Binop(op uint8, rhs Scalar, width uint8) Scalar {
	dst, src := s, rhs
	if width == 32 {
		d, k := dst.Trunc32(), src.Trunc32()
		if d.IsConst() && k.IsConst() {
			return Const(Eval(op, d.Value(), k.Value(), true)).with(32)
		}
		var r Scalar
		switch op {
		case isa.AluArsh:
			if k.UMax >= 32 {
				return Top32()
			}
			r = binop64(op, d.SExt32(), k, 32)
		case isa.AluLsh, isa.AluRsh:
			if k.UMax >= 32 {
				return Top32()
			}
			r = binop64(op, d, k, 32)
		default:
			r = binop64(op, d, k, 32)
		}
		return r.Trunc32()
	}

	if dst.IsConst() && src.IsConst() {
		return Const(Eval(op, dst.Value(), src.Value(), false))
	}
	return binop64(op, dst, src, 64)
}

func binop64(op uint8, d, s Scalar, width uint64) Scalar {
	return binopRange(op, d, s, width).withBits(binopBits(op, d.Bits, s, width))
}

// binopBits returns the known bits of the result, or the empty tnum when
// op does not propagate bits.
func binopBits(op uint8, d Tnum, s Scalar, width uint64) Tnum {
	switch op {
	case isa.AluMov:
		return s.Bits
	case isa.AluAdd:
		return d.add(s.Bits)
	case isa.AluSub:
		return d.sub(s.Bits)
	case isa.AluNeg:
		return TnumConst(0).sub(d)
	case isa.AluAnd:
		return d.and(s.Bits)
	case isa.AluOr:
		return d.or(s.Bits)
	case isa.AluXor:
		return d.xor(s.Bits)
	}
	if !s.IsConst() || s.Value() >= width {
		return Tnum{}
	}
	k := uint(s.Value())
	switch op {
	case isa.AluLsh:
		return d.lsh(k)
	case isa.AluRsh:
		return d.rsh(k)
	case isa.AluArsh:
		return d.arsh(k)
	}
	return Tnum{}
}

func binopRange(op uint8, d, s Scalar, width uint64) Scalar {
	switch op {
	case isa.AluMov:
		return s
	case isa.AluAdd:
		return add(d, s)
	case isa.AluSub:
		return sub(d, s)
	case isa.AluMul:
		return mul(d, s)
	case isa.AluDiv:
		switch {
		case s.UMax == 0:
			return Const(0)
		case s.UMin == 0:
			return withUnsigned(0, d.UMax)
		default:
			return withUnsigned(d.UMin/s.UMax, d.UMax/s.UMin)
		}
	case isa.AluMod:
		switch {
		case s.UMax == 0:
			return d
		case s.UMin == 0:
			return withUnsigned(0, d.UMax)
		case d.UMax < s.UMin:
			return d
		default:
			return withUnsigned(0, minU(d.UMax, s.UMax-1))
		}
	case isa.AluAnd:
		return withUnsigned(0, minU(d.UMax, s.UMax))
	case isa.AluOr:
		return withUnsigned(maxU(d.UMin, s.UMin), fill(d.UMax|s.UMax))
	case isa.AluXor:
		return withUnsigned(0, fill(d.UMax|s.UMax))
	case isa.AluLsh:
		if s.UMax >= width {
			return Top()
		}
		if s.UMax > 0 && d.UMax>>(64-s.UMax) != 0 {
			return Top()
		}
		return withUnsigned(d.UMin<<s.UMin, d.UMax<<s.UMax)
	case isa.AluRsh:
		if s.UMax >= width {
			return Top()
		}
		return withUnsigned(d.UMin>>s.UMax, d.UMax>>s.UMin)
	case isa.AluArsh:
		if s.UMax >= width {
			return Top()
		}
		a, b := s.UMin, s.UMax
		return withSigned(min64(d.SMin>>a, d.SMin>>b), max64(d.SMax>>a, d.SMax>>b))
	case isa.AluNeg:
		if d.SMin == math.MinInt64 {
			return Top()
		}
		return withSigned(-d.SMax, -d.SMin)
	}
	return Top()
}

func add(d, s Scalar) Scalar {
	r := Top()
	smin, ok1 := addS(d.SMin, s.SMin)
	smax, ok2 := addS(d.SMax, s.SMax)
	if ok1 && ok2 {
		r.SMin, r.SMax = smin, smax
	}
	umin, c1 := bits.Add64(d.UMin, s.UMin, 0)
	umax, c2 := bits.Add64(d.UMax, s.UMax, 0)
	if c1 == 0 && c2 == 0 {
		r.UMin, r.UMax = umin, umax
	}
	r, _ = r.normalize()
	return r
}

func sub(d, s Scalar) Scalar {
	r := Top()
	smin, ok1 := subS(d.SMin, s.SMax)
	smax, ok2 := subS(d.SMax, s.SMin)
	if ok1 && ok2 {
		r.SMin, r.SMax = smin, smax
	}
	if d.UMin >= s.UMax {
		r.UMin, r.UMax = d.UMin-s.UMax, d.UMax-s.UMin
	}
	r, _ = r.normalize()
	return r
}

func mul(d, s Scalar) Scalar {
	hi, lo := bits.Mul64(d.UMax, s.UMax)
	if hi != 0 {
		return Top()
	}
	return withUnsigned(d.UMin*s.UMin, lo)
}

// Swap models the byte-order conversion of width bits on a little-endian target.
func Swap(dst Scalar, width int64, toBE bool) Scalar {
	mask := uint64(math.MaxUint64)
	if width < 64 {
		mask = 1<<uint(width) - 1
	}
	if dst.IsConst() {
		v := dst.Value()
		if toBE {
			switch width {
			case 16:
				v = uint64(bits.ReverseBytes16(uint16(v)))
			case 32:
				v = uint64(bits.ReverseBytes32(uint32(v)))
			default:
				v = bits.ReverseBytes64(v)
			}
		}
		return Const(v & mask)
	}
	if !toBE && dst.UMax <= mask {
		return dst
	}
	if width == 64 {
		return Top()
	}
	return withUnsigned(0, mask)
}

// fill returns the smallest all-ones value covering v.
func fill(v uint64) uint64 {
	n := bits.Len64(v)
	if n == 64 {
		return math.MaxUint64
	}
	return 1<<uint(n) - 1
}

func addS(a, b int64) (int64, bool) {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		return 0, false
	}
	return r, true
}

func subS(a, b int64) (int64, bool) {
	r := a - b
	if (b > 0 && r > a) || (b < 0 && r < a) {
		return 0, false
	}
	return r, true
}
