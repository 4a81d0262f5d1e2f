// Package domain implements the abstract values tracked by the verifier:
// scalar intervals with signed and unsigned bounds and known bits, and
// region pointers.
package domain

import (
	"fmt"
	"math"
)

// Scalar is an interval abstraction of a 64-bit register value. A concrete
// value v is represented iff SMin <= int64(v) <= SMax, UMin <= v <= UMax
// and v agrees with Bits.
// Width records whether the last operation producing the value was 32-bit,
// in which case the upper half is known to be zero.
type Scalar struct {
	SMin, SMax int64
	UMin, UMax uint64
	Bits       Tnum
	Width      uint8
}

// Top returns the unconstrained 64-bit scalar.
func Top() Scalar {
	return Scalar{SMin: math.MinInt64, SMax: math.MaxInt64, UMin: 0, UMax: math.MaxUint64, Width: 64}
}

// Top32 returns the unconstrained zero-extended 32-bit scalar.
func Top32() Scalar {
	return Scalar{SMin: 0, SMax: math.MaxUint32, UMin: 0, UMax: math.MaxUint32, Bits: tnumRange(0, math.MaxUint32), Width: 32}
}

// Const returns the scalar holding exactly v.
func Const(v uint64) Scalar {
	return Scalar{SMin: int64(v), SMax: int64(v), UMin: v, UMax: v, Bits: TnumConst(v), Width: 64}
}

// URange returns the scalar holding the unsigned interval [lo, hi].
func URange(lo, hi uint64) Scalar {
	s := Top()
	s.UMin, s.UMax = lo, hi
	s, _ = s.normalize()
	return s
}

// SRange returns the scalar holding the signed interval [lo, hi].
func SRange(lo, hi int64) Scalar {
	s := Top()
	s.SMin, s.SMax = lo, hi
	s, _ = s.normalize()
	return s
}

// IsConst reports whether the scalar holds a single value.
func (s Scalar) IsConst() bool {
	return s.UMin == s.UMax
}

// Value returns the constant value. It is only meaningful when IsConst.
func (s Scalar) Value() uint64 {
	return s.UMin
}

// IsTop reports whether nothing is known about the value.
func (s Scalar) IsTop() bool {
	return s.SMin == math.MinInt64 && s.SMax == math.MaxInt64 && s.UMin == 0 && s.UMax == math.MaxUint64 &&
		s.Bits.Known == 0
}

// Contains reports whether v is a possible value.
func (s Scalar) Contains(v uint64) bool {
	return v >= s.UMin && v <= s.UMax && int64(v) >= s.SMin && int64(v) <= s.SMax && s.Bits.Contains(v)
}

// ContainsZero reports whether the value may be zero.
func (s Scalar) ContainsZero() bool {
	return s.Contains(0)
}

// Subset reports whether every value of s is a value of o.
func (s Scalar) Subset(o Scalar) bool {
	return s.SMin >= o.SMin && s.SMax <= o.SMax && s.UMin >= o.UMin && s.UMax <= o.UMax &&
		s.Bits.Subset(o.Bits)
}

// Equal compares bounds and known bits; Width is informational and ignored.
func (s Scalar) Equal(o Scalar) bool {
	return s.SMin == o.SMin && s.SMax == o.SMax && s.UMin == o.UMin && s.UMax == o.UMax &&
		s.Bits == o.Bits
}

// Join returns the interval hull of s and o with the bits known on both.
func (s Scalar) Join(o Scalar) Scalar {
	r := Scalar{
		SMin:  min64(s.SMin, o.SMin),
		SMax:  max64(s.SMax, o.SMax),
		UMin:  minU(s.UMin, o.UMin),
		UMax:  maxU(s.UMax, o.UMax),
		Bits:  s.Bits.Join(o.Bits),
		Width: s.Width,
	}
	if o.Width > r.Width {
		r.Width = o.Width
	}
	r, _ = r.normalize()
	return r
}

// Widen pushes every bound of cur that moved past old to its extreme. Known
// bits are dropped along with a widened bound, since they would narrow it
// again.
func (s Scalar) Widen(cur Scalar) Scalar {
	r := cur
	widened := false
	if cur.SMin < s.SMin {
		r.SMin = math.MinInt64
		widened = true
	}
	if cur.SMax > s.SMax {
		r.SMax = math.MaxInt64
		widened = true
	}
	if cur.UMin < s.UMin {
		r.UMin = 0
		widened = true
	}
	if cur.UMax > s.UMax {
		r.UMax = math.MaxUint64
		widened = true
	}
	if widened {
		r.Bits = Tnum{}
	}
	r, _ = r.normalize()
	return r
}

// Meet intersects two scalars; ok is false when the intersection is empty.
func (s Scalar) Meet(o Scalar) (Scalar, bool) {
	r := Scalar{
		SMin:  max64(s.SMin, o.SMin),
		SMax:  min64(s.SMax, o.SMax),
		UMin:  maxU(s.UMin, o.UMin),
		UMax:  minU(s.UMax, o.UMax),
		Width: s.Width,
	}
	bits, ok := s.Bits.Meet(o.Bits)
	if !ok {
		return r, false
	}
	r.Bits = bits
	return r.normalize()
}

// MeetBits intersects s with the known bits t.
func (s Scalar) MeetBits(t Tnum) (Scalar, bool) {
	bits, ok := s.Bits.Meet(t)
	if !ok {
		return s, false
	}
	s.Bits = bits
	return s.normalize()
}

// withBits is MeetBits for bits derived from the same concrete values,
// which can never conflict.
func (s Scalar) withBits(t Tnum) Scalar {
	if r, ok := s.MeetBits(t); ok {
		return r
	}
	return s
}

// normalize tightens each bound pair and the known bits using the others
// and reports whether any value remains.
func (s Scalar) normalize() (Scalar, bool) {
	for i := 0; i < 2; i++ {
		if s.SMin > s.SMax || s.UMin > s.UMax {
			return s, false
		}
		bits, ok := s.Bits.Meet(tnumRange(s.UMin, s.UMax))
		if !ok {
			return s, false
		}
		s.Bits = bits
		s.UMin = maxU(s.UMin, bits.Min())
		s.UMax = minU(s.UMax, bits.Max())
		if s.UMin > s.UMax {
			return s, false
		}
		// The signed range does not cross zero, so it maps onto a
		// contiguous unsigned range.
		if (s.SMin >= 0) == (s.SMax >= 0) {
			s.UMin = maxU(s.UMin, uint64(s.SMin))
			s.UMax = minU(s.UMax, uint64(s.SMax))
		}
		// The unsigned range stays on one side of the sign bit.
		if s.UMin>>63 == s.UMax>>63 {
			s.SMin = max64(s.SMin, int64(s.UMin))
			s.SMax = min64(s.SMax, int64(s.UMax))
		}
	}
	if s.SMin > s.SMax || s.UMin > s.UMax {
		return s, false
	}
	return s, true
}

// withUnsigned rebuilds a scalar from unsigned bounds only.
func withUnsigned(lo, hi uint64) Scalar {
	s := Top()
	s.UMin, s.UMax = lo, hi
	s, _ = s.normalize()
	return s
}

// withSigned rebuilds a scalar from signed bounds only.
func withSigned(lo, hi int64) Scalar {
	s := Top()
	s.SMin, s.SMax = lo, hi
	s, _ = s.normalize()
	return s
}

// Trunc32 returns the zero-extended low 32 bits of the value.
func (s Scalar) Trunc32() Scalar {
	return s.trunc32Range().withBits(s.Bits.trunc32())
}

func (s Scalar) trunc32Range() Scalar {
	if s.UMax-s.UMin <= math.MaxUint32 && s.UMin>>32 == s.UMax>>32 {
		return withUnsigned(s.UMin&math.MaxUint32, s.UMax&math.MaxUint32).with(32)
	}
	// The low halves of the signed range may still be contiguous.
	if uint64(s.SMax-s.SMin) <= math.MaxUint32 && s.SMax-s.SMin >= 0 {
		lo, hi := uint64(s.SMin)&math.MaxUint32, uint64(s.SMax)&math.MaxUint32
		if lo <= hi {
			return withUnsigned(lo, hi).with(32)
		}
	}
	return Top32()
}

// SExt32 returns the low 32 bits sign-extended to 64 bits.
func (s Scalar) SExt32() Scalar {
	t := s.Trunc32()
	lo, hi := int64(int32(uint32(t.UMin))), int64(int32(uint32(t.UMax)))
	if t.UMax <= math.MaxInt32 || t.UMin > math.MaxInt32 {
		return withSigned(lo, hi)
	}
	return withSigned(math.MinInt32, math.MaxInt32)
}

func (s Scalar) with(width uint8) Scalar {
	s.Width = width
	return s
}

func (s Scalar) String() string {
	if s.IsConst() {
		return fmt.Sprintf("%d", int64(s.UMin))
	}
	if s.IsTop() {
		return "scalar"
	}
	out := fmt.Sprintf("scalar(s=[%d,%d] u=[%d,%d]", s.SMin, s.SMax, s.UMin, s.UMax)
	if s.Bits != tnumRange(s.UMin, s.UMax) {
		out += fmt.Sprintf(" bits=%v", s.Bits)
	}
	return out + ")"
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minU(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
