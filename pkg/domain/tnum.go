package domain

import (
	"fmt"
	"math/bits"
)

// Tnum is a tristate number. Bits set in Known hold the matching bit of
// Value; the other bits are unknown. Value has no bits outside Known. The
// zero Tnum knows nothing.
type Tnum struct {
	Value uint64
	Known uint64
}

// TnumConst returns the tnum of exactly v.
func TnumConst(v uint64) Tnum {
	return Tnum{Value: v, Known: ^uint64(0)}
}

// tnumRange returns the bits shared by every value in [lo, hi].
func tnumRange(lo, hi uint64) Tnum {
	n := bits.Len64(lo ^ hi)
	if n == 64 {
		return Tnum{}
	}
	unknown := uint64(1)<<uint(n) - 1
	return Tnum{Value: lo &^ unknown, Known: ^unknown}
}

func (t Tnum) mask() uint64 { return ^t.Known }

// Min and Max are the smallest and largest unsigned values of t.
func (t Tnum) Min() uint64 { return t.Value }
func (t Tnum) Max() uint64 { return t.Value | t.mask() }

// IsConst reports whether every bit is known.
func (t Tnum) IsConst() bool { return t.Known == ^uint64(0) }

// Contains reports whether v agrees with every known bit.
func (t Tnum) Contains(v uint64) bool {
	return v&t.Known == t.Value
}

// Subset reports whether every value of t is a value of o.
func (t Tnum) Subset(o Tnum) bool {
	return o.Known&^t.Known == 0 && (t.Value^o.Value)&o.Known == 0
}

// Join keeps the bits known and equal on both sides.
func (t Tnum) Join(o Tnum) Tnum {
	known := t.Known & o.Known &^ (t.Value ^ o.Value)
	return Tnum{Value: t.Value & known, Known: known}
}

// Meet combines the knowledge of both; ok is false when a bit is known
// with different values.
func (t Tnum) Meet(o Tnum) (Tnum, bool) {
	if (t.Value^o.Value)&t.Known&o.Known != 0 {
		return t, false
	}
	return Tnum{Value: t.Value | o.Value, Known: t.Known | o.Known}, true
}

func fromMask(v, mask uint64) Tnum {
	return Tnum{Value: v &^ mask, Known: ^mask}
}

func (t Tnum) and(o Tnum) Tnum {
	alpha, beta := t.Value|t.mask(), o.Value|o.mask()
	v := t.Value & o.Value
	return fromMask(v, alpha&beta&^v)
}

func (t Tnum) or(o Tnum) Tnum {
	v := t.Value | o.Value
	return fromMask(v, (t.mask()|o.mask())&^v)
}

func (t Tnum) xor(o Tnum) Tnum {
	return fromMask(t.Value^o.Value, t.mask()|o.mask())
}

func (t Tnum) add(o Tnum) Tnum {
	sm := t.mask() + o.mask()
	sv := t.Value + o.Value
	chi := (sm + sv) ^ sv
	return fromMask(sv, chi|t.mask()|o.mask())
}

func (t Tnum) sub(o Tnum) Tnum {
	dv := t.Value - o.Value
	chi := (dv + t.mask()) ^ (dv - o.mask())
	return fromMask(dv, chi|t.mask()|o.mask())
}

func (t Tnum) lsh(k uint) Tnum {
	return fromMask(t.Value<<k, t.mask()<<k)
}

func (t Tnum) rsh(k uint) Tnum {
	return fromMask(t.Value>>k, t.mask()>>k)
}

func (t Tnum) arsh(k uint) Tnum {
	return fromMask(uint64(int64(t.Value)>>k), uint64(int64(t.mask())>>k))
}

// trunc32 keeps the low half; the high half becomes known zero.
func (t Tnum) trunc32() Tnum {
	const low = 0xffffffff
	return Tnum{Value: t.Value & low, Known: t.Known | ^uint64(low)}
}

func (t Tnum) String() string {
	return fmt.Sprintf("(%#x; %#x)", t.Value, t.mask())
}
