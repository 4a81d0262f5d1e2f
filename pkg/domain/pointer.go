package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/fortiblox/X1-Sentinel/pkg/isa"
)

// StackSize is the size of one call frame's stack in bytes.
const StackSize = 512

// Region identifies the memory a pointer refers to.
type Region uint8

const (
	RegionContext Region = iota + 1
	RegionStack
	RegionMapValue
	RegionPacket
	RegionPacketEnd
	RegionResource
	RegionMapHandle
)

var regionNames = map[Region]string{
	RegionContext:   "ctx",
	RegionStack:     "stack",
	RegionMapValue:  "map_value",
	RegionPacket:    "pkt",
	RegionPacketEnd: "pkt_end",
	RegionResource:  "resource",
	RegionMapHandle: "map",
}

func (r Region) String() string {
	if s, ok := regionNames[r]; ok {
		return s
	}
	return fmt.Sprintf("region(%d)", uint8(r))
}

// Length is the accessible size of a region.
type Length struct {
	Known bool
	N     int64
}

// Known returns a length of n bytes.
func Known(n int64) Length { return Length{Known: true, N: n} }

// Unknown is the length of regions bounded only by a proven window.
var Unknown = Length{}

func (l Length) String() string {
	if !l.Known {
		return "?"
	}
	return fmt.Sprintf("%d", l.N)
}

// NoTag marks pointers that are not the result of a map lookup.
const NoTag = -1

// Pointer is a region pointer with an offset interval.
//
// BaseID identifies the region instance: the map id for map values and map
// handles, the frame depth for stacks, the packet base for packet pointers
// and the handle id for resources.
type Pointer struct {
	Region   Region
	BaseID   int
	MinOff   int64
	MaxOff   int64
	Length   Length
	Nullable bool
	Tag      int
}

var (
	// ErrPointerArith is returned for arithmetic not permitted on pointers.
	ErrPointerArith = errors.New("invalid pointer arithmetic")
)

// ConstOff reports whether the offset is a single value.
func (p Pointer) ConstOff() bool { return p.MinOff == p.MaxOff }

// SameBase reports whether both pointers refer to the same region instance.
func (p Pointer) SameBase(o Pointer) bool {
	return p.Region == o.Region && p.BaseID == o.BaseID
}

// Dereferenceable reports whether loads and stores through p are ever legal.
func (p Pointer) Dereferenceable() bool {
	switch p.Region {
	case RegionContext, RegionStack, RegionMapValue, RegionPacket:
		return true
	}
	return false
}

// InBounds reports whether accessing size bytes at p+off stays inside the
// region. limit bounds regions of Unknown length (the proven packet window).
func (p Pointer) InBounds(off int64, size int64, limit int64) bool {
	lo, ok1 := addS(p.MinOff, off)
	hi, ok2 := addS(p.MaxOff, off)
	if !ok1 || !ok2 {
		return false
	}
	end, ok := addS(hi, size)
	if !ok {
		return false
	}
	switch p.Region {
	case RegionStack:
		return lo >= -StackSize && end <= 0
	case RegionPacket:
		return lo >= 0 && end <= limit
	}
	if !p.Length.Known {
		return false
	}
	return lo >= 0 && end <= p.Length.N
}

// Readable returns how many bytes starting at p are statically known to be
// inside the region, or false when the length cannot be established.
func (p Pointer) Readable() (int64, bool) {
	if !p.ConstOff() {
		return 0, false
	}
	switch p.Region {
	case RegionStack:
		if p.MinOff < -StackSize || p.MinOff >= 0 {
			return 0, false
		}
		return -p.MinOff, true
	case RegionContext, RegionMapValue:
		if !p.Length.Known || p.MinOff < 0 || p.MinOff > p.Length.N {
			return 0, false
		}
		return p.Length.N - p.MinOff, true
	}
	return 0, false
}

// PointerArith applies dst op src where dst is a pointer and src a scalar.
// Only 64-bit add and sub are permitted, and never on nullable pointers,
// end pointers, resources or map handles.
func PointerArith(op uint8, p Pointer, s Scalar, is32 bool) (Pointer, error) {
	if is32 {
		return p, fmt.Errorf("%w: 32-bit operation on %v pointer", ErrPointerArith, p.Region)
	}
	switch p.Region {
	case RegionPacketEnd, RegionResource, RegionMapHandle:
		return p, fmt.Errorf("%w: arithmetic on %v pointer", ErrPointerArith, p.Region)
	}
	if p.Nullable {
		return p, fmt.Errorf("%w: arithmetic on possibly null %v pointer", ErrPointerArith, p.Region)
	}
	switch op {
	case isa.AluAdd:
		p.MinOff = satAdd(p.MinOff, s.SMin)
		p.MaxOff = satAdd(p.MaxOff, s.SMax)
	case isa.AluSub:
		p.MinOff = satSub(p.MinOff, s.SMax)
		p.MaxOff = satSub(p.MaxOff, s.SMin)
	default:
		return p, fmt.Errorf("%w: operation %#x on %v pointer", ErrPointerArith, op, p.Region)
	}
	return p, nil
}

// PointerDiff returns a - b for two pointers into the same region instance.
// A packet end pointer minus a packet pointer of the same base yields the
// unknown packet length.
func PointerDiff(a, b Pointer) (Scalar, error) {
	if a.Region == RegionPacketEnd && b.Region == RegionPacket && a.BaseID == b.BaseID {
		return Top(), nil
	}
	if !a.SameBase(b) {
		return Top(), fmt.Errorf("%w: subtracting %v from %v pointer", ErrPointerArith, b.Region, a.Region)
	}
	switch a.Region {
	case RegionPacketEnd, RegionResource, RegionMapHandle:
		return Top(), fmt.Errorf("%w: subtracting %v pointers", ErrPointerArith, a.Region)
	}
	lo, ok1 := subS(a.MinOff, b.MaxOff)
	hi, ok2 := subS(a.MaxOff, b.MinOff)
	if !ok1 || !ok2 {
		return Top(), nil
	}
	return withSigned(lo, hi), nil
}

// Join returns the union of two pointers; ok is false when the pointers
// are not region-compatible.
func (p Pointer) Join(o Pointer) (Pointer, bool) {
	if !p.SameBase(o) || p.Tag != o.Tag || p.Length != o.Length {
		return p, false
	}
	p.MinOff = min64(p.MinOff, o.MinOff)
	p.MaxOff = max64(p.MaxOff, o.MaxOff)
	p.Nullable = p.Nullable || o.Nullable
	return p, true
}

// Widen pushes offsets of cur that moved past p to their extremes.
func (p Pointer) Widen(cur Pointer) Pointer {
	if !p.SameBase(cur) {
		return cur
	}
	if cur.MinOff < p.MinOff {
		cur.MinOff = math.MinInt64
	}
	if cur.MaxOff > p.MaxOff {
		cur.MaxOff = math.MaxInt64
	}
	return cur
}

func (p Pointer) String() string {
	var off string
	if p.ConstOff() {
		off = fmt.Sprintf("%+d", p.MinOff)
	} else {
		off = fmt.Sprintf("+[%d,%d]", p.MinOff, p.MaxOff)
	}
	s := fmt.Sprintf("%v#%d%s", p.Region, p.BaseID, off)
	if p.Region == RegionContext || p.Region == RegionMapValue {
		s += fmt.Sprintf(" len=%v", p.Length)
	}
	if p.Tag != NoTag {
		s += fmt.Sprintf(" tag=%d", p.Tag)
	}
	if p.Nullable {
		s += " or null"
	}
	return s
}

func satAdd(a, b int64) int64 {
	if r, ok := addS(a, b); ok {
		return r
	}
	if b > 0 {
		return math.MaxInt64
	}
	return math.MinInt64
}

func satSub(a, b int64) int64 {
	if r, ok := subS(a, b); ok {
		return r
	}
	if b < 0 {
		return math.MaxInt64
	}
	return math.MinInt64
}
