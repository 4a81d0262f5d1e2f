package verifier

import (
	"fmt"
	"strings"

	"github.com/fortiblox/X1-Sentinel/pkg/domain"
)

const slotCount = domain.StackSize / 8

// ByteKind describes one stack byte that is not part of a whole-slot spill.
type ByteKind uint8

const (
	ByteUninit ByteKind = iota
	ByteMisc
	ByteZero
	ByteSpill
)

// Slot is one aligned 8-byte stack slot. A slot either holds a spilled
// register (every byte ByteSpill) or individually tracked bytes.
type Slot struct {
	Spill domain.Value
	Bytes [8]ByteKind
}

func (s *Slot) spilled() bool { return s.Bytes[0] == ByteSpill }

// unspill turns a spilled register into plain bytes.
func (s *Slot) unspill() {
	if !s.spilled() {
		return
	}
	kind := ByteMisc
	if s.Spill.IsNull() {
		kind = ByteZero
	}
	for i := range s.Bytes {
		s.Bytes[i] = kind
	}
	s.Spill = domain.Uninit()
}

func (s Slot) equal(o Slot) bool {
	return s.Bytes == o.Bytes && s.Spill.Equal(o.Spill)
}

func (s Slot) join(o Slot) Slot {
	if s.spilled() && o.spilled() {
		v := s.Spill.Join(o.Spill)
		if v.IsInit() {
			return Slot{Spill: v, Bytes: s.Bytes}
		}
	}
	s.unspill()
	o.unspill()
	var out Slot
	for i := range out.Bytes {
		switch a, b := s.Bytes[i], o.Bytes[i]; {
		case a == b:
			out.Bytes[i] = a
		case a == ByteUninit || b == ByteUninit:
			out.Bytes[i] = ByteUninit
		default:
			out.Bytes[i] = ByteMisc
		}
	}
	return out
}

// Stack is the 512-byte frame of one call. Offsets are relative to the
// frame pointer and lie in [-512, 0).
type Stack struct {
	Slots [slotCount]Slot
}

func slotIndex(off int64) (int, int) {
	pos := off + domain.StackSize
	return int(pos / 8), int(pos % 8)
}

// Write records a store of size bytes at off. A whole aligned 8-byte store
// spills v; narrower stores only mark bytes.
func (st *Stack) Write(off int64, size int64, v domain.Value) {
	idx, byteOff := slotIndex(off)
	if size == 8 && byteOff == 0 {
		st.Slots[idx] = Slot{Spill: v}
		for i := range st.Slots[idx].Bytes {
			st.Slots[idx].Bytes[i] = ByteSpill
		}
		return
	}
	kind := ByteMisc
	if v.IsNull() {
		kind = ByteZero
	}
	for p := off; p < off+size; p++ {
		i, b := slotIndex(p)
		st.Slots[i].unspill()
		st.Slots[i].Bytes[b] = kind
	}
}

// WriteRange marks [lo, hi) as written with unknown data.
func (st *Stack) WriteRange(lo, hi int64) {
	for p := lo; p < hi; p++ {
		i, b := slotIndex(p)
		st.Slots[i].unspill()
		st.Slots[i].Bytes[b] = ByteMisc
	}
}

// Clobber models a store of unknown position inside [lo, hi): bytes that
// were already written become unknown, the others stay uninitialized.
func (st *Stack) Clobber(lo, hi int64) {
	for p := lo; p < hi; p++ {
		i, b := slotIndex(p)
		st.Slots[i].unspill()
		if st.Slots[i].Bytes[b] != ByteUninit {
			st.Slots[i].Bytes[b] = ByteMisc
		}
	}
}

// Initialized reports whether every byte in [lo, hi) has been written, and
// returns the first uninitialized offset otherwise.
func (st *Stack) Initialized(lo, hi int64) (int64, bool) {
	for p := lo; p < hi; p++ {
		i, b := slotIndex(p)
		if st.Slots[i].Bytes[b] == ByteUninit {
			return p, false
		}
	}
	return 0, true
}

// HasPointer reports whether any slot overlapping [lo, hi) holds a spilled pointer.
func (st *Stack) HasPointer(lo, hi int64) bool {
	for p := lo; p < hi; p++ {
		i, _ := slotIndex(p)
		s := &st.Slots[i]
		if s.spilled() && s.Spill.IsPointer() {
			return true
		}
	}
	return false
}

// Read returns the value of size bytes at off, zero-extended. ok is false
// when a byte was never written.
func (st *Stack) Read(off int64, size int64) (domain.Value, int64, bool) {
	if at, ok := st.Initialized(off, off+size); !ok {
		return domain.Value{}, at, false
	}
	idx, byteOff := slotIndex(off)
	s := &st.Slots[idx]
	if s.spilled() && byteOff+int(size) <= 8 {
		if size == 8 {
			return s.Spill, 0, true
		}
		if s.Spill.IsScalar() && s.Spill.Scalar.IsConst() {
			v := s.Spill.Scalar.Value() >> (8 * uint(byteOff))
			return domain.ScalarValue(domain.Const(v & sizeMask(size))), 0, true
		}
		return domain.ScalarValue(domain.URange(0, sizeMask(size))), 0, true
	}

	zero := true
	for p := off; p < off+size; p++ {
		i, b := slotIndex(p)
		kind := st.Slots[i].Bytes[b]
		if kind == ByteSpill && st.Slots[i].Spill.IsNull() {
			continue
		}
		if kind != ByteZero {
			zero = false
			break
		}
	}
	if zero {
		return domain.ScalarValue(domain.Const(0)), 0, true
	}
	return domain.ScalarValue(domain.URange(0, sizeMask(size))), 0, true
}

func (st *Stack) equal(o *Stack) bool {
	for i := range st.Slots {
		if !st.Slots[i].equal(o.Slots[i]) {
			return false
		}
	}
	return true
}

func (st *Stack) join(o *Stack) {
	for i := range st.Slots {
		st.Slots[i] = st.Slots[i].join(o.Slots[i])
	}
}

// widen pushes grown spilled scalars to their extremes.
func (st *Stack) widen(old *Stack) {
	for i := range st.Slots {
		s, o := &st.Slots[i], &old.Slots[i]
		if s.spilled() && o.spilled() {
			s.Spill = o.Spill.Widen(s.Spill)
		}
	}
}

func (st *Stack) String() string {
	var parts []string
	for i := range st.Slots {
		s := &st.Slots[i]
		off := int64(i*8) - domain.StackSize
		switch {
		case s.spilled():
			parts = append(parts, fmt.Sprintf("fp%d=%v", off, s.Spill))
		case s.Bytes != [8]ByteKind{}:
			var b strings.Builder
			for _, k := range s.Bytes {
				b.WriteByte("umz?"[k])
			}
			parts = append(parts, fmt.Sprintf("fp%d=%s", off, b.String()))
		}
	}
	return strings.Join(parts, " ")
}

func sizeMask(size int64) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}
