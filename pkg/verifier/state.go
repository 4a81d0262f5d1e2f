package verifier

import (
	"fmt"
	"strings"

	"github.com/fortiblox/X1-Sentinel/pkg/domain"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/refs"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// maxFrames caps the depth of local calls.
const maxFrames = 8

// Frame is the register file and stack of one active call.
type Frame struct {
	Regs  [isa.NumRegisters]domain.Value
	Stack Stack

	// CallSite is the PC of the call that created the frame, -1 for the entry.
	CallSite int
}

// newFrame returns a frame at the given depth with only the frame pointer set.
func newFrame(depth, callSite int) Frame {
	f := Frame{CallSite: callSite}
	f.Regs[isa.RFP] = domain.PointerValue(domain.Pointer{
		Region: domain.RegionStack,
		BaseID: depth,
		Length: domain.Known(0),
		Tag:    domain.NoTag,
	})
	return f
}

// State is the abstract machine state at one program point.
type State struct {
	Frames []Frame

	// Windows maps a packet base to the number of bytes proven readable.
	Windows map[int]int64

	Refs refs.Set
	Gens refs.Generations
}

// Frame returns the active frame.
func (s *State) Frame() *Frame {
	return &s.Frames[len(s.Frames)-1]
}

// Reg returns a register of the active frame.
func (s *State) Reg(r isa.Register) domain.Value {
	return s.Frame().Regs[r]
}

// SetReg assigns a register of the active frame.
func (s *State) SetReg(r isa.Register, v domain.Value) {
	s.Frame().Regs[r] = v
}

// Window returns the proven window of a packet base.
func (s *State) Window(base int) int64 {
	return s.Windows[base]
}

// Prove records that base is readable for at least n bytes.
func (s *State) Prove(base int, n int64) {
	if n > s.Windows[base] {
		if s.Windows == nil {
			s.Windows = make(map[int]int64)
		}
		s.Windows[base] = n
	}
}

// Context returns the call string of the state, one call-site PC per frame
// below the entry.
func (s *State) Context() string {
	if len(s.Frames) == 1 {
		return ""
	}
	sites := make([]string, 0, len(s.Frames)-1)
	for _, f := range s.Frames[1:] {
		sites = append(sites, fmt.Sprint(f.CallSite))
	}
	return strings.Join(sites, "/")
}

// rebind applies fn to every pointer held in a register or a spilled stack
// slot of any frame.
func (s *State) rebind(fn func(p *domain.Pointer)) {
	for i := range s.Frames {
		f := &s.Frames[i]
		for r := range f.Regs {
			if f.Regs[r].IsPointer() {
				fn(&f.Regs[r].Ptr)
			}
		}
		for j := range f.Stack.Slots {
			slot := &f.Stack.Slots[j]
			if slot.spilled() && slot.Spill.IsPointer() {
				fn(&slot.Spill.Ptr)
			}
		}
	}
}

// retireHandle moves every alias of handle id to its retired id.
func (s *State) retireHandle(id int) {
	s.rebind(func(p *domain.Pointer) {
		if p.Region == domain.RegionResource && p.BaseID == id {
			p.BaseID = refs.Retired(id)
		}
	})
}

// retireTag moves map value pointers from an earlier lookup at tag to the
// retired tag, which no generation ever holds.
func (s *State) retireTag(mapID int32, tag int) {
	s.rebind(func(p *domain.Pointer) {
		if p.Region == domain.RegionMapValue && p.BaseID == int(mapID) && p.Tag == tag {
			p.Tag = refs.Retired(tag)
		}
	})
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	return &State{
		Frames:  slices.Clone(s.Frames),
		Windows: maps.Clone(s.Windows),
		Refs:    s.Refs.Clone(),
		Gens:    s.Gens.Clone(),
	}
}

// Join returns the least upper bound of two states with the same call string.
func (s *State) Join(o *State) *State {
	out := s.Clone()
	for i := range out.Frames {
		f, g := &out.Frames[i], &o.Frames[i]
		for r := range f.Regs {
			f.Regs[r] = f.Regs[r].Join(g.Regs[r])
		}
		f.Stack.join(&g.Stack)
	}
	out.Windows = make(map[int]int64)
	for base, n := range s.Windows {
		if m, ok := o.Windows[base]; ok {
			if m < n {
				n = m
			}
			out.Windows[base] = n
		}
	}
	out.Refs = s.Refs.Join(o.Refs)
	out.Gens = s.Gens.Join(o.Gens)
	return out
}

// Widen returns cur with every non-guard register and every spilled stack
// slot that grew since s pushed to its extreme.
func (s *State) Widen(cur *State, guards map[isa.Register]bool) *State {
	out := cur.Clone()
	for i := range out.Frames {
		f, old := &out.Frames[i], &s.Frames[i]
		top := i == len(out.Frames)-1
		for r := range f.Regs {
			if top && guards[isa.Register(r)] {
				continue
			}
			f.Regs[r] = old.Regs[r].Widen(f.Regs[r])
		}
		f.Stack.widen(&old.Stack)
	}
	return out
}

// Equal reports whether both states describe the same set of machine states.
func (s *State) Equal(o *State) bool {
	if len(s.Frames) != len(o.Frames) {
		return false
	}
	for i := range s.Frames {
		f, g := &s.Frames[i], &o.Frames[i]
		if f.CallSite != g.CallSite {
			return false
		}
		for r := range f.Regs {
			if !f.Regs[r].Equal(g.Regs[r]) {
				return false
			}
		}
		if !f.Stack.equal(&g.Stack) {
			return false
		}
	}
	return maps.Equal(s.Windows, o.Windows) && s.Refs.Equal(o.Refs) && s.Gens.Equal(o.Gens)
}

func (s *State) String() string {
	var b strings.Builder
	f := s.Frame()
	for r, v := range f.Regs {
		if v.IsInit() {
			fmt.Fprintf(&b, "r%d=%v ", r, v)
		}
	}
	if st := f.Stack.String(); st != "" {
		b.WriteString(st)
		b.WriteByte(' ')
	}
	if len(s.Windows) > 0 {
		bases := maps.Keys(s.Windows)
		slices.Sort(bases)
		for _, base := range bases {
			fmt.Fprintf(&b, "pkt#%d=[0,%d) ", base, s.Windows[base])
		}
	}
	if hs := s.Refs.Handles(); len(hs) > 0 {
		fmt.Fprintf(&b, "refs=%v ", hs)
	}
	return strings.TrimSpace(b.String())
}
