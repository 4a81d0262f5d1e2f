package verifier

import (
	"errors"
	"math"

	"github.com/fortiblox/X1-Sentinel/pkg/domain"
	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/refs"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
)

// clobberArgs marks the argument registers as unreadable after a call.
func clobberArgs(f *Frame) {
	for r := isa.R1; r <= isa.R5; r++ {
		f.Regs[r] = domain.Uninit()
	}
}

func (r *run) helperCall(st *State, pc int, ins isa.Instruction) *verdict.Verdict {
	id := int32(ins.Imm)
	e, ok := r.helpers.Lookup(id)
	if !ok {
		return reject(verdict.MalformedHelperUse, pc, "unknown helper %d", id)
	}

	mapID := int32(-1)
	var spec MapSpec
	for i, kind := range e.Args {
		reg := isa.R1 + isa.Register(i)
		val := st.Reg(reg)
		if kind == helpers.ArgNone || kind == helpers.ArgAnything {
			continue
		}
		if !val.IsInit() {
			return reject(verdict.UninitializedRead, pc, "%s: argument r%d is not initialized", e.Name, reg)
		}

		switch kind {
		case helpers.ArgScalar, helpers.ArgSize:
			if !val.IsScalar() {
				return reject(verdict.MalformedHelperUse, pc, "%s: r%d must be a scalar, got %v", e.Name, reg, val)
			}
		case helpers.ArgNonZero:
			if !val.IsScalar() {
				return reject(verdict.MalformedHelperUse, pc, "%s: r%d must be a scalar, got %v", e.Name, reg, val)
			}
			if val.Scalar.ContainsZero() {
				return reject(verdict.UnprovenAssertion, pc, "%s: r%d=%v may be zero", e.Name, reg, val.Scalar)
			}
		case helpers.ArgMap:
			if !val.IsPointer() || val.Ptr.Region != domain.RegionMapHandle {
				return reject(verdict.MalformedHelperUse, pc, "%s: r%d is not a map, got %v", e.Name, reg, val)
			}
			mapID = int32(val.Ptr.BaseID)
			spec = r.prog.Maps[mapID]
		case helpers.ArgMapKey, helpers.ArgMapValue:
			if mapID < 0 {
				return reject(verdict.MalformedHelperUse, pc, "%s: %v argument without a map", e.Name, kind)
			}
			n := spec.KeySize
			if kind == helpers.ArgMapValue {
				n = spec.ValueSize
			}
			if v := r.buffer(st, pc, e.Name, reg, n, false); v != nil {
				return v
			}
		case helpers.ArgBuffer, helpers.ArgWritableBuffer:
			if i+1 >= helpers.MaxArgs || e.Args[i+1] != helpers.ArgSize {
				return reject(verdict.MalformedHelperUse, pc, "%s: buffer r%d has no size argument", e.Name, reg)
			}
			size := st.Reg(reg + 1)
			if !size.IsInit() {
				return reject(verdict.UninitializedRead, pc, "%s: argument r%d is not initialized", e.Name, reg+1)
			}
			if !size.IsScalar() || size.Scalar.UMax > math.MaxInt64 {
				return reject(verdict.MalformedHelperUse, pc, "%s: size r%d=%v is unbounded", e.Name, reg+1, size)
			}
			n := int64(size.Scalar.UMax)
			if v := r.buffer(st, pc, e.Name, reg, n, kind == helpers.ArgWritableBuffer); v != nil {
				return v
			}
		case helpers.ArgResource, helpers.ArgReleaseResource:
			if !val.IsPointer() || val.Ptr.Region != domain.RegionResource {
				return reject(verdict.MalformedHelperUse, pc, "%s: r%d is not a resource handle, got %v", e.Name, reg, val)
			}
			handle := val.Ptr.BaseID
			var err error
			if kind == helpers.ArgReleaseResource {
				err = st.Refs.Release(handle)
			} else {
				err = st.Refs.Use(handle)
			}
			if err != nil {
				return rejectID(verdict.UseAfterRelease, pc, r.sitePC(handle), "%s: %v", e.Name, err)
			}
		}
	}

	if e.InvalidatesMap && mapID >= 0 {
		st.Gens.Invalidate(mapID)
	}

	ret := domain.Uninit()
	switch e.Ret {
	case helpers.RetScalar:
		ret = domain.ScalarValue(domain.Top())
	case helpers.RetRange:
		ret = domain.ScalarValue(domain.URange(e.RetMin, e.RetMax))
	case helpers.RetIdentity:
		ret = st.Reg(isa.R1)
	case helpers.RetMapValueOrNull:
		if mapID < 0 {
			return reject(verdict.MalformedHelperUse, pc, "%s: lookup without a map", e.Name)
		}
		tag := r.siteID(st, pc)
		if !st.Gens.Valid(mapID, tag) {
			st.retireTag(mapID, tag)
		}
		st.Gens.Lookup(mapID, tag)
		ret = domain.PointerValue(domain.Pointer{
			Region:   domain.RegionMapValue,
			BaseID:   int(mapID),
			Length:   domain.Known(spec.ValueSize),
			Nullable: true,
			Tag:      tag,
		})
	case helpers.RetResource:
		id := r.siteID(st, pc)
		err := st.Refs.Acquire(id, e.Resource, e.FireAndForget, r.opts.MaxHandles)
		switch {
		case errors.Is(err, refs.ErrLeak):
			return rejectID(verdict.LeakedReference, pc, pc, "%s: handle from this site is still live", e.Name)
		case errors.Is(err, refs.ErrCapacity):
			return reject(verdict.BudgetExceeded, pc, "%s: more than %d live handles", e.Name, r.opts.MaxHandles)
		case err != nil:
			return reject(verdict.MalformedHelperUse, pc, "%s: %v", e.Name, err)
		}
		st.retireHandle(id)
		if n := st.Refs.Live(); n > r.stats.PeakHandles {
			r.stats.PeakHandles = n
		}
		ret = domain.PointerValue(domain.Pointer{
			Region: domain.RegionResource,
			BaseID: id,
			Length: domain.Known(0),
			Tag:    domain.NoTag,
		})
	}

	f := st.Frame()
	clobberArgs(f)
	f.Regs[isa.R0] = ret
	return nil
}

// buffer checks that reg points to n bytes the helper may read, or write
// when out is set.
func (r *run) buffer(st *State, pc int, name string, reg isa.Register, n int64, out bool) *verdict.Verdict {
	val := st.Reg(reg)
	if !val.IsPointer() {
		return reject(verdict.MalformedHelperUse, pc, "%s: r%d is not a pointer, got %v", name, reg, val)
	}
	p := val.Ptr
	if p.Nullable {
		return reject(verdict.MalformedHelperUse, pc, "%s: r%d may be null", name, reg)
	}
	if p.Region == domain.RegionMapValue && p.Tag != domain.NoTag && !st.Gens.Valid(int32(p.BaseID), p.Tag) {
		at := r.sitePC(p.Tag)
		return rejectID(verdict.UseAfterRelease, pc, at, "%s: r%d points into a map value from pc %d that has been invalidated", name, reg, at)
	}
	if p.Region == domain.RegionStack && p.BaseID >= len(st.Frames) {
		return reject(verdict.MalformedHelperUse, pc, "%s: r%d points into a returned frame", name, reg)
	}
	if out && p.Region == domain.RegionContext {
		return reject(verdict.MalformedHelperUse, pc, "%s: context is read-only", name)
	}

	avail, ok := p.Readable()
	if !ok {
		return reject(verdict.MalformedHelperUse, pc, "%s: r%d=%v has no statically known length", name, reg, p)
	}
	if n > avail {
		return reject(verdict.MalformedHelperUse, pc, "%s: size %d exceeds the %d bytes available at r%d", name, n, avail, reg)
	}

	if p.Region == domain.RegionStack {
		stack := &st.Frames[p.BaseID].Stack
		lo := p.MinOff
		if out {
			stack.WriteRange(lo, lo+n)
			return nil
		}
		if at, ok := stack.Initialized(lo, lo+n); !ok {
			return reject(verdict.MalformedHelperUse, pc, "%s: stack byte fp%d passed in r%d is not initialized", name, at, reg)
		}
		if stack.HasPointer(lo, lo+n) {
			return reject(verdict.MalformedHelperUse, pc, "%s: buffer in r%d holds a pointer", name, reg)
		}
	}
	return nil
}

func (r *run) localCall(st *State, pc int, ins isa.Instruction) *verdict.Verdict {
	if len(st.Frames) >= maxFrames {
		return reject(verdict.BudgetExceeded, pc, "call depth exceeds %d frames", maxFrames)
	}
	for _, f := range st.Frames {
		if f.CallSite == pc {
			return reject(verdict.BudgetExceeded, pc, "recursive call")
		}
	}
	caller := st.Frame()
	callee := newFrame(len(st.Frames), pc)
	for reg := isa.R1; reg <= isa.R5; reg++ {
		callee.Regs[reg] = caller.Regs[reg]
	}
	st.Frames = append(st.Frames, callee)
	return nil
}

// exit handles the exit instruction. It returns the caller state to resume
// at the return site, or nil when the root function returned.
func (r *run) exit(st *State, pc int) (*State, int, *verdict.Verdict) {
	r0 := st.Reg(isa.R0)
	if !r0.IsInit() {
		return nil, 0, reject(verdict.UninitializedRead, pc, "r0 is not initialized at exit")
	}

	if len(st.Frames) > 1 {
		depth := len(st.Frames) - 1
		if r0.IsPointer() && r0.Ptr.Region == domain.RegionStack && r0.Ptr.BaseID >= depth {
			return nil, 0, reject(verdict.MalformedHelperUse, pc, "returning a pointer to the callee stack")
		}
		site := st.Frame().CallSite
		st.Frames = st.Frames[:depth]
		caller := st.Frame()
		clobberArgs(caller)
		caller.Regs[isa.R0] = r0
		return st, site + 1, nil
	}

	if r0.IsPointer() {
		return nil, 0, reject(verdict.MalformedHelperUse, pc, "program returns a %v pointer", r0.Ptr.Region)
	}
	if leaked := st.Refs.Leaked(); len(leaked) > 0 {
		h := leaked[0]
		at := r.sitePC(h.ID)
		return nil, 0, rejectID(verdict.LeakedReference, pc, at, "handle acquired at pc %d is %v at exit", at, h.State)
	}
	return nil, 0, nil
}
