// Package verifier implements the abstract interpreter that proves BPF
// programs memory safe, reference safe and terminating.
package verifier

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fortiblox/X1-Sentinel/pkg/cfg"
	"github.com/fortiblox/X1-Sentinel/pkg/domain"
	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/refs"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
	"golang.org/x/exp/maps"
)

var (
	// ErrUnreachable is returned for programs with code that cannot run.
	ErrUnreachable = errors.New("unreachable code")

	// ErrNoHelpers is returned when a verifier is built without a helper table.
	ErrNoHelpers = errors.New("no helper table")
)

// Verifier checks programs against one helper table. It holds no per-run
// state and is safe for concurrent use.
type Verifier struct {
	helpers *helpers.Table
	opts    Options
}

// New creates a verifier.
func New(table *helpers.Table, opts Options) (*Verifier, error) {
	if table == nil {
		return nil, ErrNoHelpers
	}
	return &Verifier{helpers: table, opts: opts.withDefaults()}, nil
}

// Helpers returns the helper table.
func (v *Verifier) Helpers() *helpers.Table { return v.helpers }

// Options returns the effective options.
func (v *Verifier) Options() Options { return v.opts }

// Verify analyzes prog. A rejected program is reported in the returned
// report; an error is returned only for programs that are malformed.
func (v *Verifier) Verify(prog *Program) (*verdict.Report, error) {
	if err := isa.Validate(prog.Instructions); err != nil {
		return nil, err
	}
	g, err := cfg.Build(prog.Instructions)
	if err != nil {
		return nil, err
	}
	if dead := g.Unreachable(); len(dead) > 0 && v.opts.RejectUnreachable {
		return nil, isa.Errorf(dead[0], ErrUnreachable, "block at pc %d is never executed", dead[0])
	}

	r := newRun(v, prog, g)
	vd := r.analyze()
	rep := &verdict.Report{
		Program: prog.Name,
		Verdict: vd,
		Stats:   r.stats,
		Trace:   r.trace,
	}
	rep.Stats.Instructions = int(r.meter.Consumed())
	rep.Stats.States = len(r.states)
	if !vd.IsAccept() && vd.PC >= 0 && vd.PC < len(prog.Instructions) {
		rep.Instruction = prog.Instructions[vd.PC].String()
	}
	return rep, nil
}

// key identifies one abstract state: a block entry in a call context.
type key struct {
	pc  int
	ctx string
}

func (k key) depth() int {
	if k.ctx == "" {
		return 0
	}
	return strings.Count(k.ctx, "/") + 1
}

// run is the state of one verification.
type run struct {
	prog    *Program
	insns   []isa.Instruction
	entry   EntrySpec
	g       *cfg.Graph
	helpers *helpers.Table
	opts    Options
	meter   *Meter

	states  map[key]*State
	visits  map[key]int
	pending map[key]bool

	// loops maps a block to the headers of the loops containing it.
	loops  map[int][]int
	exited map[key]bool

	// ids is the arena of helper call sites that issue handles and lookup
	// tags, indexed in first-visit order.
	ids   map[site]int
	sites []site

	stats verdict.Stats
	trace []string
}

func newRun(v *Verifier, prog *Program, g *cfg.Graph) *run {
	entry := prog.Entry
	if entry.Kind == EntryContext && entry.Size == 0 && len(entry.Fields) == 0 {
		entry = PacketEntry()
	}
	r := &run{
		prog:    prog,
		insns:   prog.Instructions,
		entry:   entry,
		g:       g,
		helpers: v.helpers,
		opts:    v.opts,
		meter:   NewMeter(v.opts.InstructionBudget),
		states:  make(map[key]*State),
		visits:  make(map[key]int),
		pending: make(map[key]bool),
		loops:   make(map[int][]int),
		exited:  make(map[key]bool),
		ids:     make(map[site]int),
	}
	for pc := range g.Blocks {
		if l, ok := g.Loop(pc); ok {
			for body := range l.Body {
				r.loops[body] = append(r.loops[body], pc)
			}
		}
	}
	return r
}

// site is one helper call in one call context.
type site struct {
	ctx string
	pc  int
}

// siteID returns the arena index of the helper call at pc in the call
// context of st.
func (r *run) siteID(st *State, pc int) int {
	s := site{ctx: st.Context(), pc: pc}
	id, ok := r.ids[s]
	if !ok {
		id = len(r.sites)
		r.ids[s] = id
		r.sites = append(r.sites, s)
	}
	return id
}

// sitePC returns the PC of the call that issued a handle id or lookup tag.
func (r *run) sitePC(id int) int {
	return r.sites[refs.Origin(id)].pc
}

func (r *run) initial() *State {
	st := &State{Frames: []Frame{newFrame(0, -1)}}
	switch r.entry.Kind {
	case EntryContext:
		st.SetReg(isa.R1, domain.PointerValue(domain.Pointer{
			Region: domain.RegionContext,
			Length: domain.Known(r.entry.Size),
			Tag:    domain.NoTag,
		}))
	case EntryScalar:
		st.SetReg(isa.R1, domain.ScalarValue(domain.Top()))
	}
	return st
}

// next pops the pending entry with the deepest call context, then the
// lowest reverse-postorder priority.
func (r *run) next() key {
	var best key
	first := true
	for k := range r.pending {
		if first || r.before(k, best) {
			best, first = k, false
		}
	}
	delete(r.pending, best)
	return best
}

func (r *run) before(a, b key) bool {
	if da, db := a.depth(), b.depth(); da != db {
		return da > db
	}
	if pa, pb := r.g.Priority(a.pc), r.g.Priority(b.pc); pa != pb {
		return pa < pb
	}
	if a.pc != b.pc {
		return a.pc < b.pc
	}
	return a.ctx < b.ctx
}

func (r *run) analyze() verdict.Verdict {
	r.propagate(key{pc: -1}, key{pc: 0}, r.initial())
	for len(r.pending) > 0 {
		k := r.next()
		r.visits[k]++
		if r.visits[k] > r.opts.VisitBudget {
			return verdict.Reject(verdict.BudgetExceeded, k.pc, "block visited more than %d times", r.opts.VisitBudget)
		}
		r.stats.BlocksVisited++
		if v := r.visit(k); v != nil {
			return *v
		}
	}
	return r.checkLoops()
}

// visit interprets one block from its entry state and propagates the results.
func (r *run) visit(k key) *verdict.Verdict {
	st := r.states[k].Clone()
	b := r.g.Blocks[k.pc]
	for pc := b.Start; pc < b.End; pc += r.insns[pc].Slots() {
		ins := r.insns[pc]
		if err := r.meter.Consume(1); err != nil {
			return reject(verdict.BudgetExceeded, k.pc, "%v after %d instructions", err, r.meter.Limit())
		}
		r.observe(pc, ins, st)

		switch {
		case ins.IsConditional():
			taken, fall, v := r.branch(st, pc, ins)
			if v != nil {
				return v
			}
			if fall != nil {
				r.propagate(k, key{b.Succs[0], k.ctx}, fall)
			}
			if taken != nil {
				r.propagate(k, key{b.Succs[1], k.ctx}, taken)
			}
			return nil
		case ins.IsJa():
			r.propagate(k, key{b.Succs[0], k.ctx}, st)
			return nil
		case ins.IsLocalCall():
			if v := r.localCall(st, pc, ins); v != nil {
				return v
			}
			r.propagate(k, key{ins.Target(pc), st.Context()}, st)
			return nil
		case ins.IsExit():
			ret, site, v := r.exit(st, pc)
			if v != nil {
				return v
			}
			for _, h := range r.loops[k.pc] {
				r.exited[key{h, k.ctx}] = true
			}
			if ret != nil {
				r.propagate(k, key{site, ret.Context()}, ret)
			}
			return nil
		}

		if v := r.step(st, pc, ins); v != nil {
			return v
		}
	}
	r.propagate(k, key{b.Succs[0], k.ctx}, st)
	return nil
}

// propagate merges st into the entry state of to.
func (r *run) propagate(from, to key, st *State) {
	if from.ctx == to.ctx {
		for _, h := range r.loops[from.pc] {
			if l, _ := r.g.Loop(h); !l.Body[to.pc] {
				r.exited[key{h, to.ctx}] = true
			}
		}
	}

	old, ok := r.states[to]
	if !ok {
		r.states[to] = st
		r.pending[to] = true
		return
	}
	joined := old.Join(st)
	if l, ok := r.g.Loop(to.pc); ok && r.visits[to] >= r.opts.WidenAfter {
		joined = old.Widen(joined, l.Guards)
	}
	if joined.Equal(old) {
		return
	}
	r.states[to] = joined
	r.pending[to] = true
}

// checkLoops rejects loops that the fixed point shows can never be left.
func (r *run) checkLoops() verdict.Verdict {
	keys := maps.Keys(r.states)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pc != keys[j].pc {
			return keys[i].pc < keys[j].pc
		}
		return keys[i].ctx < keys[j].ctx
	})
	for _, k := range keys {
		if r.g.IsLoopHeader(k.pc) && !r.exited[k] {
			return verdict.Reject(verdict.BudgetExceeded, k.pc, "loop at pc %d never exits", k.pc)
		}
	}
	return verdict.Accepted()
}

func (r *run) observe(pc int, ins isa.Instruction, st *State) {
	if r.opts.Tracer != nil {
		r.opts.Tracer(pc, ins, st)
	}
	if len(r.trace) < r.opts.TraceLimit {
		r.trace = append(r.trace, fmt.Sprintf("%4d: %-32v ; %v", pc, ins, st))
	}
}
