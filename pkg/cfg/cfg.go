// Package cfg reconstructs the control-flow graph of a BPF program: basic
// blocks, per-function reverse postorder, back-edges and natural loops.
package cfg

import (
	"sort"

	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Block is a maximal straight-line instruction range [Start, End).
type Block struct {
	Start int
	End   int

	// Succs lists successor entry PCs. For a conditional terminator the
	// fallthrough comes first and the branch target second. A block ending in
	// a local call has the return site as its only successor.
	Succs []int
	Preds []int

	// Func is the entry PC of the function containing the block.
	Func int
}

// Last returns the PC of the block's final instruction.
func (b *Block) Last(prog []isa.Instruction) int {
	pc := b.Start
	for next := pc + prog[pc].Slots(); next < b.End; next += prog[next].Slots() {
		pc = next
	}
	return pc
}

// Edge is a control-flow edge between block entry PCs.
type Edge struct {
	From int
	To   int
}

// Loop is a natural loop identified by its header.
type Loop struct {
	Header int

	// Body holds the entry PCs of every block in the loop, header included.
	Body map[int]bool

	// Guards are the registers compared by conditional terminators inside
	// the loop. Their ranges are iterated exactly instead of being widened.
	Guards map[isa.Register]bool
}

// Graph is the CFG of a whole program.
type Graph struct {
	Blocks map[int]*Block

	// Funcs lists function entry PCs in ascending order. Entry 0 is the program entry.
	Funcs []int

	// Calls maps the PC of each local call to its target function.
	Calls map[int]int

	backEdges map[Edge]bool
	loops     map[int]*Loop
	rpo       map[int][]int
	rpoIndex  map[int]int
	reachable map[int]bool
}

// Build reconstructs the CFG. The program must already satisfy isa.Validate.
func Build(prog []isa.Instruction) (*Graph, error) {
	if len(prog) == 0 {
		return nil, &isa.Error{PC: 0, Err: isa.ErrEmptyProgram}
	}

	g := &Graph{
		Blocks:    make(map[int]*Block),
		Calls:     make(map[int]int),
		backEdges: make(map[Edge]bool),
		loops:     make(map[int]*Loop),
		rpo:       make(map[int][]int),
		rpoIndex:  make(map[int]int),
		reachable: make(map[int]bool),
	}

	leaders, err := findLeaders(prog, g)
	if err != nil {
		return nil, err
	}

	starts := maps.Keys(leaders)
	slices.Sort(starts)
	for i, start := range starts {
		end := len(prog)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		g.Blocks[start] = &Block{Start: start, End: end, Func: -1}
	}

	for _, start := range starts {
		b := g.Blocks[start]
		last := b.Last(prog)
		ins := prog[last]
		next := last + ins.Slots()

		switch {
		case ins.IsExit():
		case ins.IsJa():
			b.Succs = []int{ins.Target(last)}
		case ins.IsConditional():
			if next >= len(prog) {
				return nil, isa.Errorf(last, isa.ErrOpenBlock, "conditional jump falls off the end")
			}
			b.Succs = []int{next, ins.Target(last)}
		default:
			if next >= len(prog) {
				return nil, isa.Errorf(last, isa.ErrOpenBlock, "program ends without exit")
			}
			b.Succs = []int{next}
		}
		for _, s := range b.Succs {
			g.Blocks[s].Preds = append(g.Blocks[s].Preds, start)
		}
	}

	g.Funcs = append(g.Funcs, 0)
	for _, target := range g.Calls {
		if !slices.Contains(g.Funcs, target) {
			g.Funcs = append(g.Funcs, target)
		}
	}
	slices.Sort(g.Funcs)

	for _, fn := range g.Funcs {
		g.order(fn)
	}
	g.markReachable()
	g.findLoops(prog)
	return g, nil
}

// findLeaders returns the set of block entry PCs and records local calls.
func findLeaders(prog []isa.Instruction, g *Graph) (map[int]bool, error) {
	leaders := map[int]bool{0: true}
	starts := make(map[int]bool, len(prog))
	for pc := 0; pc < len(prog); pc += prog[pc].Slots() {
		starts[pc] = true
	}

	checkTarget := func(pc, target int) error {
		if target < 0 || target >= len(prog) {
			return isa.Errorf(pc, isa.ErrBadTarget, "target %d outside [0,%d)", target, len(prog))
		}
		if !starts[target] {
			return isa.Errorf(pc, isa.ErrBadTarget, "target %d is inside a wide load", target)
		}
		return nil
	}

	for pc := 0; pc < len(prog); pc += prog[pc].Slots() {
		ins := prog[pc]
		next := pc + ins.Slots()
		switch {
		case ins.IsJa() || ins.IsConditional():
			target := ins.Target(pc)
			if err := checkTarget(pc, target); err != nil {
				return nil, err
			}
			leaders[target] = true
			if next < len(prog) {
				leaders[next] = true
			}
		case ins.IsLocalCall():
			target := ins.Target(pc)
			if err := checkTarget(pc, target); err != nil {
				return nil, err
			}
			g.Calls[pc] = target
			leaders[target] = true
			if next < len(prog) {
				leaders[next] = true
			}
		case ins.IsExit():
			if next < len(prog) {
				leaders[next] = true
			}
		}
	}
	return leaders, nil
}

// order computes the reverse postorder of the function starting at entry and
// records back-edges, defined as edges whose target does not come after the
// source block's entry.
func (g *Graph) order(entry int) {
	visited := make(map[int]bool)
	var post []int

	var visit func(pc int)
	visit = func(pc int) {
		visited[pc] = true
		b := g.Blocks[pc]
		if b.Func < 0 {
			b.Func = entry
		}
		for _, s := range b.Succs {
			if s <= pc {
				g.backEdges[Edge{From: pc, To: s}] = true
			}
			if !visited[s] {
				visit(s)
			}
		}
		post = append(post, pc)
	}
	visit(entry)

	rpo := make([]int, len(post))
	for i, pc := range post {
		rpo[len(post)-1-i] = pc
	}
	g.rpo[entry] = rpo
	for i, pc := range rpo {
		if _, ok := g.rpoIndex[pc]; !ok {
			g.rpoIndex[pc] = entry*len(g.Blocks) + i
		}
	}
}

func (g *Graph) markReachable() {
	work := []int{0}
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		if g.reachable[pc] {
			continue
		}
		g.reachable[pc] = true
		b := g.Blocks[pc]
		work = append(work, b.Succs...)
		for callPC, target := range g.Calls {
			if callPC >= b.Start && callPC < b.End {
				work = append(work, target)
			}
		}
	}
}

func (g *Graph) findLoops(prog []isa.Instruction) {
	edges := maps.Keys(g.backEdges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].From < edges[j].From
	})

	for _, e := range edges {
		loop, ok := g.loops[e.To]
		if !ok {
			loop = &Loop{
				Header: e.To,
				Body:   map[int]bool{e.To: true},
				Guards: make(map[isa.Register]bool),
			}
			g.loops[e.To] = loop
		}
		work := []int{e.From}
		for len(work) > 0 {
			pc := work[len(work)-1]
			work = work[:len(work)-1]
			if loop.Body[pc] {
				continue
			}
			loop.Body[pc] = true
			work = append(work, g.Blocks[pc].Preds...)
		}
	}

	for _, loop := range g.loops {
		for pc := range loop.Body {
			b := g.Blocks[pc]
			ins := prog[b.Last(prog)]
			if !ins.IsConditional() {
				continue
			}
			loop.Guards[ins.Dst] = true
			if ins.UsesReg() {
				loop.Guards[ins.Src] = true
			}
		}

		// Registers copied or combined into a guard are guards too.
		for changed := true; changed; {
			changed = false
			for pc := range loop.Body {
				b := g.Blocks[pc]
				for i := b.Start; i < b.End; i += prog[i].Slots() {
					ins := prog[i]
					if !ins.IsALU() || !ins.UsesReg() || ins.Src == isa.RFP {
						continue
					}
					if loop.Guards[ins.Dst] && !loop.Guards[ins.Src] {
						loop.Guards[ins.Src] = true
						changed = true
					}
				}
			}
		}
	}
}

// RPO returns the reverse postorder of the function starting at entry.
func (g *Graph) RPO(entry int) []int {
	return g.rpo[entry]
}

// Priority orders blocks for the worklist: lower values are processed first.
func (g *Graph) Priority(pc int) int {
	return g.rpoIndex[pc]
}

// IsBackEdge reports whether from->to closes a loop.
func (g *Graph) IsBackEdge(from, to int) bool {
	return g.backEdges[Edge{From: from, To: to}]
}

// BackEdges returns all back-edges sorted by source.
func (g *Graph) BackEdges() []Edge {
	edges := maps.Keys(g.backEdges)
	sort.Slice(edges, func(i, j int) bool { return edges[i].From < edges[j].From })
	return edges
}

// Loop returns the loop headed at pc, if any.
func (g *Graph) Loop(pc int) (*Loop, bool) {
	l, ok := g.loops[pc]
	return l, ok
}

// IsLoopHeader reports whether pc is the target of a back-edge.
func (g *Graph) IsLoopHeader(pc int) bool {
	_, ok := g.loops[pc]
	return ok
}

// Unreachable returns the entry PCs of blocks that cannot be reached from
// the program entry, in ascending order.
func (g *Graph) Unreachable() []int {
	var out []int
	for pc := range g.Blocks {
		if !g.reachable[pc] {
			out = append(out, pc)
		}
	}
	slices.Sort(out)
	return out
}

// BlockAt returns the block containing pc.
func (g *Graph) BlockAt(pc int) (*Block, bool) {
	for _, b := range g.Blocks {
		if pc >= b.Start && pc < b.End {
			return b, true
		}
	}
	return nil, false
}
