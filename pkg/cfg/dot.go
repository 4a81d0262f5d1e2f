package cfg

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Dot renders the graph in Graphviz format. Each node is labelled with the
// block name followed by its disassembly; back-edges are dashed.
func (g *Graph) Dot(prog []isa.Instruction) string {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "TB")

	starts := maps.Keys(g.Blocks)
	slices.Sort(starts)

	nodes := make(map[int]dot.Node, len(starts))
	for _, start := range starts {
		b := g.Blocks[start]
		var sb strings.Builder
		fmt.Fprintf(&sb, "b%d\n", start)
		for pc := b.Start; pc < b.End; pc += prog[pc].Slots() {
			fmt.Fprintf(&sb, "%d: %v\n", pc, prog[pc])
		}
		n := graph.Node(fmt.Sprintf("b%d", start)).Box().Label(sb.String())
		if !g.reachable[start] {
			n.Attr("style", "dotted")
		}
		if g.IsLoopHeader(start) {
			n.Attr("color", "blue")
		}
		nodes[start] = n
	}

	for _, start := range starts {
		b := g.Blocks[start]
		for i, s := range b.Succs {
			e := graph.Edge(nodes[start], nodes[s])
			if len(b.Succs) == 2 {
				if i == 0 {
					e.Label("false")
				} else {
					e.Label("true")
				}
			}
			if g.IsBackEdge(start, s) {
				e.Attr("style", "dashed")
			}
		}
	}

	calls := maps.Keys(g.Calls)
	slices.Sort(calls)
	for _, pc := range calls {
		from, ok := g.BlockAt(pc)
		if !ok {
			continue
		}
		graph.Edge(nodes[from.Start], nodes[g.Calls[pc]]).Attr("style", "dotted").Label("call")
	}
	return graph.String()
}
