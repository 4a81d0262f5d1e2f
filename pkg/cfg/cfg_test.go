package cfg

import (
	"errors"
	"strings"
	"testing"

	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBuild(t *testing.T, prog []isa.Instruction) *Graph {
	t.Helper()
	g, err := Build(prog)
	require.NoError(t, err)
	return g
}

func TestBuildDiamond(t *testing.T) {
	prog := isa.NewBuilder().
		Mov64Imm(isa.R0, 0).                     // 0
		JmpImm(isa.JmpJeq, isa.R1, 0, "else").   // 1
		Mov64Imm(isa.R0, 1).                     // 2
		Ja("join").                              // 3
		Label("else").Mov64Imm(isa.R0, 2).       // 4
		Label("join").Exit().                    // 5
		MustProgram()

	g := mustBuild(t, prog)
	require.Len(t, g.Blocks, 4)

	assert.Equal(t, []int{2, 4}, g.Blocks[0].Succs, "fallthrough first, target second")
	assert.Equal(t, []int{5}, g.Blocks[2].Succs)
	assert.ElementsMatch(t, []int{2, 4}, g.Blocks[5].Preds)
	assert.Empty(t, g.Blocks[5].Succs)

	rpo := g.RPO(0)
	assert.Equal(t, 0, rpo[0])
	assert.Equal(t, 5, rpo[len(rpo)-1])
	assert.Empty(t, g.BackEdges())
	assert.Empty(t, g.Unreachable())
}

func TestBuildPartitionsProgram(t *testing.T) {
	prog := isa.NewBuilder().
		LoadImm64(isa.R1, 1<<33).
		JmpImm(isa.JmpJgt, isa.R1, 3, "big").
		Mov64Imm(isa.R0, 0).
		Exit().
		Label("big").Mov64Imm(isa.R0, 1).
		Exit().
		MustProgram()

	g := mustBuild(t, prog)
	covered := make([]int, len(prog))
	for _, b := range g.Blocks {
		for pc := b.Start; pc < b.End; pc++ {
			covered[pc]++
		}
	}
	for pc, n := range covered {
		if n != 1 {
			t.Errorf("slot %d covered %d times, want 1", pc, n)
		}
	}
}

func TestLoopDetection(t *testing.T) {
	prog := isa.NewBuilder().
		Mov64Imm(isa.R6, 0).
		Mov64Imm(isa.R7, 0).
		Label("head").
		JmpImm(isa.JmpJge, isa.R6, 10, "out").
		ALU64Imm(isa.AluAdd, isa.R7, 3).
		ALU64Imm(isa.AluAdd, isa.R6, 1).
		Ja("head").
		Label("out").
		Mov64Reg(isa.R0, isa.R7).
		Exit().
		MustProgram()

	g := mustBuild(t, prog)
	require.True(t, g.IsLoopHeader(2))
	assert.Equal(t, []Edge{{From: 3, To: 2}}, g.BackEdges())

	loop, ok := g.Loop(2)
	require.True(t, ok)
	assert.True(t, loop.Body[2])
	assert.True(t, loop.Body[3])
	assert.False(t, loop.Body[6])
	assert.True(t, loop.Guards[isa.R6])
	assert.False(t, loop.Guards[isa.R7])
}

func TestGuardClosureFollowsCopies(t *testing.T) {
	prog := isa.NewBuilder().
		Mov64Imm(isa.R6, 0).
		Label("head").
		Mov64Reg(isa.R1, isa.R6).
		JmpImm(isa.JmpJge, isa.R1, 10, "out").
		ALU64Imm(isa.AluAdd, isa.R6, 1).
		Ja("head").
		Label("out").
		Mov64Imm(isa.R0, 0).
		Exit().
		MustProgram()

	g := mustBuild(t, prog)
	loop, ok := g.Loop(1)
	require.True(t, ok)
	assert.True(t, loop.Guards[isa.R1])
	assert.True(t, loop.Guards[isa.R6], "r6 flows into the compared register")
}

func TestLocalCalls(t *testing.T) {
	prog := isa.NewBuilder().
		Mov64Imm(isa.R1, 1).
		CallLocal("double").
		Exit().
		Label("double").
		Mov64Reg(isa.R0, isa.R1).
		ALU64Reg(isa.AluAdd, isa.R0, isa.R1).
		Exit().
		MustProgram()

	g := mustBuild(t, prog)
	assert.Equal(t, []int{0, 3}, g.Funcs)
	assert.Equal(t, map[int]int{1: 3}, g.Calls)
	assert.Equal(t, []int{2}, g.Blocks[0].Succs, "call block continues at the return site")
	assert.Equal(t, 3, g.Blocks[3].Func)
	assert.Empty(t, g.Unreachable())
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		prog []isa.Instruction
		want error
	}{
		{
			name: "empty",
			prog: nil,
			want: isa.ErrEmptyProgram,
		},
		{
			name: "target past end",
			prog: []isa.Instruction{{Op: isa.OpJa, Off: 5}, {Op: isa.OpExit}},
			want: isa.ErrBadTarget,
		},
		{
			name: "target before start",
			prog: []isa.Instruction{{Op: isa.OpJa, Off: -3}, {Op: isa.OpExit}},
			want: isa.ErrBadTarget,
		},
		{
			name: "target inside wide load",
			prog: []isa.Instruction{{Op: isa.OpJa, Off: 1}, isa.LoadImm64(isa.R0, 0), {}, {Op: isa.OpExit}},
			want: isa.ErrBadTarget,
		},
		{
			name: "falls off the end",
			prog: []isa.Instruction{isa.ALU64Imm(isa.AluMov, isa.R0, 0)},
			want: isa.ErrOpenBlock,
		},
		{
			name: "conditional at end",
			prog: []isa.Instruction{{Op: isa.OpJa, Off: 1}, {Op: isa.OpExit}, {Op: isa.ClassJmp | isa.JmpJeq, Off: -2}},
			want: isa.ErrOpenBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.prog)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, isa.ErrMalformedProgram) {
				t.Errorf("Build() error = %v does not match ErrMalformedProgram", err)
			}
		})
	}
}

func TestUnreachable(t *testing.T) {
	prog := isa.NewBuilder().
		Mov64Imm(isa.R0, 0).
		Exit().
		Mov64Imm(isa.R0, 1).
		Exit().
		MustProgram()

	g := mustBuild(t, prog)
	assert.Equal(t, []int{2}, g.Unreachable())
}

func TestDot(t *testing.T) {
	prog := isa.NewBuilder().
		Mov64Imm(isa.R0, 0).
		Label("head").
		ALU64Imm(isa.AluAdd, isa.R0, 1).
		JmpImm(isa.JmpJlt, isa.R0, 4, "head").
		Exit().
		MustProgram()

	out := mustBuild(t, prog).Dot(prog)
	assert.True(t, strings.HasPrefix(out, "digraph"))
	assert.Contains(t, out, "dashed")
	assert.Contains(t, out, `label="b0\n0: `)
	assert.Contains(t, out, `label="b1\n1: `)
	assert.Contains(t, out, `label="b3\n3: `)
}
