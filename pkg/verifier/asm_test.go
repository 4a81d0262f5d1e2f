package verifier

import (
	"testing"

	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
	"github.com/stretchr/testify/require"
)

// Testing helper ids.
const (
	hNop     = 0
	hAssert  = 1
	hAsIs    = 2
	hAcquire = 3
	hUse     = 4
	hRelease = 5
	hPrintk  = 6
	hInput   = 7
)

// Kernel helper ids.
const (
	kLookup = 1
	kUpdate = 2
	kDelete = 3
)

func asm() *isa.Builder { return isa.NewBuilder() }

type progOption func(*Program)

func withMaps(maps map[int32]MapSpec) progOption {
	return func(p *Program) { p.Maps = maps }
}

func withEntry(e EntrySpec) progOption {
	return func(p *Program) { p.Entry = e }
}

func program(t *testing.T, b *isa.Builder, opts ...progOption) *Program {
	t.Helper()
	insns, err := b.Program()
	require.NoError(t, err)
	p := &Program{Name: t.Name(), Instructions: insns}
	for _, o := range opts {
		o(p)
	}
	return p
}

func verifyWith(t *testing.T, table *helpers.Table, o Options, b *isa.Builder, opts ...progOption) *verdict.Report {
	t.Helper()
	v, err := New(table, o)
	require.NoError(t, err)
	rep, err := v.Verify(program(t, b, opts...))
	require.NoError(t, err)
	return rep
}

// verify runs b against the testing catalog with default options.
func verify(t *testing.T, b *isa.Builder, opts ...progOption) verdict.Verdict {
	t.Helper()
	return verifyWith(t, helpers.Testing(), DefaultOptions(), b, opts...).Verdict
}

// verifyKernel runs b against the kernel catalog with default options.
func verifyKernel(t *testing.T, b *isa.Builder, opts ...progOption) verdict.Verdict {
	t.Helper()
	return verifyWith(t, helpers.Kernel(), DefaultOptions(), b, opts...).Verdict
}

func requireAccept(t *testing.T, v verdict.Verdict) {
	t.Helper()
	require.True(t, v.IsAccept(), "expected ACCEPT, got %v", v)
}

func requireReject(t *testing.T, v verdict.Verdict, kind verdict.Kind, pc int) {
	t.Helper()
	require.Equal(t, kind, v.Kind, "verdict: %v", v)
	require.Equal(t, pc, v.PC, "verdict: %v", v)
}
