package node

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/fortiblox/X1-Sentinel/pkg/cache"
	"github.com/fortiblox/X1-Sentinel/pkg/config"
	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RPC.Enabled = false
	return &cfg
}

func newNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func manifest(name string, b *isa.Builder) *loader.Manifest {
	return &loader.Manifest{
		Name:    name,
		Helpers: "testing",
		Code:    base64.StdEncoding.EncodeToString(isa.Marshal(b.MustProgram())),
	}
}

func accepted() *isa.Builder { return isa.NewBuilder().Mov64Imm(isa.R0, 0).Exit() }

func rejected() *isa.Builder { return isa.NewBuilder().Exit() }

func TestNewNode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrConfigInvalid)

	n := newNode(t, testConfig(t))
	if n.store == nil {
		t.Fatal("expected the default cache to be opened")
	}
	assert.Equal(t, config.DefaultConfig().Verifier.Options, n.Options())
}

func TestVerify(t *testing.T) {
	n := newNode(t, testConfig(t))
	ctx := context.Background()

	first, err := n.Verify(ctx, manifest("first", accepted()))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.True(t, first.Record.Report.Verdict.IsAccept())

	second, err := n.Verify(ctx, manifest("second", accepted()))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "second", second.Record.Report.Program)
	assert.Contains(t, second.Record.Rendered, "second ACCEPT")
	assert.True(t, first.Record.StoredAt.Equal(second.Record.StoredAt))

	bad, err := n.Verify(ctx, manifest("bad", rejected()))
	require.NoError(t, err)
	assert.Equal(t, verdict.UninitializedRead, bad.Record.Report.Verdict.Kind)

	_, err = n.Verify(ctx, manifest("open", isa.NewBuilder().Mov64Imm(isa.R0, 0)))
	assert.ErrorIs(t, err, isa.ErrMalformedProgram)

	_, err = n.Verify(ctx, &loader.Manifest{Name: "none"})
	assert.ErrorIs(t, err, loader.ErrInvalidManifest)

	st := n.Stats()
	assert.Equal(t, int64(2), st.Verified)
	assert.Equal(t, int64(1), st.Accepted)
	assert.Equal(t, int64(1), st.Rejected)
	assert.Equal(t, int64(1), st.Malformed)
	assert.Equal(t, int64(1), st.CacheHits)
	assert.Equal(t, int64(3), st.CacheMisses)
	assert.Equal(t, int64(2), st.CacheEntries)

	rec, err := n.Lookup(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Report.Program)
}

func TestVerifyOptionsChangeID(t *testing.T) {
	cfg := testConfig(t)
	a := newNode(t, cfg)

	cfg2 := testConfig(t)
	cfg2.Verifier.VisitBudget = 10
	b := newNode(t, cfg2)

	ra, err := a.Verify(context.Background(), manifest("p", accepted()))
	require.NoError(t, err)
	rb, err := b.Verify(context.Background(), manifest("p", accepted()))
	require.NoError(t, err)
	assert.NotEqual(t, ra.ID, rb.ID)
}

func TestVerifyWithoutCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = cache.BackendNone
	n := newNode(t, cfg)

	for i := 0; i < 2; i++ {
		out, err := n.Verify(context.Background(), manifest("p", accepted()))
		require.NoError(t, err)
		assert.False(t, out.Cached)
		_, err = n.Lookup(out.ID)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	}
	assert.Equal(t, int64(2), n.Stats().Verified)
	assert.Zero(t, n.Stats().CacheMisses)
}

func TestVerifyAll(t *testing.T) {
	cfg := testConfig(t)
	cfg.Verifier.Parallelism = 2
	n := newNode(t, cfg)

	var units []*loader.Unit
	for i, b := range []*isa.Builder{accepted(), rejected(), accepted()} {
		u, err := loader.Build(manifest(string(rune('a'+i)), b), "")
		require.NoError(t, err)
		units = append(units, u)
	}

	results, err := n.VerifyAll(context.Background(), units)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.True(t, results[0].Outcome.Record.Report.Verdict.IsAccept())
	assert.False(t, results[1].Outcome.Record.Report.Verdict.IsAccept())
	assert.Equal(t, results[0].Outcome.ID, results[2].Outcome.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err = n.VerifyAll(ctx, units)
	assert.ErrorIs(t, err, context.Canceled)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestCatalog(t *testing.T) {
	n := newNode(t, testConfig(t))

	table, err := n.Catalog("")
	require.NoError(t, err)
	assert.Equal(t, helpers.Kernel().Name(), table.Name())

	_, err = n.Catalog("posix")
	assert.ErrorIs(t, err, helpers.ErrUnknownCatalog)
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.RPC.Enabled = true
	cfg.RPC.Addr = "127.0.0.1:0"
	cfg.GRPC.Enabled = true
	cfg.GRPC.Addr = "127.0.0.1:0"
	n := newNode(t, cfg)

	if err := n.Stop(); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}

	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyRunning)

	status := n.Status()
	if !status.IsRunning {
		t.Error("expected IsRunning to be true after Start")
	}
	assert.Equal(t, "127.0.0.1:0", status.RPCAddr)
	assert.Equal(t, "127.0.0.1:0", status.GRPCAddr)

	require.NoError(t, n.Stop())
	assert.False(t, n.Status().IsRunning)
	assert.NoError(t, n.Status().LastError)

	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Close(), ErrClosed)
	assert.ErrorIs(t, n.Start(context.Background()), ErrClosed)
	_, err := n.Verify(context.Background(), manifest("p", accepted()))
	assert.ErrorIs(t, err, ErrClosed)
}
