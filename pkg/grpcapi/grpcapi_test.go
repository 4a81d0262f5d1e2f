package grpcapi

import (
	"context"
	"encoding/base64"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/cache"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
	"github.com/fortiblox/X1-Sentinel/pkg/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeBackend struct {
	mu      sync.Mutex
	records map[types.ProgramID]*cache.Record
	stats   types.NodeStats
}

func (b *fakeBackend) Verify(ctx context.Context, m *loader.Manifest) (*cache.Outcome, error) {
	u, err := loader.Build(m, "")
	if err != nil {
		return nil, err
	}
	id := u.Program.ID(u.Helpers, verifier.DefaultOptions())

	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.records[id]; ok {
		b.stats.CacheHits++
		return &cache.Outcome{ID: id, Record: rec, Cached: true}, nil
	}
	v, err := verifier.New(u.Helpers, verifier.DefaultOptions())
	if err != nil {
		return nil, err
	}
	rep, err := v.Verify(u.Program)
	if err != nil {
		return nil, err
	}
	rec, err := cache.NewRecord(rep)
	if err != nil {
		return nil, err
	}
	b.records[id] = rec
	b.stats.Verified++
	return &cache.Outcome{ID: id, Record: rec}, nil
}

func (b *fakeBackend) Lookup(id types.ProgramID) (*cache.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.records[id]; ok {
		return rec, nil
	}
	return nil, cache.ErrNotFound
}

func (b *fakeBackend) Stats() types.NodeStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// startServer serves a fresh backend over an in-memory listener.
func startServer(t *testing.T, config Config) (*Client, *fakeBackend) {
	t.Helper()
	return startServerWithClient(t, config, ClientConfig{})
}

func startServerWithClient(t *testing.T, config Config, cc ClientConfig) (*Client, *fakeBackend) {
	t.Helper()

	backend := &fakeBackend{records: make(map[types.ProgramID]*cache.Record)}
	server := NewServer(config, backend)
	ln := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	cc.Endpoint = "bufnet"
	cc.Dialer = func(ctx context.Context, _ string) (net.Conn, error) {
		return ln.DialContext(ctx)
	}
	client, err := Dial(cc)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop in time")
		}
	})
	return client, backend
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

func TestVerify(t *testing.T) {
	client, backend := startServer(t, Config{})
	ctx := context.Background()

	resp, err := client.Verify(ctx, manifest("ok", accepted()))
	require.NoError(t, err)
	assert.True(t, resp.Report.Verdict.IsAccept())
	assert.Equal(t, "ok", resp.Report.Program)
	assert.False(t, resp.Cached)
	assert.Contains(t, resp.Rendered, "ACCEPT")

	again, err := client.Verify(ctx, manifest("ok", accepted()))
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, resp.ID, again.ID)

	bad, err := client.Verify(ctx, manifest("bad", rejected()))
	require.NoError(t, err)
	assert.Equal(t, verdict.UninitializedRead, bad.Report.Verdict.Kind)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, backend.Stats(), *stats)
	assert.Equal(t, int64(2), stats.Verified)
	assert.Equal(t, int64(1), stats.CacheHits)

	got, err := client.Lookup(ctx, resp.ID)
	require.NoError(t, err)
	assert.True(t, got.Report.Verdict.IsAccept())
	assert.NotZero(t, got.StoredAt)
}

func TestVerifyErrors(t *testing.T) {
	client, _ := startServer(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		m    *loader.Manifest
		code codes.Code
	}{
		{"file reference", &loader.Manifest{Program: "prog.bin"}, codes.InvalidArgument},
		{"missing code", &loader.Manifest{Name: "empty"}, codes.InvalidArgument},
		{"bad base64", &loader.Manifest{Code: "!!"}, codes.InvalidArgument},
		{"unknown catalog", &loader.Manifest{Code: manifest("x", accepted()).Code, Helpers: "posix"}, codes.InvalidArgument},
		{"open block", manifest("open", isa.NewBuilder().Mov64Imm(isa.R0, 0)), codes.FailedPrecondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Verify(ctx, tt.m)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err), err.Error())
		})
	}

	_, err := client.Lookup(ctx, types.NewProgramID([]byte("missing")))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestVerifyAll(t *testing.T) {
	client, _ := startServer(t, Config{})

	ms := []*loader.Manifest{
		manifest("a", accepted()),
		manifest("b", rejected()),
		{Name: "c"},
		manifest("d", accepted()),
	}
	out, err := client.VerifyAll(context.Background(), ms)
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.True(t, out[0].Report.Verdict.IsAccept())
	assert.Equal(t, verdict.UninitializedRead, out[1].Report.Verdict.Kind)
	assert.Nil(t, out[2].Report)
	assert.Equal(t, "missing code", out[2].Error)
	assert.True(t, out[3].Cached)
}

func TestTokenAuth(t *testing.T) {
	t.Setenv("SENTINEL_TEST_TOKEN", "s3cret")
	config := Config{Token: "${SENTINEL_TEST_TOKEN}"}

	t.Run("missing token", func(t *testing.T) {
		client, _ := startServer(t, config)
		_, err := client.Stats(context.Background())
		assert.Equal(t, codes.Unauthenticated, status.Code(err))

		_, err = client.VerifyAll(context.Background(), []*loader.Manifest{manifest("a", accepted())})
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("valid token", func(t *testing.T) {
		client, _ := startServerWithClient(t, config, ClientConfig{Token: "s3cret"})
		_, err := client.Stats(context.Background())
		assert.NoError(t, err)
	})
}

func TestClientClosed(t *testing.T) {
	client, _ := startServer(t, Config{})
	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Close(), ErrClosed)

	_, err := client.Verify(context.Background(), manifest("a", accepted()))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfig(t *testing.T) {
	c := Config{}.WithDefaults()
	assert.Equal(t, DefaultMaxMessageSize, c.MaxMessageSize)
	assert.Equal(t, DefaultKeepaliveTime, c.KeepaliveTime)
	assert.NoError(t, c.Validate())

	c.MaxMessageSize = -1
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)

	cc := ClientConfig{}.WithDefaults()
	assert.ErrorIs(t, cc.Validate(), ErrNoEndpoint)
	cc.Endpoint = "localhost:8900"
	assert.NoError(t, cc.Validate())

	_, err := Dial(ClientConfig{})
	assert.ErrorIs(t, err, ErrNoEndpoint)
}
