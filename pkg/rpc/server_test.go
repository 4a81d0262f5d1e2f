package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/cache"
	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
	"github.com/fortiblox/X1-Sentinel/pkg/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend verifies in process and caches records in a map.
type memBackend struct {
	mu      sync.Mutex
	records map[types.ProgramID]*cache.Record
	stats   types.NodeStats
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[types.ProgramID]*cache.Record)}
}

func (b *memBackend) Verify(ctx context.Context, m *loader.Manifest) (*cache.Outcome, error) {
	u, err := loader.Build(m, "")
	if err != nil {
		return nil, err
	}
	opts := verifier.DefaultOptions()
	id := u.Program.ID(u.Helpers, opts)

	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.records[id]; ok {
		b.stats.CacheHits++
		return &cache.Outcome{ID: id, Record: rec, Cached: true}, nil
	}

	v, err := verifier.New(u.Helpers, opts)
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

func (b *memBackend) Lookup(id types.ProgramID) (*cache.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return rec, nil
}

func (b *memBackend) Catalog(name string) (*helpers.Table, error) {
	return helpers.ByName(name)
}

func (b *memBackend) Stats() types.NodeStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Helper function to create a test server with an in-process backend.
func newTestServer() (*Server, *memBackend) {
	backend := newMemBackend()
	config := DefaultConfig()
	config.Addr = "127.0.0.1:0"
	return New(config, backend), backend
}

// Helper function to make an RPC request.
func makeRPCRequest(t *testing.T, server *Server, method string, params interface{}) *Response {
	t.Helper()

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("Failed to marshal params: %v", err)
		}
	}

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
		Params:  paramsRaw,
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return &resp
}

// decodeResult re-decodes a generic result into out.
func decodeResult(t *testing.T, resp *Response, out interface{}) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %v", resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func code(t *testing.T, b *isa.Builder, enc Encoding) string {
	t.Helper()
	s, err := EncodeProgram(isa.Marshal(b.MustProgram()), enc)
	require.NoError(t, err)
	return s
}

func acceptProgram() *isa.Builder {
	return isa.NewBuilder().Mov64Imm(isa.R0, 0).Exit()
}

// rejectProgram exits without setting r0.
func rejectProgram() *isa.Builder {
	return isa.NewBuilder().Exit()
}

func TestGetHealth(t *testing.T) {
	server, _ := newTestServer()

	resp := makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	if result, ok := resp.Result.(string); !ok || result != "ok" {
		t.Errorf("Expected 'ok', got: %v", resp.Result)
	}

	server.SetHealthy(false)
	resp = makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error == nil || resp.Error.Code != NodeUnhealthy {
		t.Errorf("Expected NodeUnhealthy, got: %v", resp.Error)
	}
}

func TestGetVersion(t *testing.T) {
	server, _ := newTestServer()

	var result VersionResult
	decodeResult(t, makeRPCRequest(t, server, "getVersion", nil), &result)
	assert.Equal(t, Version, result.Sentinel)
	assert.Equal(t, Catalogs, result.Catalogs)
}

func TestVerifyProgram(t *testing.T) {
	tests := []struct {
		name     string
		prog     *isa.Builder
		encoding Encoding
		kind     verdict.Kind
	}{
		{"accept base64", acceptProgram(), EncodingBase64, verdict.Accept},
		{"accept base58", acceptProgram(), EncodingBase58, verdict.Accept},
		{"accept zstd", acceptProgram(), EncodingBase64Zstd, verdict.Accept},
		{"reject", rejectProgram(), EncodingBase64, verdict.UninitializedRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newTestServer()
			m := loader.Manifest{Name: tt.name, Helpers: "testing", Code: code(t, tt.prog, tt.encoding)}

			var result VerifyResult
			decodeResult(t, makeRPCRequest(t, server, "verifyProgram", []interface{}{
				m, VerifyConfig{Encoding: tt.encoding, Render: true},
			}), &result)

			assert.Equal(t, tt.kind, result.Verdict.Kind)
			assert.Equal(t, tt.name, result.Program)
			assert.False(t, result.Cached)
			assert.False(t, result.ID.IsZero())
			assert.NotEmpty(t, result.Rendered)
		})
	}
}

func TestVerifyProgramCached(t *testing.T) {
	server, backend := newTestServer()
	m := loader.Manifest{Name: "cached", Code: code(t, acceptProgram(), EncodingBase64)}

	var first, second VerifyResult
	decodeResult(t, makeRPCRequest(t, server, "verifyProgram", []interface{}{m}), &first)
	decodeResult(t, makeRPCRequest(t, server, "verifyProgram", []interface{}{m}), &second)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ID, second.ID)
	assert.Empty(t, first.Rendered)
	assert.Equal(t, int64(1), backend.Stats().CacheHits)

	var stats types.NodeStats
	decodeResult(t, makeRPCRequest(t, server, "getStats", nil), &stats)
	assert.Equal(t, int64(1), stats.Verified)

	var got VerdictResult
	decodeResult(t, makeRPCRequest(t, server, "getVerdict", []string{first.ID.String()}), &got)
	assert.Equal(t, first.ID, got.ID)
	assert.True(t, got.Report.Verdict.IsAccept())
	assert.Contains(t, got.Rendered, "ACCEPT")
}

func TestVerifyProgramErrors(t *testing.T) {
	server, _ := newTestServer()
	truncated, err := EncodeProgram([]byte{0x95, 0}, EncodingBase64)
	require.NoError(t, err)

	tests := []struct {
		name   string
		params interface{}
		code   int
	}{
		{"no params", []interface{}{}, InvalidParams},
		{"not an array", map[string]string{"code": "x"}, InvalidParams},
		{"file reference", []interface{}{loader.Manifest{Program: "/etc/passwd"}}, InvalidParams},
		{"missing code", []interface{}{loader.Manifest{Name: "empty"}}, InvalidParams},
		{"bad encoding", []interface{}{
			loader.Manifest{Code: code(t, acceptProgram(), EncodingBase64)},
			VerifyConfig{Encoding: "hex"},
		}, InvalidParams},
		{"bad entry", []interface{}{
			loader.Manifest{Code: code(t, acceptProgram(), EncodingBase64), Entry: "stack"},
		}, InvalidParams},
		{"truncated", []interface{}{loader.Manifest{Code: truncated}}, ProgramMalformed},
		{"open block", []interface{}{
			loader.Manifest{Code: code(t, isa.NewBuilder().Mov64Imm(isa.R0, 0), EncodingBase64)},
		}, ProgramMalformed},
		{"fail on reject", []interface{}{
			loader.Manifest{Helpers: "testing", Code: code(t, rejectProgram(), EncodingBase64)},
			VerifyConfig{FailOnReject: true},
		}, ProgramRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := makeRPCRequest(t, server, "verifyProgram", tt.params)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code, resp.Error.Message)
		})
	}
}

func TestRejectedErrorCarriesVerdict(t *testing.T) {
	server, _ := newTestServer()
	m := loader.Manifest{Helpers: "testing", Code: code(t, rejectProgram(), EncodingBase64)}

	resp := makeRPCRequest(t, server, "verifyProgram", []interface{}{m, VerifyConfig{FailOnReject: true}})
	require.NotNil(t, resp.Error)

	data, err := json.Marshal(resp.Error.Data)
	require.NoError(t, err)
	var v verdict.Verdict
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, verdict.UninitializedRead, v.Kind)
	assert.Equal(t, 0, v.PC)
}

func TestGetVerdictErrors(t *testing.T) {
	server, _ := newTestServer()

	resp := makeRPCRequest(t, server, "getVerdict", []string{"not-base58!"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	missing := types.NewProgramID([]byte("missing"))
	resp = makeRPCRequest(t, server, "getVerdict", []string{missing.String()})
	require.NotNil(t, resp.Error)
	assert.Equal(t, VerdictNotFound, resp.Error.Code)
}

func TestGetHelpers(t *testing.T) {
	server, _ := newTestServer()

	var kernel HelpersResult
	decodeResult(t, makeRPCRequest(t, server, "getHelpers", nil), &kernel)
	assert.Equal(t, "kernel", kernel.Catalog)
	require.NotEmpty(t, kernel.Helpers)
	assert.Equal(t, int32(1), kernel.Helpers[0].ID)
	assert.Equal(t, "map_lookup_elem", kernel.Helpers[0].Name)

	var tc HelpersResult
	decodeResult(t, makeRPCRequest(t, server, "getHelpers", []string{"testing"}), &tc)
	assert.Len(t, tc.Helpers, 8)

	resp := makeRPCRequest(t, server, "getHelpers", []string{"posix"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	server, _ := newTestServer()

	resp := makeRPCRequest(t, server, "nonExistentMethod", nil)
	if resp.Error == nil {
		t.Fatal("Expected error for non-existent method")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("Expected error code %d, got: %d", MethodNotFound, resp.Error.Code)
	}
}

func TestBatchRequest(t *testing.T) {
	server, _ := newTestServer()

	params, _ := json.Marshal([]interface{}{loader.Manifest{Code: code(t, acceptProgram(), EncodingBase64)}})
	requests := []Request{
		{JSONRPC: JSONRPCVersion, ID: 1, Method: "getHealth"},
		{JSONRPC: JSONRPCVersion, ID: 2, Method: "verifyProgram", Params: params},
		{JSONRPC: "1.0", ID: 3, Method: "getVersion"},
	}

	body, _ := json.Marshal(requests)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var responses []Response
	if err := json.Unmarshal(rr.Body.Bytes(), &responses); err != nil {
		t.Fatalf("Failed to unmarshal batch response: %v", err)
	}
	require.Len(t, responses, 3)
	assert.Nil(t, responses[0].Error)
	assert.Nil(t, responses[1].Error)
	require.NotNil(t, responses[2].Error)
	assert.Equal(t, InvalidRequest, responses[2].Error.Code)
}

func TestRejectsNonPost(t *testing.T) {
	server, _ := newTestServer()

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCORSHeaders(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://example.com")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status %d for OPTIONS, got: %d", http.StatusNoContent, rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Error("Expected CORS Allow-Origin header")
	}
}

func TestServerLifecycle(t *testing.T) {
	server, _ := newTestServer()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	<-ctx.Done()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Server did not stop in time")
	}
}

func TestEncoding(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}

	for _, enc := range []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd} {
		t.Run(string(enc), func(t *testing.T) {
			encoded, err := EncodeProgram(data, enc)
			require.NoError(t, err)
			decoded, err := DecodeProgram(encoded, enc)
			require.NoError(t, err)
			if !bytes.Equal(decoded, data) {
				t.Errorf("Decoded data doesn't match original")
			}
		})
	}

	_, err := DecodeProgram("AAAA", "hex")
	assert.Error(t, err)
}
