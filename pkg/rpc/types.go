package rpc

import (
	"encoding/json"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding of the program code in a verifyProgram request.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// VerifyConfig configures verifyProgram requests.
type VerifyConfig struct {
	// Encoding of the manifest's code field. Defaults to base64.
	Encoding Encoding `json:"encoding,omitempty"`

	// FailOnReject turns a rejection into a ProgramRejected error.
	FailOnReject bool `json:"failOnReject,omitempty"`

	// Render includes the rendered report in the result.
	Render bool `json:"render,omitempty"`
}

// VerifyResult is the result of verifyProgram.
type VerifyResult struct {
	ID       types.ProgramID `json:"id"`
	Program  string          `json:"program"`
	Verdict  verdict.Verdict `json:"verdict"`
	Stats    verdict.Stats   `json:"stats"`
	Rendered string          `json:"rendered,omitempty"`
	Cached   bool            `json:"cached"`
}

// VerdictResult is the result of getVerdict.
type VerdictResult struct {
	ID       types.ProgramID `json:"id"`
	Report   *verdict.Report `json:"report"`
	Rendered string          `json:"rendered"`
	StoredAt int64           `json:"storedAt"`
}

// HelperInfo describes one helper in getHelpers.
type HelperInfo struct {
	ID        int32  `json:"id"`
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

// HelpersResult is the result of getHelpers.
type HelpersResult struct {
	Catalog string       `json:"catalog"`
	Helpers []HelperInfo `json:"helpers"`
}

// VersionResult is the result of getVersion.
type VersionResult struct {
	Sentinel string   `json:"sentinel"`
	Catalogs []string `json:"catalogs"`
}

// verifyParams is the positional form [manifest, config?].
type verifyParams struct {
	Manifest loader.Manifest
	Config   VerifyConfig
}
