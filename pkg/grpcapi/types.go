package grpcapi

import (
	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sentinel.Verifier"

// Method paths.
const (
	MethodVerify       = "/" + ServiceName + "/Verify"
	MethodLookup       = "/" + ServiceName + "/Lookup"
	MethodStats        = "/" + ServiceName + "/Stats"
	MethodVerifyStream = "/" + ServiceName + "/VerifyStream"
)

// VerifyRequest carries one manifest with inline base64 code.
type VerifyRequest struct {
	Manifest loader.Manifest `json:"manifest"`
}

// VerifyResponse is the outcome of one verification.
type VerifyResponse struct {
	ID       types.ProgramID `json:"id"`
	Report   *verdict.Report `json:"report"`
	Rendered string          `json:"rendered"`
	Cached   bool            `json:"cached"`

	// Error is set instead of Report for a stream item that failed.
	Error string `json:"error,omitempty"`
}

// LookupRequest asks for a cached verdict.
type LookupRequest struct {
	ID types.ProgramID `json:"id"`
}

// LookupResponse is a cached verdict.
type LookupResponse struct {
	Report   *verdict.Report `json:"report"`
	Rendered string          `json:"rendered"`
	StoredAt int64           `json:"storedAt"`
}

// StatsRequest asks for the node counters.
type StatsRequest struct{}
