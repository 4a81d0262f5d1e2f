// Package rpc implements the JSON-RPC 2.0 interface of the verification node.
//
// Supported methods:
//   - verifyProgram: verify a manifest with inline code
//   - getVerdict: cached report by program id
//   - getHelpers: helper catalog listing
//   - getStats: node counters
//   - getHealth: node health status
//   - getVersion: node version
package rpc

import (
	"context"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/cache"
	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
)

// Version information.
const (
	Version = "sentinel-1.0.0"
)

// Backend is the verification service the server exposes.
type Backend interface {
	// Verify checks the program described by m.
	Verify(ctx context.Context, m *loader.Manifest) (*cache.Outcome, error)

	// Lookup returns the cached record for id.
	Lookup(id types.ProgramID) (*cache.Record, error)

	// Catalog returns a helper table by name.
	Catalog(name string) (*helpers.Table, error)

	// Stats returns the node counters.
	Stats() types.NodeStats
}
