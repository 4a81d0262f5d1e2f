package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/cache"
	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
)

// Catalogs lists the helper catalogs a node serves.
var Catalogs = []string{"kernel", "testing"}

// Verification methods

// verifyProgram verifies a manifest carrying inline code.
// Params: [manifest, config?].
func (s *Server) verifyProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	p, rpcErr := parseVerifyParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	out, err := s.backend.Verify(ctx, &p.Manifest)
	if err != nil {
		return nil, verifyError(err)
	}

	rep := out.Record.Report
	if p.Config.FailOnReject && !rep.Verdict.IsAccept() {
		return nil, ProgramRejectedError(rep.Verdict)
	}

	res := VerifyResult{
		ID:      out.ID,
		Program: rep.Program,
		Verdict: rep.Verdict,
		Stats:   rep.Stats,
		Cached:  out.Cached,
	}
	if p.Config.Render {
		res.Rendered = out.Record.Rendered
	}
	return res, nil
}

func parseVerifyParams(params json.RawMessage) (*verifyParams, *RPCError) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing manifest parameter")
	}

	var p verifyParams
	if err := json.Unmarshal(args[0], &p.Manifest); err != nil {
		return nil, InvalidParamsError("invalid manifest")
	}
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &p.Config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	// The node never reads files on behalf of a client.
	if p.Manifest.Program != "" || p.Manifest.ELF != "" {
		return nil, InvalidParamsError("only inline code is accepted")
	}
	if p.Manifest.Code == "" {
		return nil, InvalidParamsError("missing code")
	}

	raw, err := DecodeProgram(p.Manifest.Code, p.Config.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid code: %v", err)
	}
	p.Manifest.Code, _ = EncodeProgram(raw, EncodingBase64)
	return &p, nil
}

func verifyError(err error) *RPCError {
	switch {
	case errors.Is(err, loader.ErrInvalidManifest):
		return InvalidParamsErrorf("%v", err)
	case errors.Is(err, isa.ErrMalformedProgram), errors.Is(err, isa.ErrTruncated):
		return ProgramMalformedError(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return InternalServerErrorf("verification cancelled: %v", err)
	}
	return InternalServerErrorf("verification failed: %v", err)
}

// getVerdict returns the cached report for a program id.
// Params: [id].
func (s *Server) getVerdict(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing id parameter")
	}

	id, err := types.ProgramIDFromBase58(args[0])
	if err != nil {
		return nil, InvalidParamsError("invalid id format")
	}

	rec, err := s.backend.Lookup(id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrVerdictNotFound
		}
		return nil, InternalServerErrorf("failed to get verdict: %v", err)
	}

	return VerdictResult{
		ID:       id,
		Report:   rec.Report,
		Rendered: rec.Rendered,
		StoredAt: rec.StoredAt.Unix(),
	}, nil
}

// Node methods

// getHelpers lists a helper catalog.
// Params: [catalog?].
func (s *Server) getHelpers(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	name := "kernel"
	if len(params) > 0 {
		var args []string
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("invalid params")
		}
		if len(args) > 0 && args[0] != "" {
			name = args[0]
		}
	}

	table, err := s.backend.Catalog(name)
	if err != nil {
		if errors.Is(err, helpers.ErrUnknownCatalog) {
			return nil, InvalidParamsErrorf("unknown catalog %q", name)
		}
		return nil, InternalServerErrorf("failed to get catalog: %v", err)
	}

	res := HelpersResult{Catalog: table.Name()}
	for _, id := range table.IDs() {
		e, _ := table.Lookup(id)
		res.Helpers = append(res.Helpers, HelperInfo{ID: id, Name: e.Name, Signature: e.Signature()})
	}
	return res, nil
}

func (s *Server) getStats(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.backend.Stats(), nil
}

func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionResult{Sentinel: Version, Catalogs: Catalogs}, nil
}
