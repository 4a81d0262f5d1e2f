// Package grpcapi serves the verifier over gRPC with a JSON codec and a
// hand-written service descriptor.
package grpcapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/cache"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Server errors.
var (
	ErrAlreadyRunning = errors.New("grpc server already running")
)

// Backend verifies manifests and serves cached verdicts.
type Backend interface {
	Verify(ctx context.Context, m *loader.Manifest) (*cache.Outcome, error)
	Lookup(id types.ProgramID) (*cache.Record, error)
	Stats() types.NodeStats
}

// VerifierServer is the server side of the sentinel.Verifier service.
type VerifierServer interface {
	Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error)
	Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error)
	Stats(ctx context.Context, req *StatsRequest) (*types.NodeStats, error)
	VerifyStream(stream grpc.ServerStream) error
}

// ServiceDesc describes the sentinel.Verifier service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: verifyHandler},
		{MethodName: "Lookup", Handler: lookupHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "VerifyStream",
			Handler:       verifyStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func verifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(VerifyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodVerify}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VerifierServer).Verify(ctx, req.(*VerifyRequest))
	})
}

func lookupHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LookupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodLookup}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VerifierServer).Lookup(ctx, req.(*LookupRequest))
	})
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStats}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VerifierServer).Stats(ctx, req.(*StatsRequest))
	})
}

func verifyStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(VerifierServer).VerifyStream(stream)
}

// Server is the gRPC front end of a node.
type Server struct {
	config  Config
	backend Backend

	mu      sync.Mutex
	grpc    *grpc.Server
	running bool
}

// NewServer creates a gRPC server.
func NewServer(config Config, backend Backend) *Server {
	return &Server{
		config:  config.WithDefaults(),
		backend: backend,
	}
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		ln.Close()
		return ErrAlreadyRunning
	}
	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
		grpc.MaxSendMsgSize(s.config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             s.config.KeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.unaryAuth),
		grpc.ChainStreamInterceptor(s.streamAuth),
	)
	s.grpc.RegisterService(&ServiceDesc, s)
	s.running = true
	gs := s.grpc
	s.mu.Unlock()

	log.Printf("[GRPC] Server listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.grpc.GracefulStop()
	s.running = false
	log.Printf("[GRPC] Server stopped")
}

// Verify implements VerifierServer.
func (s *Server) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	if req.Manifest.Program != "" || req.Manifest.ELF != "" {
		return nil, status.Error(codes.InvalidArgument, "only inline code is accepted")
	}
	if req.Manifest.Code == "" {
		return nil, status.Error(codes.InvalidArgument, "missing code")
	}

	out, err := s.backend.Verify(ctx, &req.Manifest)
	if err != nil {
		return nil, statusError(err)
	}
	return &VerifyResponse{
		ID:       out.ID,
		Report:   out.Record.Report,
		Rendered: out.Record.Rendered,
		Cached:   out.Cached,
	}, nil
}

// Lookup implements VerifierServer.
func (s *Server) Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	rec, err := s.backend.Lookup(req.ID)
	if err != nil {
		return nil, statusError(err)
	}
	return &LookupResponse{
		Report:   rec.Report,
		Rendered: rec.Rendered,
		StoredAt: rec.StoredAt.Unix(),
	}, nil
}

// Stats implements VerifierServer.
func (s *Server) Stats(ctx context.Context, req *StatsRequest) (*types.NodeStats, error) {
	st := s.backend.Stats()
	return &st, nil
}

// VerifyStream implements VerifierServer. Each received request is answered
// by one response in order; a failed item carries its error in the response.
func (s *Server) VerifyStream(stream grpc.ServerStream) error {
	for {
		req := new(VerifyRequest)
		if err := stream.RecvMsg(req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		resp, err := s.Verify(stream.Context(), req)
		if err != nil {
			resp = &VerifyResponse{Error: status.Convert(err).Message()}
		}
		if err := stream.SendMsg(resp); err != nil {
			return err
		}
	}
}

func (s *Server) authorize(ctx context.Context) error {
	want := expandToken(s.config.Token)
	if want == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	got := md.Get(TokenHeader)
	if len(got) == 0 || subtle.ConstantTimeCompare([]byte(got[0]), []byte(want)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid or missing token")
	}
	return nil
}

func (s *Server) unaryAuth(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Server) streamAuth(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.authorize(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

// statusError maps backend errors onto gRPC status codes.
func statusError(err error) error {
	switch {
	case errors.Is(err, loader.ErrInvalidManifest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, isa.ErrMalformedProgram), errors.Is(err, isa.ErrTruncated):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, cache.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}
