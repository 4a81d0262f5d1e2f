package grpcapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

// Client errors.
var (
	ErrClosed = errors.New("grpc client closed")
)

// Client calls the sentinel.Verifier service.
type Client struct {
	config ClientConfig
	conn   *grpc.ClientConn
	closed atomic.Bool
}

// Dial connects to a sentinel.Verifier server.
func Dial(config ClientConfig) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(jsonCodec{}),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}

	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      expandToken(config.Token),
			requireTLS: config.UseTLS,
		}))
	}
	if config.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(config.Dialer))
	}

	//nolint:staticcheck // Dial keeps compatibility with older gRPC versions
	conn, err := grpc.Dial(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{config: config, conn: conn}, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if len(c.config.Headers) == 0 {
		return ctx
	}
	return metadata.NewOutgoingContext(ctx, metadata.New(c.config.Headers))
}

// Verify verifies one manifest carrying inline base64 code.
func (c *Client) Verify(ctx context.Context, m *loader.Manifest) (*VerifyResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	resp := new(VerifyResponse)
	if err := c.conn.Invoke(c.outgoing(ctx), MethodVerify, &VerifyRequest{Manifest: *m}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Lookup returns the cached verdict of a program.
func (c *Client) Lookup(ctx context.Context, id types.ProgramID) (*LookupResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	resp := new(LookupResponse)
	if err := c.conn.Invoke(c.outgoing(ctx), MethodLookup, &LookupRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stats returns the node counters.
func (c *Client) Stats(ctx context.Context) (*types.NodeStats, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	resp := new(types.NodeStats)
	if err := c.conn.Invoke(c.outgoing(ctx), MethodStats, &StatsRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// VerifyAll streams the manifests to the server and returns one response
// per manifest, in order.
func (c *Client) VerifyAll(ctx context.Context, ms []*loader.Manifest) ([]*VerifyResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(c.outgoing(ctx))
	defer cancel()

	desc := &grpc.StreamDesc{
		StreamName:    "VerifyStream",
		ServerStreams: true,
		ClientStreams: true,
	}
	stream, err := c.conn.NewStream(ctx, desc, MethodVerifyStream)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		for _, m := range ms {
			if err := stream.SendMsg(&VerifyRequest{Manifest: *m}); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- stream.CloseSend()
	}()

	out := make([]*VerifyResponse, 0, len(ms))
	for {
		resp := new(VerifyResponse)
		if err := stream.RecvMsg(resp); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		out = append(out, resp)
	}
	if err := <-sendErr; err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	return c.conn.Close()
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		TokenHeader: t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}
