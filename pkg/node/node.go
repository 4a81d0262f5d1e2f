// Package node provides the orchestrator of a sentinel verification node.
//
// The Node ties together:
//   - the helper catalogs and verifier options
//   - the verdict cache
//   - the JSON-RPC and gRPC front ends
//
// It manages the lifecycle of these components and keeps the counters
// reported by getStats.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/cache"
	"github.com/fortiblox/X1-Sentinel/pkg/config"
	"github.com/fortiblox/X1-Sentinel/pkg/grpcapi"
	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"github.com/fortiblox/X1-Sentinel/pkg/rpc"
	"github.com/fortiblox/X1-Sentinel/pkg/verifier"
	"golang.org/x/sync/errgroup"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrClosed         = errors.New("node is closed")
)

// Node verifies programs, caches their verdicts and serves both over the
// network.
type Node struct {
	config config.Config
	opts   verifier.Options
	store  cache.Store

	rpcServer  *rpc.Server
	grpcServer *grpcapi.Server

	// State management
	mu          sync.Mutex
	running     atomic.Bool
	closed      atomic.Bool
	startTime   time.Time
	lastError   error
	lastErrorMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	verified    atomic.Int64
	accepted    atomic.Int64
	rejected    atomic.Int64
	malformed   atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// New creates a node and opens its cache. Servers are not started until
// Start is called.
func New(cfg *config.Config) (*Node, error) {
	if cfg == nil {
		d := config.DefaultConfig()
		cfg = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		config:    *cfg,
		opts:      cfg.Verifier.Options,
		startTime: time.Now(),
	}

	if cfg.Cache.Backend != cache.BackendNone {
		cc := cfg.Cache
		cc.Path = cfg.CachePath()
		if !cc.InMemory {
			if err := os.MkdirAll(filepath.Dir(cc.Path), 0755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		store, err := cache.Open(cc)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		n.store = store
		log.Printf("[CACHE] Opened %s cache at %s (%d entries)", backendName(cc.Backend), cc.Path, store.Stats().Entries)
	}
	return n, nil
}

func backendName(b string) string {
	if b == "" {
		return cache.BackendBolt
	}
	return b
}

// Start launches the configured servers and returns. They run until ctx is
// cancelled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if n.running.Swap(true) {
		return ErrAlreadyRunning
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if n.config.RPC.Enabled {
		n.rpcServer = rpc.New(n.config.RPC.Config, n)
		n.serve("RPC", n.rpcServer.Start)
	}
	if n.config.GRPC.Enabled {
		n.grpcServer = grpcapi.NewServer(n.config.GRPC.Config, n)
		n.serve("GRPC", n.grpcServer.Start)
	}

	log.Printf("[NODE] Started (rpc=%v grpc=%v)", n.config.RPC.Enabled, n.config.GRPC.Enabled)
	return nil
}

func (n *Node) serve(name string, start func(context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := start(n.ctx); err != nil {
			log.Printf("[NODE] %s server error: %v", name, err)
			n.setLastError(fmt.Errorf("%s server error: %w", name, err))
		}
	}()
}

// Stop gracefully stops the servers.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.rpcServer != nil {
		n.rpcServer.SetHealthy(false)
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.grpcServer != nil {
		n.grpcServer.Stop()
	}

	n.running.Store(false)
	log.Printf("[NODE] Stopped")
	return nil
}

// Close stops the node if it is running and closes the cache.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return ErrClosed
	}
	if n.running.Load() {
		n.Stop()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			return fmt.Errorf("close cache: %w", err)
		}
	}
	return nil
}

// Options returns the verifier options.
func (n *Node) Options() verifier.Options { return n.opts }

// Verify builds m and verifies it. Relative file names in m are resolved
// against the working directory.
func (n *Node) Verify(ctx context.Context, m *loader.Manifest) (*cache.Outcome, error) {
	u, err := loader.Build(m, "")
	if err != nil {
		return nil, err
	}
	return n.VerifyUnit(ctx, u)
}

// VerifyUnit verifies a built unit, serving the verdict from the cache when
// the same program was verified before with the same helpers and options.
func (n *Node) VerifyUnit(ctx context.Context, u *loader.Unit) (*cache.Outcome, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := u.Program.ID(u.Helpers, n.opts)
	if n.store != nil {
		rec, err := n.store.Get(id)
		switch {
		case err == nil:
			n.cacheHits.Add(1)
			rec, err = renamed(rec, u.Program.Name)
			if err != nil {
				return nil, err
			}
			return &cache.Outcome{ID: id, Record: rec, Cached: true}, nil
		case !errors.Is(err, cache.ErrNotFound):
			log.Printf("[CACHE] Lookup of %s failed: %v", id, err)
		}
		n.cacheMisses.Add(1)
	}

	v, err := verifier.New(u.Helpers, n.opts)
	if err != nil {
		return nil, err
	}
	rep, err := v.Verify(u.Program)
	if err != nil {
		n.malformed.Add(1)
		return nil, err
	}
	n.verified.Add(1)
	if rep.Verdict.IsAccept() {
		n.accepted.Add(1)
	} else {
		n.rejected.Add(1)
	}

	rec, err := cache.NewRecord(rep)
	if err != nil {
		return nil, err
	}
	if n.store != nil {
		if err := n.store.Put(id, rec); err != nil {
			log.Printf("[CACHE] Store of %s failed: %v", id, err)
		}
	}
	return &cache.Outcome{ID: id, Record: rec}, nil
}

// renamed returns rec reporting under name. Cache keys ignore program
// names, so a hit may come from a differently named program.
func renamed(rec *cache.Record, name string) (*cache.Record, error) {
	if rec.Report.Program == name {
		return rec, nil
	}
	rep := *rec.Report
	rep.Program = name
	out, err := cache.NewRecord(&rep)
	if err != nil {
		return nil, err
	}
	out.StoredAt = rec.StoredAt
	return out, nil
}

// Result is the outcome of one unit of a batch.
type Result struct {
	Outcome *cache.Outcome
	Err     error
}

// VerifyAll verifies units with at most the configured parallelism in
// flight. Results are returned in input order.
func (n *Node) VerifyAll(ctx context.Context, units []*loader.Unit) ([]Result, error) {
	results := make([]Result, len(units))
	g := new(errgroup.Group)
	if p := n.config.Verifier.Parallelism; p > 0 {
		g.SetLimit(p)
	}

	for i, u := range units {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(units); j++ {
				results[j].Err = err
			}
			break
		}
		i, u := i, u
		g.Go(func() error {
			out, err := n.VerifyUnit(ctx, u)
			results[i] = Result{Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

// Lookup returns the cached record of a program.
func (n *Node) Lookup(id types.ProgramID) (*cache.Record, error) {
	if n.store == nil {
		return nil, cache.ErrNotFound
	}
	return n.store.Get(id)
}

// Catalog returns a helper catalog by name.
func (n *Node) Catalog(name string) (*helpers.Table, error) {
	return helpers.ByName(name)
}

// Stats returns the node counters.
func (n *Node) Stats() types.NodeStats {
	st := types.NodeStats{
		Verified:      n.verified.Load(),
		Accepted:      n.accepted.Load(),
		Rejected:      n.rejected.Load(),
		Malformed:     n.malformed.Load(),
		CacheHits:     n.cacheHits.Load(),
		CacheMisses:   n.cacheMisses.Load(),
		UptimeSeconds: int64(time.Since(n.startTime) / time.Second),
	}
	if n.store != nil {
		st.CacheEntries = int64(n.store.Stats().Entries)
	}
	return st
}

// Status contains the current node status.
type Status struct {
	// IsRunning indicates if the servers are running.
	IsRunning bool

	// Uptime is how long the node has been running.
	Uptime time.Duration

	// RPCAddr and GRPCAddr are the configured listen addresses of the
	// enabled servers.
	RPCAddr  string
	GRPCAddr string

	Stats types.NodeStats

	// LastError is the most recent server error.
	LastError error
}

// Status returns the current node status.
func (n *Node) Status() *Status {
	s := &Status{
		IsRunning: n.running.Load(),
		Uptime:    time.Since(n.startTime),
		Stats:     n.Stats(),
		LastError: n.getLastError(),
	}
	if n.config.RPC.Enabled {
		s.RPCAddr = n.config.RPC.Addr
	}
	if n.config.GRPC.Enabled {
		s.GRPCAddr = n.config.GRPC.Addr
	}
	return s
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
