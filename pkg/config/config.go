// Package config loads the YAML configuration of a sentinel node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fortiblox/X1-Sentinel/pkg/cache"
	"github.com/fortiblox/X1-Sentinel/pkg/grpcapi"
	"github.com/fortiblox/X1-Sentinel/pkg/rpc"
	"github.com/fortiblox/X1-Sentinel/pkg/verifier"
	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is returned for configurations that fail validation.
var ErrConfigInvalid = errors.New("invalid configuration")

// Config is the node configuration file.
type Config struct {
	// DataDir is the root directory for node data. The verdict cache lives
	// here unless cache.path says otherwise.
	DataDir string `yaml:"data_dir"`

	Verifier VerifierConfig `yaml:"verifier"`
	Cache    cache.Config   `yaml:"cache"`
	RPC      RPCConfig      `yaml:"rpc"`
	GRPC     GRPCConfig     `yaml:"grpc"`
}

// VerifierConfig holds the analysis options and the batch parallelism.
type VerifierConfig struct {
	verifier.Options `yaml:",inline"`

	// Parallelism caps concurrent verifications in a batch. Zero means
	// unlimited.
	Parallelism int `yaml:"parallelism"`
}

// RPCConfig enables and configures the JSON-RPC server.
type RPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	rpc.Config `yaml:",inline"`
}

// GRPCConfig enables and configures the gRPC server.
type GRPCConfig struct {
	Enabled        bool `yaml:"enabled"`
	grpcapi.Config `yaml:",inline"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:  "./data",
		Verifier: VerifierConfig{Options: verifier.DefaultOptions()},
		Cache:    cache.DefaultConfig(""),
		RPC:      RPCConfig{Enabled: true, Config: rpc.DefaultConfig()},
		GRPC:     GRPCConfig{Enabled: false, Config: grpcapi.DefaultConfig()},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" && c.Cache.Backend != cache.BackendNone && c.Cache.Path == "" && !c.Cache.InMemory {
		return fmt.Errorf("%w: data_dir or cache.path is required", ErrConfigInvalid)
	}
	switch c.Cache.Backend {
	case "", cache.BackendBolt, cache.BackendBadger, cache.BackendNone:
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrConfigInvalid, c.Cache.Backend)
	}
	if c.Cache.InMemory && c.Cache.Backend != cache.BackendBadger {
		return fmt.Errorf("%w: cache.in_memory requires the badger backend", ErrConfigInvalid)
	}

	v := c.Verifier
	if v.WidenAfter < 0 || v.VisitBudget < 0 || v.MaxHandles < 0 || v.TraceLimit < 0 || v.Parallelism < 0 {
		return fmt.Errorf("%w: verifier limits must not be negative", ErrConfigInvalid)
	}

	if c.RPC.Enabled && c.RPC.Addr == "" {
		return fmt.Errorf("%w: rpc.addr is required", ErrConfigInvalid)
	}
	if c.RPC.MaxRequestSize < 0 {
		return fmt.Errorf("%w: rpc.max_request_size must not be negative", ErrConfigInvalid)
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("%w: grpc.addr is required", ErrConfigInvalid)
	}
	if err := c.GRPC.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

// CachePath returns the cache location, defaulting to a file or directory
// under DataDir.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	if c.Cache.Backend == cache.BackendBadger {
		return filepath.Join(c.DataDir, "verdicts")
	}
	return filepath.Join(c.DataDir, "verdicts.db")
}
