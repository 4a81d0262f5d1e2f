package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize is the default maximum gRPC message size (4MB).
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultAddr is the default listen address.
	DefaultAddr = ":8900"

	// TokenHeader is the metadata key carrying the access token.
	TokenHeader = "x-token"
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("grpc endpoint is required")
	ErrInvalidConfig = errors.New("invalid grpc configuration")
)

// Config holds the configuration for the gRPC server.
type Config struct {
	// Addr is the listen address. An empty address disables the server.
	Addr string `yaml:"addr"`

	// Token, when set, must be presented by clients in the x-token header.
	// Supports ${VAR} expansion.
	Token string `yaml:"token"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// Keepalive configuration.
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
}

// DefaultConfig returns a server configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             DefaultAddr,
		MaxMessageSize:   DefaultMaxMessageSize,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
	}
}

// WithDefaults returns a copy with defaults applied to zero values.
func (c Config) WithDefaults() Config {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = DefaultKeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max message size must not be negative", ErrInvalidConfig)
	}
	if c.KeepaliveTime < 0 || c.KeepaliveTimeout < 0 {
		return fmt.Errorf("%w: keepalive durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ClientConfig holds the configuration for a Client.
type ClientConfig struct {
	// Endpoint is the server address (e.g., "localhost:8900"). Required.
	Endpoint string `yaml:"endpoint"`

	// Token is sent in the x-token header. Supports ${VAR} expansion.
	Token string `yaml:"token"`

	// UseTLS enables TLS for the connection.
	UseTLS bool `yaml:"use_tls"`

	// Keepalive configuration.
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// Headers are additional metadata sent with every call.
	Headers map[string]string `yaml:"headers"`

	// Dialer overrides the network dialer.
	Dialer func(context.Context, string) (net.Conn, error) `yaml:"-"`
}

// WithDefaults returns a copy with defaults applied to zero values.
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = DefaultKeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	return c
}

// Validate checks if the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTime <= 0 || c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive durations must be positive", ErrInvalidConfig)
	}
	return nil
}

// expandToken expands ${VAR} references.
func expandToken(s string) string {
	return os.Expand(s, os.Getenv)
}
