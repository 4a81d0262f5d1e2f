// Package cache stores verification reports keyed by program id.
//
// A record holds the JSON report together with its rendered text and is
// compressed with zstd. Two backends are provided: BoltDB (the default)
// and BadgerDB.
package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrNotFound is returned when no record exists for a program id.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("cache closed")

	// ErrUnknownBackend is returned by Open for an unsupported backend.
	ErrUnknownBackend = errors.New("unknown cache backend")
)

// Backends.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendNone   = "none"
)

// Record is one cached verification.
type Record struct {
	Report   *verdict.Report `json:"report"`
	Rendered string          `json:"rendered"`
	StoredAt time.Time       `json:"stored_at"`
}

// NewRecord renders rep without color and stamps it.
func NewRecord(rep *verdict.Report) (*Record, error) {
	var buf bytes.Buffer
	if err := rep.Render(&buf, false); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return &Record{Report: rep, Rendered: buf.String(), StoredAt: time.Now().UTC()}, nil
}

// Stats contains cache statistics.
type Stats struct {
	Entries uint64 `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// Store is a verdict cache.
type Store interface {
	Get(id types.ProgramID) (*Record, error)
	Put(id types.ProgramID, rec *Record) error
	Delete(id types.ProgramID) error
	Stats() Stats
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`

	// NoSync disables fsync after each write (bolt) or enables async
	// writes (badger).
	NoSync bool `yaml:"no_sync" json:"no_sync"`

	// InMemory runs the badger backend without touching disk.
	InMemory bool `yaml:"in_memory" json:"in_memory"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig(path string) Config {
	return Config{
		Backend: BackendBolt,
		Path:    path,
	}
}

// Open opens the configured backend. BackendNone returns a nil Store.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendBolt, "":
		s, err := OpenBolt(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBadger:
		s, err := OpenBadger(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendNone:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

// codec compresses records. zstd encoders and decoders are safe for
// concurrent EncodeAll/DecodeAll calls.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) encode(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *codec) decode(data []byte) (*Record, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}

// Outcome is a verification served through the cache.
type Outcome struct {
	ID     types.ProgramID
	Record *Record
	Cached bool
}
