package cache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	bolt "go.etcd.io/bbolt"
)

// Bucket names for BoltDB.
var (
	bucketVerdicts = []byte("verdicts")
	bucketMeta     = []byte("meta")
)

// Metadata keys.
var (
	keyEntries = []byte("entries")
	keyHits    = []byte("hits")
	keyMisses  = []byte("misses")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db    *bolt.DB
	codec *codec

	// Counters are kept in memory and persisted on writes and Close.
	entries atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// OpenBolt creates or opens a bolt cache at cfg.Path.
func OpenBolt(cfg Config) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &BoltStore{db: db, codec: c}

	if err := s.init(); err != nil {
		c.close()
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return s, nil
}

// init creates the buckets and loads the counters.
func (s *BoltStore) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketVerdicts); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketVerdicts, err)
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketMeta, err)
		}
		s.entries.Store(decodeCounter(meta.Get(keyEntries)))
		s.hits.Store(decodeCounter(meta.Get(keyHits)))
		s.misses.Store(decodeCounter(meta.Get(keyMisses)))
		return nil
	})
}

// Get returns the record stored for id.
func (s *BoltStore) Get(id types.ProgramID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketVerdicts).Get(id[:]); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		s.misses.Add(1)
		return nil, ErrNotFound
	}
	s.hits.Add(1)
	return s.codec.decode(data)
}

// Put stores rec under id, replacing any previous record.
func (s *BoltStore) Put(id types.ProgramID, rec *Record) error {
	data, err := s.codec.encode(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVerdicts)
		if b.Get(id[:]) == nil {
			s.entries.Add(1)
		}
		if err := b.Put(id[:], data); err != nil {
			return err
		}
		return s.writeCounters(tx)
	})
}

// Delete removes the record for id, if any.
func (s *BoltStore) Delete(id types.ProgramID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVerdicts)
		if b.Get(id[:]) == nil {
			return nil
		}
		if err := b.Delete(id[:]); err != nil {
			return err
		}
		s.entries.Add(^uint64(0))
		return s.writeCounters(tx)
	})
}

// Stats returns the entry count and the hit/miss counters.
func (s *BoltStore) Stats() Stats {
	return Stats{
		Entries: s.entries.Load(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}
}

// Close persists the counters and closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	err := s.db.Update(s.writeCounters)
	s.codec.close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *BoltStore) writeCounters(tx *bolt.Tx) error {
	meta := tx.Bucket(bucketMeta)
	for _, kv := range []struct {
		key []byte
		val uint64
	}{
		{keyEntries, s.entries.Load()},
		{keyHits, s.hits.Load()},
		{keyMisses, s.misses.Load()},
	} {
		if err := meta.Put(kv.key, encodeCounter(kv.val)); err != nil {
			return err
		}
	}
	return nil
}

func encodeCounter(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeCounter(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
