package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/X1-Sentinel/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixRecord + program id (32 bytes)
	prefixRecord = []byte{0x01}

	// prefixMeta + counter name
	prefixMeta = []byte{0x02}

	metaEntries = append(append([]byte{}, prefixMeta...), keyEntries...)
	metaHits    = append(append([]byte{}, prefixMeta...), keyHits...)
	metaMisses  = append(append([]byte{}, prefixMeta...), keyMisses...)
)

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db    *badger.DB
	codec *codec

	entries atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64

	// mu serializes writes so that entry counting stays exact.
	mu     sync.Mutex
	closed atomic.Bool
}

// OpenBadger opens a badger cache in cfg.Path, or in memory when
// cfg.InMemory is set.
func OpenBadger(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(!cfg.NoSync).
		WithNumCompactors(2).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	c, err := newCodec()
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BadgerStore{db: db, codec: c}
	if err := s.loadMetadata(); err != nil {
		c.close()
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return s, nil
}

func (s *BadgerStore) loadMetadata() error {
	return s.db.View(func(txn *badger.Txn) error {
		for _, m := range []struct {
			key     []byte
			counter *atomic.Uint64
		}{
			{metaEntries, &s.entries},
			{metaHits, &s.hits},
			{metaMisses, &s.misses},
		} {
			item, err := txn.Get(m.key)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				m.counter.Store(decodeCounter(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func recordKey(id types.ProgramID) []byte {
	key := make([]byte, 1+types.IDSize)
	key[0] = prefixRecord[0]
	copy(key[1:], id[:])
	return key
}

// Get returns the record stored for id.
func (s *BadgerStore) Get(id types.ProgramID) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		s.misses.Add(1)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.hits.Add(1)
	return s.codec.decode(data)
}

// Put stores rec under id, replacing any previous record.
func (s *BadgerStore) Put(id types.ProgramID, rec *Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := s.codec.encode(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.has(id)
	if err != nil {
		return err
	}
	entries := s.entries.Load()
	if !exists {
		entries++
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(id), data); err != nil {
			return err
		}
		return txn.Set(metaEntries, encodeCounter(entries))
	})
	if err != nil {
		return err
	}
	s.entries.Store(entries)
	return nil
}

// Delete removes the record for id, if any.
func (s *BadgerStore) Delete(id types.ProgramID) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.has(id)
	if err != nil || !exists {
		return err
	}
	entries := s.entries.Load() - 1
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(recordKey(id)); err != nil {
			return err
		}
		return txn.Set(metaEntries, encodeCounter(entries))
	})
	if err != nil {
		return err
	}
	s.entries.Store(entries)
	return nil
}

func (s *BadgerStore) has(id types.ProgramID) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// Stats returns the entry count and the hit/miss counters.
func (s *BadgerStore) Stats() Stats {
	return Stats{
		Entries: s.entries.Load(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}
}

// Close persists the counters and closes the database.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(metaHits, encodeCounter(s.hits.Load())); err != nil {
			return err
		}
		return txn.Set(metaMisses, encodeCounter(s.misses.Load()))
	})
	s.codec.close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}
