package cache

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReport(name string) *verdict.Report {
	return &verdict.Report{
		Program:     name,
		Verdict:     verdict.RejectID(verdict.UseAfterRelease, 12, 4, "handle %d released", 4),
		Stats:       verdict.Stats{BlocksVisited: 5, Instructions: 40, States: 4, PeakHandles: 1},
		Instruction: "Call FnRelease",
	}
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"bolt": func(t *testing.T) Store {
			s, err := OpenBolt(DefaultConfig(filepath.Join(t.TempDir(), "cache.db")))
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadger(Config{Backend: BackendBadger, InMemory: true})
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			id := types.NewProgramID([]byte("prog"))
			_, err := s.Get(id)
			assert.ErrorIs(t, err, ErrNotFound)

			rec, err := NewRecord(testReport("prog"))
			require.NoError(t, err)
			assert.True(t, strings.Contains(rec.Rendered, "REJECT"))

			require.NoError(t, s.Put(id, rec))
			require.NoError(t, s.Put(id, rec))

			got, err := s.Get(id)
			require.NoError(t, err)
			assert.Equal(t, rec.Report, got.Report)
			assert.Equal(t, rec.Rendered, got.Rendered)
			assert.True(t, rec.StoredAt.Equal(got.StoredAt))

			assert.Equal(t, Stats{Entries: 1, Hits: 1, Misses: 1}, s.Stats())

			require.NoError(t, s.Delete(id))
			require.NoError(t, s.Delete(id))
			_, err = s.Get(id)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Equal(t, uint64(0), s.Stats().Entries)
		})
	}
}

func TestClosedStore(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			require.NoError(t, s.Close())

			id := types.NewProgramID([]byte("closed"))
			_, err := s.Get(id)
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, s.Put(id, &Record{Report: testReport("x")}), ErrClosed)
			assert.ErrorIs(t, s.Close(), ErrClosed)
		})
	}
}

func TestBoltPersistsCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	id := types.NewProgramID([]byte("persist"))

	s, err := OpenBolt(DefaultConfig(path))
	require.NoError(t, err)
	rec, err := NewRecord(testReport("persist"))
	require.NoError(t, err)
	require.NoError(t, s.Put(id, rec))
	_, err = s.Get(id)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBolt(DefaultConfig(path))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, Stats{Entries: 1, Hits: 1}, s.Stats())

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "persist", got.Report.Program)
}

func TestBadgerPersists(t *testing.T) {
	dir := t.TempDir()
	id := types.NewProgramID([]byte("persist"))

	s, err := OpenBadger(Config{Backend: BackendBadger, Path: dir})
	require.NoError(t, err)
	rec, err := NewRecord(testReport("persist"))
	require.NoError(t, err)
	require.NoError(t, s.Put(id, rec))
	_, err = s.Get(types.NewProgramID([]byte("other")))
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Close())

	s, err = OpenBadger(Config{Backend: BackendBadger, Path: dir})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, Stats{Entries: 1, Misses: 1}, s.Stats())
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Backend: BackendNone})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = Open(Config{Backend: "redis"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	s, err = Open(DefaultConfig(filepath.Join(t.TempDir(), "nested", "cache.db")))
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)
	require.NoError(t, s.Close())
}
