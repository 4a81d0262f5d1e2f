package refs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	var s Set
	require.NoError(t, s.Acquire(10, 3, false, 64))
	require.NoError(t, s.Use(10))
	assert.Equal(t, 1, s.Live())

	require.NoError(t, s.Release(10))
	assert.Equal(t, 0, s.Live())

	err := s.Release(10)
	assert.ErrorIs(t, err, ErrUseAfterRelease, "double release")

	err = s.Use(10)
	assert.ErrorIs(t, err, ErrUseAfterRelease, "use after release")

	err = s.Use(99)
	assert.ErrorIs(t, err, ErrUseAfterRelease, "never acquired")
}

func TestReacquireLeaks(t *testing.T) {
	var s Set
	require.NoError(t, s.Acquire(4, 3, false, 64))
	err := s.Acquire(4, 3, false, 64)
	if !errors.Is(err, ErrLeak) {
		t.Fatalf("Acquire() error = %v, want ErrLeak", err)
	}

	require.NoError(t, s.Release(4))
	assert.NoError(t, s.Acquire(4, 3, false, 64), "site may acquire again after release")

	var ff Set
	require.NoError(t, ff.Acquire(4, 3, true, 64))
	assert.NoError(t, ff.Acquire(4, 3, true, 64))
	assert.Empty(t, ff.Leaked())
}

func TestCapacity(t *testing.T) {
	var s Set
	for id := 0; id < 3; id++ {
		require.NoError(t, s.Acquire(id, 3, false, 3))
	}
	err := s.Acquire(3, 3, false, 3)
	assert.ErrorIs(t, err, ErrCapacity)

	require.NoError(t, s.Release(0))
	assert.NoError(t, s.Acquire(3, 3, false, 3))
}

func TestJoin(t *testing.T) {
	var allocated, freed, empty Set
	require.NoError(t, allocated.Acquire(1, 3, false, 0))
	require.NoError(t, freed.Acquire(1, 3, false, 0))
	require.NoError(t, freed.Release(1))

	state := func(s Set) State {
		h, ok := s.Get(1)
		if !ok {
			return 0
		}
		return h.State
	}

	tests := []struct {
		name string
		a, b Set
		want State
	}{
		{"allocated both", allocated, allocated, Allocated},
		{"allocated and absent", allocated, empty, Maybe},
		{"absent and allocated", empty, allocated, Maybe},
		{"allocated and freed", allocated, freed, Maybe},
		{"freed and absent", freed, empty, Freed},
		{"freed both", freed, freed, Freed},
		{"absent both", empty, empty, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := state(tt.a.Join(tt.b)); got != tt.want {
				t.Errorf("Join() state = %v, want %v", got, tt.want)
			}
		})
	}

	maybe := allocated.Join(empty)
	assert.ErrorIs(t, maybe.Use(1), ErrUseAfterRelease)
	c := maybe.Clone()
	assert.ErrorIs(t, c.Release(1), ErrUseAfterRelease)
	assert.Len(t, maybe.Leaked(), 1)
	assert.Equal(t, Maybe, state(maybe.Join(freed)))
}

func TestCloneIsIndependent(t *testing.T) {
	var s Set
	require.NoError(t, s.Acquire(1, 3, false, 0))
	c := s.Clone()
	require.NoError(t, c.Release(1))

	assert.NoError(t, s.Use(1))
	assert.False(t, s.Equal(c))
}

func TestGenerations(t *testing.T) {
	var g Generations
	g.Lookup(1, 7)
	g.Lookup(1, 3)
	g.Lookup(2, 9)
	assert.True(t, g.Valid(1, 7))
	assert.True(t, g.Valid(1, 3))
	assert.False(t, g.Valid(1, 9))

	before := g.Clone()
	g.Invalidate(1)
	assert.False(t, g.Valid(1, 7))
	assert.True(t, g.Valid(2, 9))
	assert.True(t, before.Valid(1, 7), "clone keeps the old generation")

	j := before.Join(g)
	assert.False(t, j.Valid(1, 7))
	assert.True(t, j.Valid(2, 9))
	assert.True(t, j.Equal(g))
	assert.Equal(t, "{map2:[9]}", j.String())
}

func TestReacquireRetiresFreedHandle(t *testing.T) {
	var s Set
	require.NoError(t, s.Acquire(2, 3, false, 64))
	require.NoError(t, s.Release(2))
	require.NoError(t, s.Acquire(2, 3, false, 64))

	assert.NoError(t, s.Use(2), "new handle is live")
	assert.ErrorIs(t, s.Use(Retired(2)), ErrUseAfterRelease, "earlier handle stays freed")
	assert.ErrorIs(t, s.Release(Retired(2)), ErrUseAfterRelease)

	require.NoError(t, s.Release(2))
	require.NoError(t, s.Acquire(2, 3, false, 64))
	h, ok := s.Get(Retired(2))
	require.True(t, ok)
	assert.Equal(t, Freed, h.State)
	assert.Len(t, s.Handles(), 2)
	assert.Len(t, s.Leaked(), 1)
}

func TestRetiredIDs(t *testing.T) {
	tests := []struct {
		id, retired int
	}{
		{0, -2},
		{1, -3},
		{41, -43},
	}
	for _, tt := range tests {
		if got := Retired(tt.id); got != tt.retired {
			t.Errorf("Retired(%d) = %d, want %d", tt.id, got, tt.retired)
		}
		if got := Retired(tt.retired); got != tt.retired {
			t.Errorf("Retired(%d) = %d, want it unchanged", tt.retired, got)
		}
		if got := Origin(tt.retired); got != tt.id {
			t.Errorf("Origin(%d) = %d, want %d", tt.retired, got, tt.id)
		}
		if got := Origin(tt.id); got != tt.id {
			t.Errorf("Origin(%d) = %d, want %d", tt.id, got, tt.id)
		}
	}
}
