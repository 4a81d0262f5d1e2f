package helpers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestingCatalog(t *testing.T) {
	tab := Testing()
	assert.Equal(t, "testing", tab.Name())
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, tab.IDs())

	tests := []struct {
		id    int32
		name  string
		ret   RetKind
		arity int
	}{
		{0, "nop", RetNone, 5},
		{1, "assert", RetScalar, 1},
		{2, "as_is", RetIdentity, 1},
		{3, "acquire", RetResource, 1},
		{4, "use", RetNone, 1},
		{5, "release", RetNone, 1},
		{6, "printk", RetNone, 2},
		{7, "input", RetScalar, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := tab.Lookup(tt.id)
			require.True(t, ok)
			assert.Equal(t, tt.name, e.Name)
			assert.Equal(t, tt.ret, e.Ret)
			assert.Equal(t, tt.arity, e.Arity())
		})
	}

	printk, _ := tab.Lookup(6)
	assert.True(t, printk.Variadic)
	assert.Equal(t, ArgBuffer, printk.Args[0])
	assert.Equal(t, ArgSize, printk.Args[1])

	release, _ := tab.Lookup(5)
	assert.Equal(t, int32(3), release.Resource)
}

func TestKernelCatalog(t *testing.T) {
	tab := Kernel()

	lookup, ok := tab.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, RetMapValueOrNull, lookup.Ret)
	assert.False(t, lookup.InvalidatesMap)

	for _, id := range []int32{2, 3} {
		e, ok := tab.Lookup(id)
		require.True(t, ok)
		assert.True(t, e.InvalidatesMap, e.Name)
		assert.Equal(t, ArgMap, e.Args[0], e.Name)
		assert.Equal(t, ArgMapKey, e.Args[1], e.Name)
	}

	rnd, _ := tab.Lookup(7)
	assert.Equal(t, RetRange, rnd.Ret)
	assert.Equal(t, uint64(0xffffffff), rnd.RetMax)

	_, ok = tab.Lookup(9)
	assert.False(t, ok)
}

func TestWithFireAndForget(t *testing.T) {
	tab := Testing()
	ff, err := tab.WithFireAndForget(3)
	require.NoError(t, err)

	e, _ := ff.Lookup(3)
	assert.True(t, e.FireAndForget)

	orig, _ := tab.Lookup(3)
	assert.False(t, orig.FireAndForget, "original table must not change")

	_, err = tab.WithFireAndForget(42)
	assert.Error(t, err)
}

func TestByName(t *testing.T) {
	tab, err := ByName("testing")
	require.NoError(t, err)
	assert.Equal(t, "testing", tab.Name())

	tab, err = ByName("")
	require.NoError(t, err)
	assert.Equal(t, "kernel", tab.Name())

	_, err = ByName("solana")
	if !errors.Is(err, ErrUnknownCatalog) {
		t.Errorf("ByName() error = %v, want ErrUnknownCatalog", err)
	}
}

func TestSignature(t *testing.T) {
	printk, _ := Testing().Lookup(6)
	assert.Equal(t, "void printk(buf, size, ...)", printk.Signature())

	update, _ := Kernel().Lookup(2)
	assert.Equal(t, "scalar map_update_elem(map, map_key, map_value, scalar) [invalidates-map]", update.Signature())

	rnd, _ := Kernel().Lookup(7)
	assert.Equal(t, "range[0,4294967295] get_prandom_u32()", rnd.Signature())
}
