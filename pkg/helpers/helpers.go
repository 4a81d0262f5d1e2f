// Package helpers describes the external functions a verified program may
// call. Each helper is identified by its call immediate and declares the
// kinds of its arguments in r1-r5, the shape of its return value in r0 and
// its side effects on resources and maps.
package helpers

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MaxArgs is the number of argument registers.
const MaxArgs = 5

// ErrUnknownCatalog is returned by ByName for an unknown catalog name.
var ErrUnknownCatalog = errors.New("unknown helper catalog")

// ArgKind constrains one argument register.
type ArgKind uint8

const (
	// ArgNone marks unused trailing arguments. They are not inspected.
	ArgNone ArgKind = iota
	// ArgAnything accepts any value, initialized or not.
	ArgAnything
	// ArgScalar requires an initialized scalar.
	ArgScalar
	// ArgNonZero requires a scalar whose range excludes zero.
	ArgNonZero
	// ArgMap requires a map handle loaded with a map-fd wide load.
	ArgMap
	// ArgMapKey requires a pointer readable for the map's key size.
	ArgMapKey
	// ArgMapValue requires a pointer readable for the map's value size.
	ArgMapValue
	// ArgBuffer requires a readable, initialized pointer sized by the next ArgSize.
	ArgBuffer
	// ArgWritableBuffer requires a writable pointer sized by the next ArgSize.
	ArgWritableBuffer
	// ArgSize is the byte count for the preceding buffer.
	ArgSize
	// ArgResource requires a live handle of the effect's resource kind.
	ArgResource
	// ArgReleaseResource releases a live handle of the effect's resource kind.
	ArgReleaseResource
)

var argNames = map[ArgKind]string{
	ArgNone:            "none",
	ArgAnything:        "any",
	ArgScalar:          "scalar",
	ArgNonZero:         "nonzero",
	ArgMap:             "map",
	ArgMapKey:          "map_key",
	ArgMapValue:        "map_value",
	ArgBuffer:          "buf",
	ArgWritableBuffer:  "buf_out",
	ArgSize:            "size",
	ArgResource:        "resource",
	ArgReleaseResource: "release",
}

func (k ArgKind) String() string {
	if s, ok := argNames[k]; ok {
		return s
	}
	return fmt.Sprintf("arg(%d)", uint8(k))
}

// RetKind describes the value left in r0.
type RetKind uint8

const (
	// RetNone leaves r0 uninitialized.
	RetNone RetKind = iota
	// RetScalar returns an unconstrained scalar.
	RetScalar
	// RetRange returns a scalar within [RetMin, RetMax].
	RetRange
	// RetIdentity returns the value passed in r1.
	RetIdentity
	// RetMapValueOrNull returns a pointer to a value of the ArgMap map, or null.
	RetMapValueOrNull
	// RetResource returns a newly acquired handle.
	RetResource
)

var retNames = map[RetKind]string{
	RetNone:           "void",
	RetScalar:         "scalar",
	RetRange:          "range",
	RetIdentity:       "identity",
	RetMapValueOrNull: "map_value_or_null",
	RetResource:       "resource",
}

func (k RetKind) String() string {
	if s, ok := retNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ret(%d)", uint8(k))
}

// Effect is the declared behaviour of one helper.
type Effect struct {
	Name string
	Args [MaxArgs]ArgKind
	Ret  RetKind

	// RetMin and RetMax bound a RetRange result.
	RetMin, RetMax uint64

	// Resource is the helper id whose handles this helper acquires, uses or
	// releases.
	Resource int32

	// InvalidatesMap clears the lookup generation of the ArgMap argument.
	InvalidatesMap bool

	// FireAndForget allows handles acquired by this helper to be live at exit.
	FireAndForget bool

	// Variadic accepts any values in the registers after the declared arguments.
	Variadic bool
}

// Arity returns the number of declared arguments.
func (e Effect) Arity() int {
	n := 0
	for i, a := range e.Args {
		if a != ArgNone {
			n = i + 1
		}
	}
	return n
}

// Signature renders the effect like a C prototype.
func (e Effect) Signature() string {
	args := make([]string, 0, MaxArgs)
	for _, a := range e.Args[:e.Arity()] {
		args = append(args, a.String())
	}
	if e.Variadic {
		args = append(args, "...")
	}
	ret := e.Ret.String()
	if e.Ret == RetRange {
		ret = fmt.Sprintf("range[%d,%d]", e.RetMin, e.RetMax)
	}
	var flags []string
	if e.InvalidatesMap {
		flags = append(flags, "invalidates-map")
	}
	if e.FireAndForget {
		flags = append(flags, "fire-and-forget")
	}
	sig := fmt.Sprintf("%s %s(%s)", ret, e.Name, strings.Join(args, ", "))
	if len(flags) > 0 {
		sig += " [" + strings.Join(flags, ",") + "]"
	}
	return sig
}

// Table is an immutable set of helpers keyed by call immediate.
type Table struct {
	name    string
	effects map[int32]Effect
}

// NewTable builds a table from the given effects. The map is copied.
func NewTable(name string, effects map[int32]Effect) *Table {
	return &Table{name: name, effects: maps.Clone(effects)}
}

// Name returns the catalog name.
func (t *Table) Name() string { return t.name }

// Lookup returns the effect registered for id.
func (t *Table) Lookup(id int32) (Effect, bool) {
	e, ok := t.effects[id]
	return e, ok
}

// IDs returns the registered ids in ascending order.
func (t *Table) IDs() []int32 {
	ids := maps.Keys(t.effects)
	slices.Sort(ids)
	return ids
}

// WithFireAndForget returns a copy of t in which the given helpers may leak
// the handles they acquire.
func (t *Table) WithFireAndForget(ids ...int32) (*Table, error) {
	out := NewTable(t.name, t.effects)
	for _, id := range ids {
		e, ok := out.effects[id]
		if !ok {
			return nil, fmt.Errorf("helper %d not in %s catalog", id, t.name)
		}
		e.FireAndForget = true
		out.effects[id] = e
	}
	return out, nil
}

// register adds an effect while building a catalog.
func (t *Table) register(id int32, e Effect) {
	t.effects[id] = e
}

func args(kinds ...ArgKind) [MaxArgs]ArgKind {
	var a [MaxArgs]ArgKind
	copy(a[:], kinds)
	return a
}

// Testing returns the catalog used by the reference test corpus.
func Testing() *Table {
	t := &Table{name: "testing", effects: make(map[int32]Effect)}

	t.register(0, Effect{
		Name: "nop",
		Args: args(ArgAnything, ArgAnything, ArgAnything, ArgAnything, ArgAnything),
		Ret:  RetNone,
	})
	t.register(1, Effect{Name: "assert", Args: args(ArgNonZero), Ret: RetScalar})
	t.register(2, Effect{Name: "as_is", Args: args(ArgAnything), Ret: RetIdentity})

	// One resource kind, owned by helper 3.
	t.register(3, Effect{Name: "acquire", Args: args(ArgScalar), Ret: RetResource, Resource: 3})
	t.register(4, Effect{Name: "use", Args: args(ArgResource), Ret: RetNone, Resource: 3})
	t.register(5, Effect{Name: "release", Args: args(ArgReleaseResource), Ret: RetNone, Resource: 3})

	t.register(6, Effect{Name: "printk", Args: args(ArgBuffer, ArgSize), Ret: RetNone, Variadic: true})
	t.register(7, Effect{Name: "input", Ret: RetScalar})
	return t
}

// Kernel returns the subset of Linux BPF helpers understood by the verifier.
func Kernel() *Table {
	t := &Table{name: "kernel", effects: make(map[int32]Effect)}

	// Maps
	t.register(1, Effect{Name: "map_lookup_elem", Args: args(ArgMap, ArgMapKey), Ret: RetMapValueOrNull})
	t.register(2, Effect{
		Name:           "map_update_elem",
		Args:           args(ArgMap, ArgMapKey, ArgMapValue, ArgScalar),
		Ret:            RetScalar,
		InvalidatesMap: true,
	})
	t.register(3, Effect{
		Name:           "map_delete_elem",
		Args:           args(ArgMap, ArgMapKey),
		Ret:            RetScalar,
		InvalidatesMap: true,
	})

	// Memory and tracing
	t.register(4, Effect{Name: "probe_read", Args: args(ArgWritableBuffer, ArgSize, ArgAnything), Ret: RetScalar})
	t.register(6, Effect{Name: "trace_printk", Args: args(ArgBuffer, ArgSize), Ret: RetScalar, Variadic: true})
	t.register(16, Effect{Name: "get_current_comm", Args: args(ArgWritableBuffer, ArgSize), Ret: RetScalar})

	// Scalars
	t.register(5, Effect{Name: "ktime_get_ns", Ret: RetScalar})
	t.register(7, Effect{Name: "get_prandom_u32", Ret: RetRange, RetMax: math.MaxUint32})
	t.register(8, Effect{Name: "get_smp_processor_id", Ret: RetRange, RetMax: math.MaxUint32})
	t.register(14, Effect{Name: "get_current_pid_tgid", Ret: RetScalar})
	t.register(15, Effect{Name: "get_current_uid_gid", Ret: RetScalar})
	return t
}

// ByName returns a built-in catalog.
func ByName(name string) (*Table, error) {
	switch name {
	case "testing":
		return Testing(), nil
	case "kernel", "":
		return Kernel(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCatalog, name)
}
