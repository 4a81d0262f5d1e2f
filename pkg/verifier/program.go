package verifier

import (
	"encoding/json"
	"fmt"

	"github.com/fortiblox/X1-Sentinel/internal/types"
	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
)

// MapSpec describes a map referenced by wide map-fd loads.
type MapSpec struct {
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	KeySize   int64  `json:"key_size" yaml:"key_size"`
	ValueSize int64  `json:"value_size" yaml:"value_size"`
}

// EntryKind selects what r1 holds when the program starts.
type EntryKind uint8

const (
	// EntryContext passes a pointer to a context structure.
	EntryContext EntryKind = iota
	// EntryScalar passes an unconstrained scalar.
	EntryScalar
	// EntryNone leaves r1 uninitialized.
	EntryNone
)

func (k EntryKind) String() string {
	switch k {
	case EntryContext:
		return "context"
	case EntryScalar:
		return "scalar"
	case EntryNone:
		return "none"
	}
	return fmt.Sprintf("entry(%d)", uint8(k))
}

// FieldKind is the type of a pointer field in the entry context.
type FieldKind uint8

const (
	// FieldPacketData points at the first byte of a packet.
	FieldPacketData FieldKind = iota + 1
	// FieldPacketEnd points one past the last byte of a packet.
	FieldPacketEnd
)

// ContextField is an 8-byte pointer stored in the context structure.
type ContextField struct {
	Offset int64     `json:"offset"`
	Kind   FieldKind `json:"kind"`

	// Packet groups a data pointer with its end pointer.
	Packet int `json:"packet"`
}

// EntrySpec describes the program's initial register state.
type EntrySpec struct {
	Kind   EntryKind      `json:"kind"`
	Size   int64          `json:"size,omitempty"`
	Fields []ContextField `json:"fields,omitempty"`
}

// PacketEntry returns the default packet context: a 16-byte structure with
// the packet data pointer at offset 0 and its end pointer at offset 8.
func PacketEntry() EntrySpec {
	return EntrySpec{
		Kind: EntryContext,
		Size: 16,
		Fields: []ContextField{
			{Offset: 0, Kind: FieldPacketData, Packet: 0},
			{Offset: 8, Kind: FieldPacketEnd, Packet: 0},
		},
	}
}

// field returns the context field stored at off.
func (e EntrySpec) field(off int64) (ContextField, bool) {
	for _, f := range e.Fields {
		if f.Offset == off {
			return f, true
		}
	}
	return ContextField{}, false
}

// Program is a unit of verification.
type Program struct {
	Name         string
	Instructions []isa.Instruction
	Maps         map[int32]MapSpec
	Entry        EntrySpec
}

// ID digests everything that can change the verdict of p: its code, maps
// and entry, the helper table and the effective options. The name is not
// part of the id.
func (p *Program) ID(table *helpers.Table, opts Options) types.ProgramID {
	maps, _ := json.Marshal(p.Maps)
	entry, _ := json.Marshal(p.Entry)
	o, _ := json.Marshal(opts.withDefaults())

	var sigs []byte
	for _, id := range table.IDs() {
		e, _ := table.Lookup(id)
		sigs = fmt.Appendf(sigs, "%d:%s\n", id, e.Signature())
	}
	return types.NewProgramID(isa.Marshal(p.Instructions), maps, entry, []byte(table.Name()), sigs, o)
}
