// Package loader turns verification manifests into programs.
//
// A manifest is a small YAML (or JSON) document naming the bytecode, the
// helper catalog, the entry convention and the maps the code refers to.
// The bytecode is either a raw slot stream (`program` or inline `code`) or
// an eBPF ELF object (`elf` + `section`).
package loader

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/verifier"
	"gopkg.in/yaml.v3"
)

// Loader errors.
var (
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrInvalidELF      = errors.New("invalid ELF object")
	ErrProgramNotFound = errors.New("program not found")
)

// MaxProgramSize bounds raw program files.
const MaxProgramSize = 1 << 20

// Map fd conventions.
const (
	// MapFDsTable resolves fds through the manifest's maps list.
	MapFDsTable = "table"
	// MapFDsPacked derives sizes from the fd: key (fd>>8)&0xff, value fd&0xff.
	MapFDsPacked = "packed"
)

// Manifest describes one program to verify.
type Manifest struct {
	Name string `yaml:"name" json:"name"`

	// Program is a raw slot stream, relative to the manifest.
	Program string `yaml:"program,omitempty" json:"program,omitempty"`
	// Code is an inline base64 slot stream.
	Code string `yaml:"code,omitempty" json:"code,omitempty"`
	// ELF is an object file, relative to the manifest; Section selects the
	// program by name or section.
	ELF     string `yaml:"elf,omitempty" json:"elf,omitempty"`
	Section string `yaml:"section,omitempty" json:"section,omitempty"`

	Helpers       string  `yaml:"helpers,omitempty" json:"helpers,omitempty"`
	FireAndForget []int32 `yaml:"fire_and_forget,omitempty" json:"fire_and_forget,omitempty"`

	Entry   string         `yaml:"entry,omitempty" json:"entry,omitempty"`
	Context *ContextLayout `yaml:"context,omitempty" json:"context,omitempty"`

	Maps   []MapEntry `yaml:"maps,omitempty" json:"maps,omitempty"`
	MapFDs string     `yaml:"map_fds,omitempty" json:"map_fds,omitempty"`
}

// ContextLayout describes the structure r1 points to for context entries.
type ContextLayout struct {
	Size   int64        `yaml:"size" json:"size"`
	Fields []FieldEntry `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// FieldEntry is one pointer field of a context layout. Kind is "data" or "end".
type FieldEntry struct {
	Offset int64  `yaml:"offset" json:"offset"`
	Kind   string `yaml:"kind" json:"kind"`
	Packet int    `yaml:"packet,omitempty" json:"packet,omitempty"`
}

// MapEntry declares the map behind a map fd.
type MapEntry struct {
	ID        int32  `yaml:"id" json:"id"`
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	KeySize   int64  `yaml:"key_size" json:"key_size"`
	ValueSize int64  `yaml:"value_size" json:"value_size"`
}

// Unit is a loaded manifest: the program and the helper table to check it against.
type Unit struct {
	Manifest *Manifest
	Program  *verifier.Program
	Helpers  *helpers.Table
}

// LoadFile reads and builds the manifest at path. Relative file names in
// the manifest are resolved against its directory.
func LoadFile(path string) (*Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if m.Name == "" {
		m.Name = filepath.Base(path)
	}
	return Build(m, filepath.Dir(path))
}

// Parse decodes a manifest. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return &m, nil
}

// Build resolves m into a Unit. dir is the base for relative file names.
func Build(m *Manifest, dir string) (*Unit, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	table, err := helpers.ByName(m.Helpers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if len(m.FireAndForget) > 0 {
		if table, err = table.WithFireAndForget(m.FireAndForget...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	}

	entry, err := m.entry()
	if err != nil {
		return nil, err
	}

	prog := &verifier.Program{Name: m.Name, Entry: entry}
	switch {
	case m.ELF != "":
		f, err := os.Open(resolve(dir, m.ELF))
		if err != nil {
			return nil, fmt.Errorf("open object: %w", err)
		}
		defer f.Close()
		obj, err := LoadELF(f, m.Section)
		if err != nil {
			return nil, err
		}
		prog.Instructions, prog.Maps = obj.Instructions, obj.Maps
		if prog.Name == "" {
			prog.Name = obj.Name
		}
	default:
		raw, err := m.code(dir)
		if err != nil {
			return nil, err
		}
		if prog.Instructions, err = isa.Decode(raw); err != nil {
			return nil, err
		}
	}

	// Declared maps override what the object or the fd convention provides.
	if m.MapFDs == MapFDsPacked {
		prog.Maps = PackedMaps(prog.Instructions)
	}
	if len(m.Maps) > 0 && prog.Maps == nil {
		prog.Maps = make(map[int32]verifier.MapSpec, len(m.Maps))
	}
	for _, me := range m.Maps {
		prog.Maps[me.ID] = verifier.MapSpec{Name: me.Name, KeySize: me.KeySize, ValueSize: me.ValueSize}
	}

	return &Unit{Manifest: m, Program: prog, Helpers: table}, nil
}

func (m *Manifest) validate() error {
	sources := 0
	for _, s := range []string{m.Program, m.Code, m.ELF} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("%w: exactly one of program, code or elf is required", ErrInvalidManifest)
	}
	if m.Section != "" && m.ELF == "" {
		return fmt.Errorf("%w: section requires elf", ErrInvalidManifest)
	}
	switch m.MapFDs {
	case "", MapFDsTable, MapFDsPacked:
	default:
		return fmt.Errorf("%w: map_fds must be %q or %q", ErrInvalidManifest, MapFDsTable, MapFDsPacked)
	}
	seen := make(map[int32]bool, len(m.Maps))
	for _, me := range m.Maps {
		if seen[me.ID] {
			return fmt.Errorf("%w: map %d declared twice", ErrInvalidManifest, me.ID)
		}
		seen[me.ID] = true
		if me.KeySize < 0 || me.ValueSize < 0 {
			return fmt.Errorf("%w: map %d has a negative size", ErrInvalidManifest, me.ID)
		}
	}
	return nil
}

func (m *Manifest) code(dir string) ([]byte, error) {
	if m.Code != "" {
		raw, err := base64.StdEncoding.DecodeString(m.Code)
		if err != nil {
			return nil, fmt.Errorf("%w: code: %v", ErrInvalidManifest, err)
		}
		return raw, nil
	}
	path := resolve(dir, m.Program)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProgramNotFound, err)
	}
	if fi.Size() > MaxProgramSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrInvalidManifest, m.Program, fi.Size())
	}
	return os.ReadFile(path)
}

func (m *Manifest) entry() (verifier.EntrySpec, error) {
	switch m.Entry {
	case "", "packet":
		if m.Context != nil {
			return verifier.EntrySpec{}, fmt.Errorf("%w: context layout requires entry: context", ErrInvalidManifest)
		}
		return verifier.PacketEntry(), nil
	case "scalar":
		return verifier.EntrySpec{Kind: verifier.EntryScalar}, nil
	case "none":
		return verifier.EntrySpec{Kind: verifier.EntryNone}, nil
	case "context":
	default:
		return verifier.EntrySpec{}, fmt.Errorf("%w: unknown entry %q", ErrInvalidManifest, m.Entry)
	}

	if m.Context == nil {
		return verifier.EntrySpec{}, fmt.Errorf("%w: entry: context needs a context layout", ErrInvalidManifest)
	}
	e := verifier.EntrySpec{Kind: verifier.EntryContext, Size: m.Context.Size}
	for _, f := range m.Context.Fields {
		var kind verifier.FieldKind
		switch f.Kind {
		case "data":
			kind = verifier.FieldPacketData
		case "end":
			kind = verifier.FieldPacketEnd
		default:
			return verifier.EntrySpec{}, fmt.Errorf("%w: unknown context field kind %q", ErrInvalidManifest, f.Kind)
		}
		if f.Offset < 0 || f.Offset+8 > m.Context.Size {
			return verifier.EntrySpec{}, fmt.Errorf("%w: context field at %d outside %d bytes", ErrInvalidManifest, f.Offset, m.Context.Size)
		}
		e.Fields = append(e.Fields, verifier.ContextField{Offset: f.Offset, Kind: kind, Packet: f.Packet})
	}
	return e, nil
}

// PackedMaps derives map specs from the map-fd loads in prog using the
// packed convention.
func PackedMaps(prog []isa.Instruction) map[int32]verifier.MapSpec {
	maps := make(map[int32]verifier.MapSpec)
	for pc := 0; pc < len(prog); pc += prog[pc].Slots() {
		ins := prog[pc]
		if !ins.IsMapLoad() {
			continue
		}
		fd := int32(ins.Imm)
		maps[fd] = verifier.MapSpec{
			Name:      fmt.Sprintf("map_%d", fd),
			KeySize:   int64((fd >> 8) & 0xff),
			ValueSize: int64(fd & 0xff),
		}
	}
	return maps
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}
