package loader

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/fortiblox/X1-Sentinel/pkg/cfg"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func returnZero() []byte {
	return isa.Marshal(isa.NewBuilder().Mov64Imm(isa.R0, 0).Exit().MustProgram())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ret.bin"), returnZero(), 0644))

	manifest := `
program: ret.bin
helpers: testing
entry: scalar
`
	path := filepath.Join(dir, "ret.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))

	u, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ret.yaml", u.Program.Name)
	assert.Equal(t, "testing", u.Helpers.Name())
	assert.Equal(t, verifier.EntryScalar, u.Program.Entry.Kind)
	assert.Len(t, u.Program.Instructions, 2)
}

func TestBuild(t *testing.T) {
	code := base64.StdEncoding.EncodeToString(returnZero())

	tests := []struct {
		name    string
		m       Manifest
		wantErr error
	}{
		{"inline code", Manifest{Name: "ok", Code: code}, nil},
		{"no source", Manifest{Name: "none"}, ErrInvalidManifest},
		{"two sources", Manifest{Code: code, Program: "x.bin"}, ErrInvalidManifest},
		{"bad base64", Manifest{Code: "!!"}, ErrInvalidManifest},
		{"missing file", Manifest{Program: "missing.bin"}, ErrProgramNotFound},
		{"section without elf", Manifest{Code: code, Section: "xdp"}, ErrInvalidManifest},
		{"unknown helpers", Manifest{Code: code, Helpers: "posix"}, ErrInvalidManifest},
		{"unknown fire and forget", Manifest{Code: code, Helpers: "testing", FireAndForget: []int32{99}}, ErrInvalidManifest},
		{"unknown entry", Manifest{Code: code, Entry: "stack"}, ErrInvalidManifest},
		{"context without layout", Manifest{Code: code, Entry: "context"}, ErrInvalidManifest},
		{"layout without context", Manifest{Code: code, Context: &ContextLayout{Size: 8}}, ErrInvalidManifest},
		{"bad map_fds", Manifest{Code: code, MapFDs: "hashed"}, ErrInvalidManifest},
		{"duplicate map", Manifest{Code: code, Maps: []MapEntry{{ID: 1}, {ID: 1}}}, ErrInvalidManifest},
		{
			"field outside context",
			Manifest{Code: code, Entry: "context", Context: &ContextLayout{
				Size:   8,
				Fields: []FieldEntry{{Offset: 4, Kind: "data"}},
			}},
			ErrInvalidManifest,
		},
		{
			"unknown field kind",
			Manifest{Code: code, Entry: "context", Context: &ContextLayout{
				Size:   16,
				Fields: []FieldEntry{{Offset: 0, Kind: "head"}},
			}},
			ErrInvalidManifest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.m
			_, err := Build(&m, t.TempDir())
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuildDefaults(t *testing.T) {
	m := &Manifest{Name: "defaults", Code: base64.StdEncoding.EncodeToString(returnZero())}
	u, err := Build(m, "")
	require.NoError(t, err)
	assert.Equal(t, "kernel", u.Helpers.Name())
	assert.Equal(t, verifier.PacketEntry(), u.Program.Entry)
	assert.Nil(t, u.Program.Maps)
}

func TestContextLayout(t *testing.T) {
	m := &Manifest{
		Code:  base64.StdEncoding.EncodeToString(returnZero()),
		Entry: "context",
		Context: &ContextLayout{
			Size: 32,
			Fields: []FieldEntry{
				{Offset: 8, Kind: "data", Packet: 1},
				{Offset: 16, Kind: "end", Packet: 1},
			},
		},
	}
	u, err := Build(m, "")
	require.NoError(t, err)
	assert.Equal(t, verifier.EntrySpec{
		Kind: verifier.EntryContext,
		Size: 32,
		Fields: []verifier.ContextField{
			{Offset: 8, Kind: verifier.FieldPacketData, Packet: 1},
			{Offset: 16, Kind: verifier.FieldPacketEnd, Packet: 1},
		},
	}, u.Program.Entry)
}

func TestMaps(t *testing.T) {
	prog := isa.NewBuilder().
		LoadMapFD(isa.R1, 0x0408).
		LoadMapFD(isa.R2, 0x1020).
		Mov64Imm(isa.R0, 0).
		Exit().
		MustProgram()
	code := base64.StdEncoding.EncodeToString(isa.Marshal(prog))

	packed, err := Build(&Manifest{Code: code, MapFDs: MapFDsPacked}, "")
	require.NoError(t, err)
	assert.Equal(t, map[int32]verifier.MapSpec{
		0x0408: {Name: "map_1032", KeySize: 4, ValueSize: 8},
		0x1020: {Name: "map_4128", KeySize: 16, ValueSize: 32},
	}, packed.Program.Maps)

	// Declared maps override the packed sizes.
	declared, err := Build(&Manifest{
		Code:   code,
		MapFDs: MapFDsPacked,
		Maps:   []MapEntry{{ID: 0x0408, Name: "counts", KeySize: 4, ValueSize: 64}},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, verifier.MapSpec{Name: "counts", KeySize: 4, ValueSize: 64}, declared.Program.Maps[0x0408])
	assert.Len(t, declared.Program.Maps, 2)
}

func TestParse(t *testing.T) {
	m, err := Parse([]byte(`
name: counter
code: lQAAAAAAAAA=
helpers: kernel
fire_and_forget: [1]
maps:
  - {id: 1, name: counts, key_size: 4, value_size: 8}
`))
	require.NoError(t, err)
	assert.Equal(t, "counter", m.Name)
	assert.Equal(t, []int32{1}, m.FireAndForget)
	assert.Equal(t, []MapEntry{{ID: 1, Name: "counts", KeySize: 4, ValueSize: 8}}, m.Maps)

	_, err = Parse([]byte("name: x\nprogramme: typo.bin\n"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestLoadELFRejectsGarbage(t *testing.T) {
	_, err := LoadELF(bytes.NewReader([]byte("not an object")), "")
	assert.ErrorIs(t, err, ErrInvalidELF)
}

func TestLink(t *testing.T) {
	insns := asm.Instructions{
		asm.LoadMapPtr(asm.R1, 0).WithReference("counts"),
		asm.Call.Label("fn"),
		asm.Return(),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("fn"),
		asm.Return(),
	}
	out, err := link(insns, map[string]int32{"counts": 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out[0].Constant)
	assert.Equal(t, int64(1), out[1].Constant)

	prog := isa.FromAsm(out)
	require.Len(t, prog, 6)
	assert.True(t, prog[0].IsMapLoad())
	assert.Equal(t, 4, prog[2].Target(2))
	_, err = cfg.Build(prog)
	require.NoError(t, err)

	_, err = link(insns, map[string]int32{})
	assert.Error(t, err)
}
