package isa

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slots(words ...uint64) []byte {
	b := make([]byte, len(words)*SlotSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(b[i*SlotSize:], w)
	}
	return b
}

func TestDecodeWideLoad(t *testing.T) {
	raw := slots(
		Encode(OpLddw, 1, 0, 0, int32(0x55667788)),
		Encode(0, 0, 0, 0, 0x11223344),
		Encode(OpMov64Reg, 0, 1, 0, 0),
		Encode(OpExit, 0, 0, 0, 0),
	)

	prog, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, prog, 4)

	assert.True(t, prog[0].IsWideLoad())
	assert.Equal(t, int64(0x1122334455667788), prog[0].Imm)
	assert.Equal(t, 2, prog[0].Slots())
	assert.True(t, prog[3].IsExit())

	assert.Equal(t, raw, Marshal(prog))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(make([]byte, 12))
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("Decode(12 bytes) error = %v, want ErrTruncated", err)
	}

	_, err = Decode(slots(Encode(OpLddw, 1, 0, 0, 1)))
	if !errors.Is(err, ErrMalformedProgram) {
		t.Errorf("Decode(incomplete lddw) error = %v, want ErrMalformedProgram", err)
	}
}

func TestValidate(t *testing.T) {
	exit := Instruction{Op: OpExit}
	tests := []struct {
		name string
		prog []Instruction
		ok   bool
	}{
		{"minimal", []Instruction{ALU64Imm(AluMov, R0, 0), exit}, true},
		{"empty", nil, false},
		{"legacy packet load", []Instruction{{Op: ClassLd | ModeAbs | SizeW}, exit}, false},
		{"write r10", []Instruction{ALU64Imm(AluMov, R10, 0), exit}, false},
		{"register out of range", []Instruction{{Op: OpMov64Reg, Dst: 11}, exit}, false},
		{"div by zero imm", []Instruction{ALU64Imm(AluDiv, R1, 0), exit}, false},
		{"shift too wide", []Instruction{ALU32Imm(AluLsh, R1, 32), exit}, false},
		{"shift ok", []Instruction{ALU64Imm(AluLsh, R1, 63), exit}, true},
		{"bad endian width", []Instruction{ALU32Imm(AluEnd, R1, 8), exit}, false},
		{"endian ok", []Instruction{ALU32Imm(AluEnd, R1, 16), exit}, true},
		{"imm in register form", []Instruction{{Op: OpAdd64Reg, Dst: R1, Src: R2, Imm: 1}, exit}, false},
		{"src in imm form", []Instruction{{Op: OpAdd64Imm, Dst: R1, Src: R2}, exit}, false},
		{"exit with operands", []Instruction{{Op: OpExit, Dst: R1}}, false},
		{"ja in jmp32", []Instruction{{Op: ClassJmp32 | JmpJa}, exit}, false},
		{"call with dst", []Instruction{{Op: OpCall, Dst: R1, Imm: 1}, exit}, false},
		{"lddw filler not zero", []Instruction{LoadImm64(R1, 1), {Op: OpExit}, exit}, false},
		{"lddw map fd", []Instruction{LoadMapFD(R1, 3), {}, exit}, true},
		{"atomic byte", []Instruction{Atomic(SizeB, R10, -8, R1, AtomicAdd), exit}, false},
		{"atomic fetch add", []Instruction{Atomic(SizeDW, R10, -8, R1, AtomicAdd|AtomicFetch), exit}, true},
		{"ldx with imm", []Instruction{{Op: OpLdxdw, Dst: R1, Src: R10, Off: -8, Imm: 1}, exit}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.prog)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedProgram)
		})
	}
}

func TestValidateReportsPC(t *testing.T) {
	prog := []Instruction{
		ALU64Imm(AluMov, R0, 0),
		ALU64Imm(AluMov, R0, 0),
		ALU64Imm(AluDiv, R0, 0),
		{Op: OpExit},
	}
	err := Validate(prog)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 2, ierr.PC)
	assert.ErrorIs(t, err, ErrIllegalInstruction)
}

func TestBuilderLabels(t *testing.T) {
	prog := NewBuilder().
		Mov64Imm(R0, 0).
		LoadImm64(R1, 1<<40).
		Label("loop").
		ALU64Imm(AluAdd, R0, 1).
		JmpImm(JmpJlt, R0, 10, "loop").
		Ja("out").
		Mov64Imm(R0, 7).
		Label("out").
		Exit().
		MustProgram()

	require.Len(t, prog, 8)
	assert.Equal(t, 3, prog[4].Target(4), "backward jump resolves to loop head")
	assert.Equal(t, 7, prog[5].Target(5), "forward jump skips the dead move")
	assert.True(t, prog[4].IsConditional())
	assert.False(t, prog[5].IsConditional())

	_, err := NewBuilder().Ja("nowhere").Program()
	assert.Error(t, err)
}

func TestDisassemble(t *testing.T) {
	prog := NewBuilder().
		LoadImm64(R1, 42).
		Mov64Reg(R0, R1).
		Exit().
		MustProgram()

	out := Disassemble(prog)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, "filler slot is not listed")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[1]), "2:"))
	assert.Contains(t, out, "r1")
}
