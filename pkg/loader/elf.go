package loader

import (
	"fmt"
	"io"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/fortiblox/X1-Sentinel/pkg/verifier"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Object is a program extracted from an ELF object.
type Object struct {
	Name         string
	Section      string
	Instructions []isa.Instruction
	Maps         map[int32]verifier.MapSpec
}

// LoadELF extracts one program from an eBPF object. name selects the
// program by function or section name and may be empty when the object
// holds a single program.
//
// Map references become map-fd wide loads. Map ids are assigned from 1 in
// ascending order of map name, and local calls are resolved to relative
// offsets.
func LoadELF(r io.ReaderAt, name string) (*Object, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}

	ps, err := selectProgram(spec, name)
	if err != nil {
		return nil, err
	}

	names := maps.Keys(spec.Maps)
	slices.Sort(names)
	ids := make(map[string]int32, len(names))
	specs := make(map[int32]verifier.MapSpec, len(names))
	for i, n := range names {
		id := int32(i + 1)
		ids[n] = id
		specs[id] = verifier.MapSpec{
			Name:      n,
			KeySize:   int64(spec.Maps[n].KeySize),
			ValueSize: int64(spec.Maps[n].ValueSize),
		}
	}

	insns, err := link(ps.Instructions, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidELF, ps.Name, err)
	}
	return &Object{
		Name:         ps.Name,
		Section:      ps.SectionName,
		Instructions: isa.FromAsm(insns),
		Maps:         specs,
	}, nil
}

func selectProgram(spec *ebpf.CollectionSpec, name string) (*ebpf.ProgramSpec, error) {
	if name == "" {
		if len(spec.Programs) != 1 {
			return nil, fmt.Errorf("%w: object has %d programs, a section is required", ErrProgramNotFound, len(spec.Programs))
		}
		for _, ps := range spec.Programs {
			return ps, nil
		}
	}
	if ps, ok := spec.Programs[name]; ok {
		return ps, nil
	}

	progs := maps.Keys(spec.Programs)
	slices.Sort(progs)
	for _, n := range progs {
		if spec.Programs[n].SectionName == name {
			return spec.Programs[n], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrProgramNotFound, name)
}

// link rewrites map references and local calls in a copy of insns.
func link(insns asm.Instructions, ids map[string]int32) (asm.Instructions, error) {
	out := make(asm.Instructions, len(insns))
	copy(out, insns)

	// Slot offset of every symbol.
	symbols := make(map[string]int)
	slot := 0
	for _, ins := range out {
		if sym := ins.Symbol(); sym != "" {
			symbols[sym] = slot
		}
		slot += int(ins.Size() / asm.InstructionSize)
	}

	slot = 0
	for i := range out {
		ins := &out[i]
		switch {
		case ins.IsLoadFromMap():
			if ins.Src != asm.PseudoMapFD {
				return nil, fmt.Errorf("direct value access to map %q is not supported", ins.Reference())
			}
			id, ok := ids[ins.Reference()]
			if !ok {
				return nil, fmt.Errorf("reference to unknown map %q", ins.Reference())
			}
			ins.Constant = int64(id)
		case ins.IsFunctionCall() && ins.Reference() != "":
			target, ok := symbols[ins.Reference()]
			if !ok {
				return nil, fmt.Errorf("call to unknown function %q", ins.Reference())
			}
			ins.Constant = int64(target - slot - 1)
		}
		slot += int(ins.Size() / asm.InstructionSize)
	}
	return out, nil
}
