package verifier

import (
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
)

// Options tune the analysis. The zero value of a numeric field selects its default.
type Options struct {
	// RejectUnreachable fails programs containing blocks that cannot be
	// reached from the entry.
	RejectUnreachable bool `json:"reject_unreachable" yaml:"reject_unreachable"`

	// WidenAfter is the number of visits of a loop header after which
	// non-guard registers and stack slots that still grow are widened.
	WidenAfter int `json:"widen_after" yaml:"widen_after"`

	// VisitBudget caps the visits of one block in one call context.
	VisitBudget int `json:"visit_budget" yaml:"visit_budget"`

	// InstructionBudget caps the instructions processed over the whole run.
	InstructionBudget uint64 `json:"instruction_budget" yaml:"instruction_budget"`

	// MaxHandles caps the simultaneously live resource handles.
	MaxHandles int `json:"max_handles" yaml:"max_handles"`

	// TraceLimit is the number of processed instructions recorded in the
	// report trace. Zero disables tracing.
	TraceLimit int `json:"trace_limit,omitempty" yaml:"trace_limit,omitempty"`

	// Tracer, when set, observes every processed instruction.
	Tracer Tracer `json:"-" yaml:"-"`
}

// Tracer observes the state before each instruction is applied.
type Tracer func(pc int, ins isa.Instruction, st *State)

// Default limits.
const (
	DefaultWidenAfter        = 8
	DefaultVisitBudget       = 4096
	DefaultInstructionBudget = uint64(1_000_000)
	DefaultMaxHandles        = 64
)

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		RejectUnreachable: true,
		WidenAfter:        DefaultWidenAfter,
		VisitBudget:       DefaultVisitBudget,
		InstructionBudget: DefaultInstructionBudget,
		MaxHandles:        DefaultMaxHandles,
	}
}

func (o Options) withDefaults() Options {
	if o.WidenAfter <= 0 {
		o.WidenAfter = DefaultWidenAfter
	}
	if o.VisitBudget <= 0 {
		o.VisitBudget = DefaultVisitBudget
	}
	if o.InstructionBudget == 0 {
		o.InstructionBudget = DefaultInstructionBudget
	}
	if o.MaxHandles <= 0 {
		o.MaxHandles = DefaultMaxHandles
	}
	return o
}
