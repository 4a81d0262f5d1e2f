// Package verdict defines the outcome of a verification run and its
// human-readable diagnostics.
package verdict

import (
	"encoding/json"
	"fmt"

	"github.com/fortiblox/X1-Sentinel/pkg/isa"
)

// ErrMalformedProgram is matched by every error reported for a program that
// cannot be analyzed at all.
var ErrMalformedProgram = isa.ErrMalformedProgram

// Kind classifies a verdict.
type Kind uint8

const (
	Accept Kind = iota
	OutOfBounds
	UseAfterRelease
	UnprovenAssertion
	BudgetExceeded
	MalformedHelperUse
	LeakedReference
	UninitializedRead
)

var kindNames = []string{
	Accept:             "accept",
	OutOfBounds:        "out_of_bounds",
	UseAfterRelease:    "use_after_release",
	UnprovenAssertion:  "unproven_assertion",
	BudgetExceeded:     "budget_exceeded",
	MalformedHelperUse: "malformed_helper_use",
	LeakedReference:    "leaked_reference",
	UninitializedRead:  "uninitialized_read",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown verdict kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Verdict is the result of verifying one program. PC is the offending
// instruction and ID the handle or lookup tag involved, when any.
type Verdict struct {
	Kind   Kind   `json:"kind"`
	PC     int    `json:"pc"`
	ID     int    `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Accepted returns the accepting verdict.
func Accepted() Verdict {
	return Verdict{Kind: Accept}
}

// Reject builds a rejecting verdict.
func Reject(kind Kind, pc int, format string, args ...interface{}) Verdict {
	return Verdict{Kind: kind, PC: pc, Reason: fmt.Sprintf(format, args...)}
}

// RejectID builds a rejecting verdict naming a handle or lookup tag.
func RejectID(kind Kind, pc, id int, format string, args ...interface{}) Verdict {
	return Verdict{Kind: kind, PC: pc, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// IsAccept reports whether the program was accepted.
func (v Verdict) IsAccept() bool { return v.Kind == Accept }

func (v Verdict) String() string {
	if v.IsAccept() {
		return "ACCEPT"
	}
	s := fmt.Sprintf("REJECT %v at pc %d", v.Kind, v.PC)
	if v.Kind == UseAfterRelease || v.Kind == LeakedReference {
		s += fmt.Sprintf(" (id %d)", v.ID)
	}
	if v.Reason != "" {
		s += ": " + v.Reason
	}
	return s
}

// Stats summarizes the work done by one run.
type Stats struct {
	BlocksVisited int `json:"blocks_visited"`
	Instructions  int `json:"instructions"`
	States        int `json:"states"`
	PeakHandles   int `json:"peak_handles"`
}

// Report couples a verdict with run statistics and an optional trace.
type Report struct {
	Program     string   `json:"program"`
	Verdict     Verdict  `json:"verdict"`
	Stats       Stats    `json:"stats"`
	Instruction string   `json:"instruction,omitempty"`
	Trace       []string `json:"trace,omitempty"`
}

// Marshal encodes the report as JSON.
func (r *Report) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalReport decodes a report produced by Marshal.
func UnmarshalReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
