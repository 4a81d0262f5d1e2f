package verdict

import (
	"fmt"
	"io"

	"github.com/logrusorgru/aurora"
)

// Render writes the report. Output is deterministic for a given report;
// color only adds terminal escape sequences.
func (r *Report) Render(w io.Writer, color bool) error {
	au := aurora.NewAurora(color)
	ew := &errWriter{w: w}

	name := r.Program
	if name == "" {
		name = "<program>"
	}

	if r.Verdict.IsAccept() {
		ew.printf("%s %s\n", au.Bold(name), au.Green("ACCEPT"))
	} else {
		ew.printf("%s %s %s at pc %d\n",
			au.Bold(name), au.Red("REJECT").Bold(), au.Red(r.Verdict.Kind), au.Yellow(r.Verdict.PC))
		if r.Instruction != "" {
			ew.printf("  %4d: %s\n", au.Yellow(r.Verdict.PC), r.Instruction)
		}
		if r.Verdict.Kind == UseAfterRelease || r.Verdict.Kind == LeakedReference {
			ew.printf("  reference: %d\n", au.Magenta(r.Verdict.ID))
		}
		if r.Verdict.Reason != "" {
			ew.printf("  reason: %s\n", r.Verdict.Reason)
		}
	}

	ew.printf("  stats: %d blocks visited, %d instructions, %d states, peak %d handles\n",
		au.Cyan(r.Stats.BlocksVisited), au.Cyan(r.Stats.Instructions),
		au.Cyan(r.Stats.States), au.Cyan(r.Stats.PeakHandles))

	if len(r.Trace) > 0 {
		ew.printf("  trace:\n")
		for _, line := range r.Trace {
			ew.printf("    %s\n", au.Gray(12, line))
		}
	}
	return ew.err
}

// errWriter keeps the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
