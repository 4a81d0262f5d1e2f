package verifier

import (
	"context"

	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of verifying one program of a batch.
type Result struct {
	Report *verdict.Report
	Err    error
}

// VerifyAll verifies independent programs with at most parallelism runs in
// flight (unlimited when parallelism <= 0). Results are returned in input
// order. Cancelling ctx stops scheduling; programs that were not started
// carry the context error.
func (v *Verifier) VerifyAll(ctx context.Context, progs []*Program, parallelism int) ([]Result, error) {
	results := make([]Result, len(progs))
	g := new(errgroup.Group)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}

	for i, prog := range progs {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(progs); j++ {
				results[j].Err = err
			}
			break
		}
		i, prog := i, prog
		g.Go(func() error {
			rep, err := v.Verify(prog)
			results[i] = Result{Report: rep, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
