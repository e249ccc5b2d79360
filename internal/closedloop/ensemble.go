package closedloop

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// Job is one member of an ensemble. Close releases the capsules the job
// owns; it may be nil.
type Job struct {
	Runner *Runner
	X0     dynamo.State
	Config dynamo.Config
	Close  func() error
}

// Factory builds run i. Capsules are not safe for concurrent use, so
// every job must own its solvers.
type Factory func(i int) (*Job, error)

type Ensemble struct {
	factory Factory
	numRuns int
	workers int
}

// NewEnsemble runs numRuns jobs with at most workers running at once. A
// non-positive workers leaves the concurrency unbounded.
func NewEnsemble(f Factory, numRuns, workers int) *Ensemble {
	return &Ensemble{factory: f, numRuns: numRuns, workers: workers}
}

// Run stops at the first failing job and cancels the others.
func (e *Ensemble) Run(ctx context.Context) ([]*dynamo.Result, error) {
	results := make([]*dynamo.Result, e.numRuns)

	g, ctx := errgroup.WithContext(ctx)
	if e.workers > 0 {
		g.SetLimit(e.workers)
	}
	for i := 0; i < e.numRuns; i++ {
		g.Go(func() (err error) {
			job, err := e.factory(i)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			if job.Close != nil {
				defer func() { err = errors.Join(err, job.Close()) }()
			}
			res, err := job.Runner.Run(ctx, job.X0, job.Config)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
