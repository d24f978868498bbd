// Package runner fans independent jobs out over a bounded pool of goroutines.
package runner

import (
	"context"
	"log/slog"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Failure records a job that returned an error.
type Failure[J any] struct {
	Job J
	Err error
}

// Options configure RunAll.
type Options[J any] struct {
	// Workers bounds concurrency. Values below 1 mean 1.
	Workers int
	// Describe returns slog attributes identifying a job in failure logs.
	Describe func(J) []any
	Logger   *slog.Logger
}

type outcome[R any] struct {
	value R
	ok    bool
}

// RunAll runs fn for every job with at most opts.Workers in flight. A failing
// job is logged and dropped without cancelling its siblings. Successful
// results are returned in job order.
func RunAll[J, R any](ctx context.Context, jobs []J, opts Options[J], fn func(context.Context, J) (R, error)) ([]R, []Failure[J]) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := max(1, opts.Workers)

	outcomes := make([]outcome[R], len(jobs))
	errs := make([]error, len(jobs))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, job := range jobs {
		g.Go(func() error {
			v, err := fn(ctx, job)
			if err != nil {
				attrs := []any{"error", err}
				if opts.Describe != nil {
					attrs = append(opts.Describe(job), attrs...)
				}
				logger.Error("job failed", attrs...)
				errs[i] = err
				return nil
			}
			outcomes[i] = outcome[R]{value: v, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	results := lo.FilterMap(outcomes, func(o outcome[R], _ int) (R, bool) { return o.value, o.ok })
	var failures []Failure[J]
	for i, err := range errs {
		if err != nil {
			failures = append(failures, Failure[J]{Job: jobs[i], Err: err})
		}
	}
	return results, failures
}
