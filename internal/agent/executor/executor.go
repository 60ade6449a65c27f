// Package executor holds the workloads a worker runs for assigned jobs.
package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// Executor runs one job and returns its result value. Implementations
// must return promptly once ctx is cancelled.
type Executor interface {
	Name() string
	Run(ctx context.Context, jobID string) (any, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, jobID string) (any, error)

func (Func) Name() string { return "func" }

func (f Func) Run(ctx context.Context, jobID string) (any, error) { return f(ctx, jobID) }

const (
	DefaultPiMinTerms = 10_000_000
	DefaultPiMaxTerms = 100_000_000

	cancelCheckEvery = 1 << 16
)

// Pi approximates pi with the Leibniz series using a random number of
// terms in [MinTerms, MaxTerms].
type Pi struct {
	MinTerms int
	MaxTerms int
}

func (*Pi) Name() string { return "pi" }

func (p *Pi) Run(ctx context.Context, _ string) (any, error) {
	lo, hi := p.MinTerms, p.MaxTerms
	if lo <= 0 {
		lo = DefaultPiMinTerms
	}
	if hi < lo {
		hi = lo
	}
	terms := lo
	if hi > lo {
		terms = lo + rand.IntN(hi-lo+1)
	}
	return Leibniz(ctx, terms)
}

// Leibniz sums n terms of 4 * (1 - 1/3 + 1/5 - ...).
func Leibniz(ctx context.Context, n int) (float64, error) {
	sum := 0.0
	sign := 1.0
	for k := 0; k < n; k++ {
		if k%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, fmt.Errorf("pi interrupted after %d terms: %w", k, err)
			}
		}
		sum += sign / float64(2*k+1)
		sign = -sign
	}
	return 4 * sum, nil
}
