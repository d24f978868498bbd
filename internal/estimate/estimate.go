// Package estimate turns transcripts into understanding-level estimates.
//
// Every strategy implements Estimator. The LLM-backed judges never fail on a
// malformed model reply: they fall back to a default level. Provider and
// transport errors are returned to the caller.
package estimate

import (
	"context"

	"github.com/pavelanni/tutorbench/internal/model"
)

// Context is what an estimator sees for one student/topic pair.
type Context struct {
	Student model.Student
	Topic   model.Topic
	Turns   []model.Turn

	// CurrentLevel is the existing prediction checked by re-judging strategies.
	CurrentLevel float64
}

// Estimate is one strategy's output.
type Estimate struct {
	Level     float64
	Raw       string
	Rationale string

	// Agree is set by re-judging strategies.
	Agree *bool

	// Average and Votes are set by the ensemble.
	Average float64
	Votes   []model.Vote

	// TutorPerformance is the verifier's critique of the tutor.
	TutorPerformance string
}

// Estimator converts a Context into a level.
type Estimator interface {
	Estimate(ctx context.Context, c Context) (Estimate, error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context, c Context) (Estimate, error)

func (f EstimatorFunc) Estimate(ctx context.Context, c Context) (Estimate, error) {
	return f(ctx, c)
}

func boolPtr(b bool) *bool { return &b }
