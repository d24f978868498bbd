// Package probe infers hidden true levels from a quadratic-loss scoring
// endpoint by submitting controlled prediction vectors.
//
// The method assumes the endpoint is deterministic and stateless: the same
// vector always yields the same mse_score. Noise or rate limiting breaks it.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/pavelanni/tutorbench/internal/config"
	"github.com/pavelanni/tutorbench/internal/evalapi"
	"github.com/pavelanni/tutorbench/internal/model"
)

// SafeSet is the only set probed without an explicit override.
const SafeSet = "mini_dev"

// MaxBruteForcePairs bounds BruteForce at 5^6 submissions.
const MaxBruteForcePairs = 6

// Scorer is the scoring endpoint.
type Scorer interface {
	EvaluateMSE(ctx context.Context, setType string, preds []model.Prediction) (evalapi.MSEResult, error)
}

// CheckSet refuses sets other than SafeSet unless force is set.
func CheckSet(setType string, force bool) error {
	if setType != SafeSet && !force {
		return config.Invalid("refusing to run on %s without --force (submission limits)", setType)
	}
	return nil
}

// ExpectedDelta is the change in total squared error when the prediction for
// an item whose true level is t moves from base to alt.
func ExpectedDelta(base, alt, t int) float64 {
	a, b := float64(alt-t), float64(base-t)
	return a*a - b*b
}

// InferLevel picks the level in 1..5 whose expected delta is closest to the
// observed one. Ties go to the lower level.
func InferLevel(delta float64, base, alt int) (int, map[int]float64) {
	expected := make(map[int]float64, 5)
	best, bestDist := 0, math.Inf(1)
	for t := int(model.MinLevel); t <= int(model.MaxLevel); t++ {
		e := ExpectedDelta(base, alt, t)
		expected[t] = e
		if d := math.Abs(e - delta); d < bestDist {
			best, bestDist = t, d
		}
	}
	return best, expected
}

// Prober submits probe vectors through a Scorer.
type Prober struct {
	Scorer Scorer
	Logger *slog.Logger
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// sse submits levels for pairs and returns n times the mean squared error.
func (p *Prober) sse(ctx context.Context, setType string, pairs []model.Pair, levels []float64) (float64, error) {
	preds := make([]model.Prediction, len(pairs))
	for i, pair := range pairs {
		preds[i] = model.Prediction{StudentID: pair.Student.ID, TopicID: pair.Topic.ID, PredictedLevel: levels[i]}
	}
	res, err := p.Scorer.EvaluateMSE(ctx, setType, preds)
	if err != nil {
		return 0, err
	}
	return res.Score * float64(len(pairs)), nil
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Infer runs one baseline submission with every item at base, then one
// submission per item with only that item moved to alt.
func (p *Prober) Infer(ctx context.Context, setType string, pairs []model.Pair, base, alt int) ([]model.InferredLevel, error) {
	if base == alt {
		return nil, config.Invalid("base and alt must differ, both are %d", base)
	}
	if len(pairs) == 0 {
		return nil, config.Invalid("no student/topic pairs found for set_type=%s", setType)
	}

	sse0, err := p.sse(ctx, setType, pairs, filled(len(pairs), float64(base)))
	if err != nil {
		return nil, fmt.Errorf("baseline probe: %w", err)
	}

	results := make([]model.InferredLevel, 0, len(pairs))
	for i, pair := range pairs {
		levels := filled(len(pairs), float64(base))
		levels[i] = float64(alt)
		ssei, err := p.sse(ctx, setType, pairs, levels)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", pair.Key(), err)
		}
		delta := ssei - sse0
		level, expected := InferLevel(delta, base, alt)
		p.logger().Info("inferred level", "student_id", pair.Student.ID, "topic_id", pair.Topic.ID, "delta", delta, "level", level)
		results = append(results, model.InferredLevel{
			StudentID:      pair.Student.ID,
			StudentName:    pair.Student.Name,
			TopicID:        pair.Topic.ID,
			TopicName:      pair.Topic.Name,
			SubjectName:    pair.Topic.SubjectName,
			InferredLevel:  level,
			Delta:          delta,
			ExpectedDeltas: expected,
		})
	}
	return results, nil
}

// BruteForceResult is the best vector found by BruteForce.
type BruteForceResult struct {
	Levels      []int   `json:"levels"`
	MSE         float64 `json:"mse"`
	Exact       bool    `json:"exact"`
	Submissions int     `json:"submissions"`
}

// BruteForce submits integer vectors in lexicographic order until one scores
// exactly 0, keeping the lowest score seen.
func (p *Prober) BruteForce(ctx context.Context, setType string, pairs []model.Pair) (BruteForceResult, error) {
	n := len(pairs)
	if n == 0 {
		return BruteForceResult{}, config.Invalid("no student/topic pairs found for set_type=%s", setType)
	}
	if n > MaxBruteForcePairs {
		return BruteForceResult{}, config.Invalid("brute force needs 5^%d submissions; refusing more than %d pairs", n, MaxBruteForcePairs)
	}

	digits := make([]int, n)
	for i := range digits {
		digits[i] = int(model.MinLevel)
	}
	best := BruteForceResult{MSE: math.Inf(1)}
	for {
		if err := ctx.Err(); err != nil {
			return best, err
		}
		levels := make([]float64, n)
		for i, d := range digits {
			levels[i] = float64(d)
		}
		sse, err := p.sse(ctx, setType, pairs, levels)
		if err != nil {
			return best, fmt.Errorf("brute force %v: %w", digits, err)
		}
		best.Submissions++
		if mse := sse / float64(n); mse < best.MSE {
			best.MSE = mse
			best.Levels = append([]int(nil), digits...)
		}
		if best.MSE == 0 {
			best.Exact = true
			return best, nil
		}
		if !next(digits) {
			return best, nil
		}
	}
}

// next advances digits as a base-5 odometer over 1..5, last digit fastest.
func next(digits []int) bool {
	for i := len(digits) - 1; i >= 0; i-- {
		if digits[i] < int(model.MaxLevel) {
			digits[i]++
			return true
		}
		digits[i] = int(model.MinLevel)
	}
	return false
}
