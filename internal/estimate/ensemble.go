package estimate

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/tutorbench/internal/config"
	"github.com/pavelanni/tutorbench/internal/model"
)

// Rounding decides how the ensemble average becomes an integer level.
type Rounding string

const (
	RoundNearest Rounding = "nearest"
	RoundUp      Rounding = "up"
	RoundDown    Rounding = "down"
)

// ParseRounding accepts nearest, up, down and the aliases ceiling and floor.
func ParseRounding(s string) (Rounding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nearest":
		return RoundNearest, nil
	case "up", "ceiling", "ceil":
		return RoundUp, nil
	case "down", "floor":
		return RoundDown, nil
	default:
		return "", config.Invalid("rounding must be nearest, up, or down, got %q", s)
	}
}

// Apply rounds avg (half-up for nearest) and clamps the result to [1, 5].
func (r Rounding) Apply(avg float64) int {
	var v float64
	switch r {
	case RoundUp:
		v = math.Ceil(avg)
	case RoundDown:
		v = math.Floor(avg)
	default:
		v = math.Floor(avg + 0.5)
	}
	return int(model.ClampLevel(v))
}

// Member is one named judge in an ensemble.
type Member struct {
	Name  string
	Judge Estimator
}

// Ensemble averages independent judgments from several models.
type Ensemble struct {
	members  []Member
	rounding Rounding
}

// NewEnsemble requires at least two members.
func NewEnsemble(rounding Rounding, members ...Member) (*Ensemble, error) {
	if len(members) < 2 {
		return nil, config.Invalid("provide at least 2 models for ensemble")
	}
	return &Ensemble{members: members, rounding: rounding}, nil
}

// Names returns the member names in order.
func (e *Ensemble) Names() []string {
	return lo.Map(e.members, func(m Member, _ int) string { return m.Name })
}

// Estimate runs every member concurrently on the same context. Any member
// error fails the whole estimate.
func (e *Ensemble) Estimate(ctx context.Context, c Context) (Estimate, error) {
	votes := make([]model.Vote, len(e.members))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range e.members {
		g.Go(func() error {
			est, err := m.Judge.Estimate(gctx, c)
			if err != nil {
				return fmt.Errorf("ensemble member %s: %w", m.Name, err)
			}
			agree := true
			if est.Agree != nil {
				agree = *est.Agree
			}
			votes[i] = model.Vote{
				Model:     m.Name,
				Agree:     agree,
				Level:     est.Level,
				Reasoning: est.Rationale,
				Raw:       est.Raw,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Estimate{}, err
	}

	levels := lo.Map(votes, func(v model.Vote, _ int) float64 { return v.Level })
	avg := lo.Sum(levels) / float64(len(levels))
	final := e.rounding.Apply(avg)

	return Estimate{
		Level:     float64(final),
		Rationale: closestVote(votes, avg).Reasoning,
		Agree:     boolPtr(lo.EveryBy(votes, func(v model.Vote) bool { return v.Agree })),
		Average:   avg,
		Votes:     votes,
	}, nil
}

// closestVote returns the first vote nearest to avg.
func closestVote(votes []model.Vote, avg float64) model.Vote {
	best := votes[0]
	for _, v := range votes[1:] {
		if math.Abs(v.Level-avg) < math.Abs(best.Level-avg) {
			best = v
		}
	}
	return best
}

// FormatVotes renders the progress line "s t: [2,3,4] avg=3.00 -> 3".
func FormatVotes(key model.PairKey, est Estimate) string {
	levels := lo.Map(est.Votes, func(v model.Vote, _ int) string { return fmt.Sprint(v.Level) })
	return fmt.Sprintf("%s: [%s] avg=%.2f -> %d", key, strings.Join(levels, ","), est.Average, int(est.Level))
}
