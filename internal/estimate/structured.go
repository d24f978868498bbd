package estimate

import (
	"context"
	"fmt"
	"strings"

	"github.com/pavelanni/tutorbench/internal/model"
)

var (
	confidentMarkers = []string{"definitely", "i'm sure", "i am sure", "clearly", "of course", "i know", "obviously"}
	badMarkers       = []string{"i don't know", "i dont know", "no idea", "confused", "wrong", "i'm lost", "don't understand"}
	goodMarkers      = []string{"because", "therefore", "so", "means", "since", "which", "then"}
	causalMarkers    = []string{"because", "therefore", "since", "so that", "which means", "thus", "hence", "as a result"}
)

const shortResponse = 10

// Analyze scores one student reply on the 1.0 to 5.0 scale.
func Analyze(turn int, response string) model.StudentAnalysis {
	text := strings.ToLower(strings.TrimSpace(response))
	return model.StudentAnalysis{
		Turn:        turn,
		Confidence:  confidenceScore(text),
		Correctness: correctnessScore(text),
		Reasoning:   reasoningScore(text),
		Recovery:    recoveryScore(text),
		Engagement:  engagementScore(text),
		Length:      len(response),
	}
}

func confidenceScore(text string) float64 {
	switch {
	case containsAny(text, hedgeMarkers):
		return 2.0
	case containsAny(text, confidentMarkers):
		return 4.5
	default:
		return 3.0
	}
}

func correctnessScore(text string) float64 {
	switch {
	case len(text) < shortResponse:
		return 1.5
	case containsAny(text, badMarkers):
		return 2.0
	case countWords(text, goodMarkers) >= 2:
		return 4.0
	default:
		return 3.0
	}
}

func reasoningScore(text string) float64 {
	return min(5.0, 1.5+float64(countMarkers(text, causalMarkers)))
}

func recoveryScore(text string) float64 {
	if containsAny(text, selfFixMarkers) {
		return 4.5
	}
	return 3.0
}

func engagementScore(text string) float64 {
	switch {
	case len(text) < 15:
		return 1.0
	case strings.Contains(text, "?"):
		return 4.5
	case len(text) < 60:
		return 2.0
	default:
		return 3.0
	}
}

// countWords counts whole-word occurrences of words in text.
func countWords(text string, words []string) int {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	n := 0
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	}) {
		if set[f] {
			n++
		}
	}
	return n
}

// Factor weights of the structured predictor.
const (
	weightBlend      = 0.35
	weightBest       = 0.25
	weightWorst      = 0.15
	weightTrajectory = 0.15
	weightEngagement = 0.10
)

// StructuredPredictor combines per-turn analyses into a half-point level.
type StructuredPredictor struct {
	// Offset is added before clamping. Zero by default.
	Offset float64
}

// Predict returns a level in [1, 5] that is a multiple of 0.5.
// An empty slice yields 3.0.
func (p StructuredPredictor) Predict(analyses []model.StudentAnalysis) float64 {
	n := len(analyses)
	if n == 0 {
		return model.DefaultLevel
	}

	var blend, engagement float64
	best, worst := analyses[0].Correctness, analyses[0].Correctness
	for _, a := range analyses {
		blend += 0.4*a.Correctness + 0.3*a.Reasoning + 0.3*a.Confidence
		engagement += a.Engagement
		best = max(best, a.Correctness)
		worst = min(worst, a.Correctness)
	}
	blend /= float64(n)
	engagement /= float64(n)

	split := max(1, n/2)
	early, late := analyses[:split], analyses[split:]
	if len(late) == 0 {
		late = early
	}
	trajectory := 3.0 + meanCorrectness(late) - meanCorrectness(early)

	sum := weightBlend*blend +
		weightBest*clamp(best, 0, 5) +
		weightWorst*clamp(worst, 0, 5) +
		weightTrajectory*trajectory +
		weightEngagement*engagement
	return model.RoundHalf(model.ClampLevel(sum + p.Offset))
}

func meanCorrectness(as []model.StudentAnalysis) float64 {
	var s float64
	for _, a := range as {
		s += a.Correctness
	}
	return s / float64(len(as))
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

// AnalyzeTurns analyzes every student turn in order.
func AnalyzeTurns(turns []model.Turn) []model.StudentAnalysis {
	students := model.StudentTurns(turns)
	out := make([]model.StudentAnalysis, 0, len(students))
	for _, t := range students {
		out = append(out, Analyze(t.Turn, t.Content))
	}
	return out
}

func (p StructuredPredictor) Estimate(_ context.Context, c Context) (Estimate, error) {
	analyses := AnalyzeTurns(c.Turns)
	return Estimate{
		Level:     p.Predict(analyses),
		Rationale: fmt.Sprintf("weighted factors over %d student turns", len(analyses)),
	}, nil
}
