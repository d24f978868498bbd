package estimate

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/pavelanni/tutorbench/internal/model"
)

var (
	confusionMarkers = []string{"i don't know", "i dont know", "confused", "no idea", "i'm lost", "don't understand", "dont understand"}
	hedgeMarkers     = []string{"maybe", "i think", "not sure", "i guess", "probably"}
	reasoningMarkers = []string{"because", "therefore", "since", "so that", "which means"}
	selfFixMarkers   = []string{"wait", "actually", "i mean", "let me fix", "oh i see"}
)

// DefaultWindow is how many recent student turns EstimateLevel reads.
const DefaultWindow = 3

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func countMarkers(text string, markers []string) int {
	n := 0
	for _, m := range markers {
		n += strings.Count(text, m)
	}
	return n
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

// turnScore is the keyword score of one student reply.
func turnScore(content string) int {
	text := strings.ToLower(content)
	score := 0
	if containsAny(text, confusionMarkers) {
		score -= 2
	}
	if containsAny(text, hedgeMarkers) {
		score--
	}
	if containsAny(text, reasoningMarkers) {
		score++
	}
	if containsAny(text, selfFixMarkers) {
		score++
	}
	if hasDigit(text) {
		score++
	}
	return score
}

// EstimateLevel scores the last three student turns by keyword markers and
// maps the total to a level. It is pure.
func EstimateLevel(turns []model.Turn) int {
	return EstimateLevelWindow(turns, DefaultWindow)
}

// EstimateLevelWindow is EstimateLevel over the last window student turns.
// A window below 1 reads all of them.
func EstimateLevelWindow(turns []model.Turn, window int) int {
	students := model.StudentTurns(turns)
	if window > 0 && len(students) > window {
		students = students[len(students)-window:]
	}
	score := 0
	for _, t := range students {
		score += turnScore(t.Content)
	}
	switch {
	case score <= -3:
		return 1
	case score <= -1:
		return 2
	case score <= 1:
		return 3
	case score <= 3:
		return 4
	default:
		return 5
	}
}

// Heuristic is EstimateLevel as an Estimator. It never calls a model.
type Heuristic struct{}

func (Heuristic) Estimate(_ context.Context, c Context) (Estimate, error) {
	level := EstimateLevel(c.Turns)
	return Estimate{
		Level:     float64(level),
		Rationale: fmt.Sprintf("keyword heuristic over last %d student turns", DefaultWindow),
	}, nil
}
