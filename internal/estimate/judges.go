package estimate

import (
	"context"
	"fmt"
	"strings"

	"github.com/pavelanni/tutorbench/internal/llm"
	"github.com/pavelanni/tutorbench/internal/llm/prompts"
	"github.com/pavelanni/tutorbench/internal/model"
)

const jsonOnlySystem = "Return only valid JSON. No extra text."

func promptData(c Context, filter prompts.Filter) prompts.Data {
	d := prompts.NewData(c.Student, c.Topic)
	d.Transcript = prompts.Transcript(c.Turns, filter)
	return d
}

func generate(ctx context.Context, p llm.Provider, system, prompt string, maxTokens int, jsonMode bool) (string, error) {
	req := llm.UserPrompt(system, prompt, 0, maxTokens)
	req.JSON = jsonMode
	resp, err := p.Generate(llm.WithPurpose(ctx, "judge"), req)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// PlainRubric rates a transcript directly with one of the score prompts.
type PlainRubric struct {
	Provider llm.Provider
	Version  prompts.Version
	Filter   prompts.Filter
}

func (j PlainRubric) Estimate(ctx context.Context, c Context) (Estimate, error) {
	prompt, err := prompts.Score(j.Version, promptData(c, j.Filter))
	if err != nil {
		return Estimate{}, err
	}
	raw, err := generate(ctx, j.Provider, jsonOnlySystem, prompt, 200, false)
	if err != nil {
		return Estimate{}, err
	}
	level, rationale := ParseLevel(raw)
	return Estimate{Level: float64(level), Raw: raw, Rationale: rationale}, nil
}

// GatedRubric rates a transcript with the gated rubric. The gates are
// instructions to the model and are not checked locally.
type GatedRubric struct {
	Provider llm.Provider
	Filter   prompts.Filter
}

func (j GatedRubric) Estimate(ctx context.Context, c Context) (Estimate, error) {
	prompt, err := prompts.Gated(promptData(c, j.Filter))
	if err != nil {
		return Estimate{}, err
	}
	raw, err := generate(ctx, j.Provider, jsonOnlySystem, prompt, 200, false)
	if err != nil {
		return Estimate{}, err
	}
	level, rationale := ParseLevel(raw)
	return Estimate{Level: float64(level), Raw: raw, Rationale: rationale}, nil
}

// SingleDigit asks for a bare integer and reads the first standalone 1 to 5.
type SingleDigit struct {
	Provider llm.Provider
	Filter   prompts.Filter
}

func (j SingleDigit) Estimate(ctx context.Context, c Context) (Estimate, error) {
	prompt, err := prompts.PredictSimple(promptData(c, j.Filter))
	if err != nil {
		return Estimate{}, err
	}
	raw, err := generate(ctx, j.Provider, "You output only a single integer from 1 to 5.", prompt, 16, false)
	if err != nil {
		return Estimate{}, err
	}
	level, ok := LevelWord(strings.TrimSpace(raw))
	if !ok {
		level = int(model.DefaultLevel)
	}
	return Estimate{Level: float64(level), Raw: raw}, nil
}

// ReJudge asks the model to confirm or revise CurrentLevel.
type ReJudge struct {
	Provider        llm.Provider
	Version         prompts.Version
	Filter          prompts.Filter
	DiagnosticTurns int
}

func (j ReJudge) Estimate(ctx context.Context, c Context) (Estimate, error) {
	current := int(model.ClampLevel(c.CurrentLevel))
	d := promptData(c, j.Filter)
	d.CurrentLevel = fmt.Sprint(current)
	d.DiagnosticTurns = j.DiagnosticTurns
	prompt, err := prompts.Rejudge(j.Version, d)
	if err != nil {
		return Estimate{}, err
	}
	raw, err := generate(ctx, j.Provider, jsonOnlySystem, prompt, 300, false)
	if err != nil {
		return Estimate{}, err
	}
	agree, level, reasoning := ParseRejudge(raw, current)
	return Estimate{Level: float64(level), Raw: raw, Rationale: reasoning, Agree: boolPtr(agree)}, nil
}

// Verifier reads the whole transcript and returns a half-point level.
type Verifier struct {
	Provider llm.Provider
}

func (j Verifier) Estimate(ctx context.Context, c Context) (Estimate, error) {
	system, err := prompts.Verify()
	if err != nil {
		return Estimate{}, err
	}
	raw, err := generate(ctx, j.Provider, system, prompts.VerboseTranscript(c.Turns), 600, true)
	if err != nil {
		return Estimate{}, err
	}
	v, perr := ParseVerification(raw)
	if perr != nil {
		return Estimate{Level: model.DefaultLevel, Raw: raw}, nil
	}
	return Estimate{Level: v.Level, Raw: raw, Rationale: v.Reasoning, TutorPerformance: v.TutorPerformance}, nil
}

// SelfReport reads a level from the student's own answer to the self-report
// question. Provider is consulted only for non-numeric answers and may be nil.
type SelfReport struct {
	Provider llm.Provider
}

func (j SelfReport) Estimate(ctx context.Context, c Context) (Estimate, error) {
	var answer string
	for _, t := range model.StudentTurns(c.Turns) {
		answer = t.Content
	}
	if level, ok := LevelWord(answer); ok {
		return Estimate{Level: float64(level), Raw: answer, Rationale: "self_report"}, nil
	}
	if j.Provider == nil {
		return Estimate{Level: model.DefaultLevel, Raw: answer, Rationale: "self_report"}, nil
	}
	prompt, err := prompts.SelfReportMap(answer)
	if err != nil {
		return Estimate{}, err
	}
	raw, err := generate(ctx, j.Provider, "Return only a single digit 1-5.", prompt, 16, false)
	if err != nil {
		return Estimate{}, err
	}
	level, ok := LevelWord(raw)
	if !ok {
		level = int(model.DefaultLevel)
	}
	return Estimate{Level: float64(level), Raw: answer, Rationale: "self_report"}, nil
}
