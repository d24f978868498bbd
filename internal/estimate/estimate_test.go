package estimate

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/tutorbench/internal/config"
	"github.com/pavelanni/tutorbench/internal/llm"
	"github.com/pavelanni/tutorbench/internal/llm/prompts"
	"github.com/pavelanni/tutorbench/internal/model"
)

func sampleContext() Context {
	return Context{
		Student: model.Student{ID: "s1", Name: "Ana", GradeLevel: float64(8)},
		Topic:   model.Topic{ID: "t1", Name: "Fractions", SubjectName: "Math"},
		Turns: []model.Turn{
			{Role: model.RoleTutor, Turn: 1, Phase: model.PhaseDiagnostic, Content: "What is 1/2 + 1/4?"},
			{Role: model.RoleStudent, Turn: 1, Phase: model.PhaseDiagnostic, Content: "3/4 because 1/2 is 2/4"},
			{Role: model.RoleTutor, Turn: 5, Phase: model.PhaseTutoring, Content: "Great. Try 2/3 + 1/6."},
			{Role: model.RoleStudent, Turn: 5, Phase: model.PhaseTutoring, Content: "5/6"},
		},
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantLevel     int
		wantRationale string
	}{
		{"json int", `{"level": 4, "rationale": "solid"}`, 4, "solid"},
		{"json digit string", `{"level": "2", "rationale": "hints needed"}`, 2, "hints needed"},
		{"json float truncates", `{"level": 3.8}`, 3, ""},
		{"code fence", "```json\n{\"level\": 5, \"rationale\": \"extends\"}\n```", 5, "extends"},
		{"regex fallback", "I think the level is 4 overall.", 4, ""},
		{"out of range falls back to text scan", `{"level": 9, "rationale": "3 gaps"}`, 3, "3 gaps"},
		{"null rationale", `{"level": 2, "rationale": null}`, 2, ""},
		{"mistyped rationale", `{"level": 4, "rationale": ["a", "b"]}`, 4, ""},
		{"mistyped level keeps rationale", `{"level": null, "rationale": "weak on 2 steps"}`, 2, "weak on 2 steps"},
		{"nothing usable", "no idea", 3, ""},
		{"empty", "", 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, rationale := ParseLevel(tt.raw)
			assert.Equal(t, tt.wantLevel, level)
			assert.Equal(t, tt.wantRationale, rationale)
		})
	}
}

func TestParseRejudge(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		current       int
		wantAgree     bool
		wantLevel     int
		wantReasoning string
	}{
		{"revised", `{"agree": false, "final_level": 2, "reasoning": "misconception"}`, 4, false, 2, "misconception"},
		{"not json", "not json at all", 4, true, 4, ""},
		{"json array", `[2]`, 4, true, 4, ""},
		{"out-of-range final level keeps current", `{"agree": false, "final_level": 0}`, 3, false, 3, ""},
		{"null reasoning", `{"agree": false, "final_level": 2, "reasoning": null}`, 4, false, 2, ""},
		{"string agree", `{"agree": "no", "final_level": 2, "reasoning": "gaps"}`, 4, true, 2, "gaps"},
		{"null agree", `{"agree": null, "final_level": 2}`, 4, true, 2, ""},
		{"digit string level", `{"agree": false, "final_level": "5"}`, 3, false, 5, ""},
		{"numeric reasoning", `{"agree": true, "final_level": 4, "reasoning": 7}`, 4, true, 4, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agree, level, reasoning := ParseRejudge(tt.raw, tt.current)
			assert.Equal(t, tt.wantAgree, agree)
			assert.Equal(t, tt.wantLevel, level)
			assert.Equal(t, tt.wantReasoning, reasoning)
		})
	}
}

func TestParseVerification(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`{"verified_level": 3.7, "reasoning": "r", "tutor_performance": "ok"}`, 3.5},
		{`{"verified_level": "4.5"}`, 4.5},
		{`{"verified_level": 7}`, 5},
		{`{"verified_level": 0.2}`, 1},
	}
	for _, tt := range tests {
		v, err := ParseVerification(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, v.Level, tt.raw)
	}

	_, err := ParseVerification(`{"reasoning": "missing level"}`)
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestParseSupervisor(t *testing.T) {
	ok, fb, err := ParseSupervisor(`{"approved": false, "feedback": "gives away the answer"}`)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "gives away the answer", fb)

	_, _, err = ParseSupervisor(`{"feedback": "x"}`)
	assert.Error(t, err)
}

func TestEstimateLevel(t *testing.T) {
	student := func(contents ...string) []model.Turn {
		var turns []model.Turn
		for i, c := range contents {
			turns = append(turns,
				model.Turn{Role: model.RoleTutor, Turn: i + 1, Content: "question 42?"},
				model.Turn{Role: model.RoleStudent, Turn: i + 1, Content: c},
			)
		}
		return turns
	}

	tests := []struct {
		name  string
		turns []model.Turn
		want  int
	}{
		{"no turns", nil, 3},
		{"lost", student("I don't know", "no idea, maybe", "confused"), 1},
		{"hedging", student("maybe it is bigger", "not sure"), 2},
		{"neutral", student("it is bigger"), 3},
		{"reasoning with numbers", student("it is 4 because 2+2", "ok"), 4},
		{"strong", student("3/4 because 2/4 + 1/4", "wait, actually 5/6 since 4/6 + 1/6", "therefore 7"), 5},
		{"only last three count", student("I don't know", "I don't know", "it is 4 because", "5 since", "6 therefore"), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateLevel(tt.turns)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, EstimateLevel(tt.turns), "must be deterministic")
		})
	}
}

func TestStructuredPredictor(t *testing.T) {
	p := StructuredPredictor{}
	assert.Equal(t, 3.0, p.Predict(nil))
	assert.Equal(t, 3.0, p.Predict([]model.StudentAnalysis{}))

	single := p.Predict([]model.StudentAnalysis{Analyze(1, "ok")})
	assert.GreaterOrEqual(t, single, 1.0)
	assert.LessOrEqual(t, single, 5.0)

	r := rand.New(rand.NewPCG(1, 2))
	score := func() float64 { return 1 + 4*r.Float64() }
	for n := range 25 {
		as := make([]model.StudentAnalysis, n)
		for i := range as {
			as[i] = model.StudentAnalysis{Turn: i + 1, Confidence: score(), Correctness: score(), Reasoning: score(), Recovery: score(), Engagement: score()}
		}
		for _, offset := range []float64{-10, 0, 0.3, 10} {
			got := StructuredPredictor{Offset: offset}.Predict(as)
			assert.GreaterOrEqual(t, got, 1.0)
			assert.LessOrEqual(t, got, 5.0)
			assert.Equal(t, 0.0, math.Mod(got*2, 1), "level %v is not a multiple of 0.5", got)
		}
	}
}

func TestAnalyze(t *testing.T) {
	a := Analyze(2, "Wait, actually it's 5/6 because 4/6 plus 1/6 makes 5/6, so the answer is 5/6. Why does that work?")
	assert.Equal(t, 2, a.Turn)
	assert.Equal(t, 4.0, a.Correctness)
	assert.Equal(t, 4.5, a.Recovery)
	assert.Equal(t, 4.5, a.Engagement)
	assert.Equal(t, 2.5, a.Reasoning)

	short := Analyze(1, "idk")
	assert.Equal(t, 1.5, short.Correctness)
	assert.Equal(t, 1.0, short.Engagement)

	hedge := Analyze(1, "maybe it is the numerator, not sure")
	assert.Equal(t, 2.0, hedge.Confidence)
}

func TestRounding(t *testing.T) {
	tests := []struct {
		votes []float64
		mode  string
		want  int
	}{
		{[]float64{2, 3, 4}, "nearest", 3},
		{[]float64{2, 3, 4}, "up", 3},
		{[]float64{2, 3, 4}, "down", 3},
		{[]float64{2, 3}, "nearest", 3},
		{[]float64{2, 3}, "up", 3},
		{[]float64{2, 3}, "ceiling", 3},
		{[]float64{2, 3}, "down", 2},
		{[]float64{2, 3}, "floor", 2},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			r, err := ParseRounding(tt.mode)
			require.NoError(t, err)

			var members []Member
			for i, v := range tt.votes {
				members = append(members, Member{
					Name: "m" + string(rune('0'+i)),
					Judge: EstimatorFunc(func(context.Context, Context) (Estimate, error) {
						return Estimate{Level: v, Rationale: "vote"}, nil
					}),
				})
			}
			ens, err := NewEnsemble(r, members...)
			require.NoError(t, err)
			est, err := ens.Estimate(context.Background(), sampleContext())
			require.NoError(t, err)
			assert.Equal(t, float64(tt.want), est.Level)
			assert.Len(t, est.Votes, len(tt.votes))
		})
	}

	_, err := ParseRounding("banker")
	var cfgErr *config.Error
	assert.True(t, errors.As(err, &cfgErr))
}

func TestEnsembleRejudge(t *testing.T) {
	a := llm.NewMockText(`{"agree": true, "final_level": 2, "reasoning": "low"}`)
	b := llm.NewMockText(`{"agree": false, "final_level": 3, "reasoning": "middle"}`)
	c := llm.NewMockText(`{"agree": false, "final_level": 5, "reasoning": "high"}`)
	member := func(name string, p llm.Provider) Member {
		return Member{Name: name, Judge: ReJudge{Provider: p, Version: prompts.VersionB, Filter: prompts.DiagnosticOnly, DiagnosticTurns: 4}}
	}

	ens, err := NewEnsemble(RoundNearest, member("a", a), member("b", b), member("c", c))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ens.Names())

	ctx := sampleContext()
	ctx.CurrentLevel = 3
	est, err := ens.Estimate(context.Background(), ctx)
	require.NoError(t, err)

	assert.InDelta(t, 10.0/3, est.Average, 1e-9)
	assert.Equal(t, 3.0, est.Level)
	assert.Equal(t, "middle", est.Rationale, "reasoning comes from the vote closest to the average")
	assert.Equal(t, "s1 t1: [2,3,5] avg=3.33 -> 3", FormatVotes(model.PairKey{StudentID: "s1", TopicID: "t1"}, est))

	req, ok := a.LastCall()
	require.True(t, ok)
	assert.Contains(t, req.Messages[0].Content, "Current predicted level: 3")
	assert.NotContains(t, req.Messages[0].Content, "Try 2/3 + 1/6", "rejudge reads diagnostic turns only")
}

func TestEnsembleCountsRevisionsWithNullReasoning(t *testing.T) {
	member := func(name, reply string) Member {
		return Member{Name: name, Judge: ReJudge{Provider: llm.NewMockText(reply), Version: prompts.VersionA}}
	}
	ens, err := NewEnsemble(RoundNearest,
		member("a", `{"agree": false, "final_level": 1, "reasoning": null}`),
		member("b", `{"agree": null, "final_level": 1}`),
	)
	require.NoError(t, err)

	ctx := sampleContext()
	ctx.CurrentLevel = 4
	est, err := ens.Estimate(context.Background(), ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, est.Average)
	assert.Equal(t, 1.0, est.Level)
}

func TestEnsembleNeedsTwoModels(t *testing.T) {
	_, err := NewEnsemble(RoundNearest, Member{Name: "solo", Judge: Heuristic{}})
	require.Error(t, err)
}

func TestEnsemblePropagatesProviderError(t *testing.T) {
	ok := Member{Name: "ok", Judge: ReJudge{Provider: llm.NewMockText(`{"final_level": 3}`), Version: prompts.VersionA}}
	bad := Member{Name: "bad", Judge: ReJudge{Provider: llm.NewMockProvider(), Version: prompts.VersionA}}
	ens, err := NewEnsemble(RoundNearest, ok, bad)
	require.NoError(t, err)

	_, err = ens.Estimate(context.Background(), sampleContext())
	var un *llm.ErrProviderUnavailable
	assert.True(t, errors.As(err, &un))
}

func TestPlainRubric(t *testing.T) {
	mock := llm.NewMockText("I think the level is 4 overall.")
	est, err := PlainRubric{Provider: mock, Version: prompts.VersionA}.Estimate(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.Equal(t, 4.0, est.Level)

	req, _ := mock.LastCall()
	assert.Equal(t, 0.0, req.Temperature)
	assert.Equal(t, jsonOnlySystem, req.System)
	assert.Contains(t, req.Messages[0].Content, "Student: 5/6")
}

func TestGatedRubricDefaultsOnGarbage(t *testing.T) {
	est, err := GatedRubric{Provider: llm.NewMockText("???")}.Estimate(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.Equal(t, 3.0, est.Level)
	assert.Empty(t, est.Rationale)
}

func TestVerifier(t *testing.T) {
	mock := llm.NewMockText(`{"verified_level": 3.5, "reasoning": "turn 5 shows transfer", "tutor_performance": "good pacing"}`)
	est, err := Verifier{Provider: mock}.Estimate(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.Equal(t, 3.5, est.Level)
	assert.Equal(t, "good pacing", est.TutorPerformance)

	req, _ := mock.LastCall()
	assert.True(t, req.JSON)
	assert.Contains(t, req.Messages[0].Content, "[Turn 5] STUDENT: 5/6")

	est, err = Verifier{Provider: llm.NewMockText("oops")}.Estimate(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.Equal(t, 3.0, est.Level)
}

func TestSelfReport(t *testing.T) {
	answer := func(s string) Context {
		return Context{Turns: []model.Turn{
			{Role: model.RoleTutor, Turn: 1, Phase: model.PhaseSelfReport, Content: prompts.SelfReportQuestion},
			{Role: model.RoleStudent, Turn: 1, Phase: model.PhaseSelfReport, Content: s},
		}}
	}

	mock := llm.NewMockText("4")
	est, err := SelfReport{Provider: mock}.Estimate(context.Background(), answer("I'd say 2, honestly"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, est.Level)
	assert.Zero(t, mock.CallCount(), "numeric answers need no model call")

	est, err = SelfReport{Provider: mock}.Estimate(context.Background(), answer("pretty comfortable with it"))
	require.NoError(t, err)
	assert.Equal(t, 4.0, est.Level)

	est, err = SelfReport{}.Estimate(context.Background(), answer("pretty comfortable"))
	require.NoError(t, err)
	assert.Equal(t, 3.0, est.Level)
}

func TestHeuristicEstimator(t *testing.T) {
	est, err := Heuristic{}.Estimate(context.Background(), sampleContext())
	require.NoError(t, err)
	assert.Equal(t, float64(EstimateLevel(sampleContext().Turns)), est.Level)
}
