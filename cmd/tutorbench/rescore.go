package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/pavelanni/tutorbench/internal/convlog"
	"github.com/pavelanni/tutorbench/internal/estimate"
	"github.com/pavelanni/tutorbench/internal/llm"
	"github.com/pavelanni/tutorbench/internal/llm/prompts"
	"github.com/pavelanni/tutorbench/internal/model"
	"github.com/pavelanni/tutorbench/internal/runner"
)

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Rescore logged conversations with a direct rubric prompt",
		RunE:  runScore,
	}
	addModelFlags(cmd, "gpt-5.2")
	f := cmd.Flags()
	f.String("set-type", "mini_dev", "mini_dev|dev|eval")
	f.String("prompt-version", "A", "A|B|C, or gated for the hard-gate rubric")
	f.Bool("diagnostic-only", false, "Score only the diagnostic-phase turns")
	f.Int("workers", 1, "Pairs scored in parallel")
	f.String("out", "", "Output JSON path (default logs/score_only_<version>_<timestamp>.json)")
	f.Bool("submit-mse", false, "Submit to /evaluate/mse")
	return cmd
}

func turnFilter(diagnosticOnly bool) prompts.Filter {
	if diagnosticOnly {
		return prompts.DiagnosticOnly
	}
	return prompts.AllTurns
}

func summaryContext(s convlog.Summary) estimate.Context {
	c := estimate.Context{Student: s.Student(), Topic: s.Topic(), Turns: s.Turns, CurrentLevel: model.DefaultLevel}
	if s.Prediction.Level.Valid() {
		c.CurrentLevel = float64(*s.Prediction.Level)
	}
	return c
}

// rescore runs judge over every summary and returns the scored pairs in order.
func (a *app) rescore(ctx context.Context, summaries []convlog.Summary, workers int, judge estimate.Estimator, progress func(convlog.Summary, estimate.Estimate)) ([]model.ScoredPair, error) {
	scored, failures := runner.RunAll(ctx, summaries, runner.Options[convlog.Summary]{
		Workers:  workers,
		Describe: func(s convlog.Summary) []any {
			return []any{"student_id", s.StudentID, "topic_id", s.TopicID}
		},
	}, func(ctx context.Context, s convlog.Summary) (model.ScoredPair, error) {
		c := summaryContext(s)
		est, err := judge.Estimate(ctx, c)
		if err != nil {
			return model.ScoredPair{}, err
		}
		progress(s, est)
		return model.ScoredPair{
			StudentID:    s.StudentID,
			TopicID:      s.TopicID,
			CurrentLevel: c.CurrentLevel,
			AvgLevel:     est.Average,
			FinalLevel:   est.Level,
			Agree:        est.Agree,
			Rationale:    est.Rationale,
			Raw:          est.Raw,
			Votes:        est.Votes,
		}, nil
	})
	if len(scored) == 0 {
		return nil, fmt.Errorf("no pairs scored; %d failed", len(failures))
	}
	if len(failures) > 0 {
		slog.Warn("some pairs failed to score", "failed", len(failures), "succeeded", len(scored))
	}
	return scored, nil
}

// finishExport optionally submits the export, then writes it and records the run.
func (a *app) finishExport(ctx context.Context, tool string, export *model.ScoreExport, out string, submitMSE bool) error {
	var mse *float64
	if submitMSE {
		client, err := a.evalClient()
		if err != nil {
			return err
		}
		preds := lo.SliceToMap(export.Predictions(), func(p model.Prediction) (model.PairKey, float64) {
			return p.Key(), p.PredictedLevel
		})
		res, err := a.submitMSE(ctx, client, export.SetType, preds)
		if err != nil {
			return err
		}
		export.MSEResponse = res.Raw
		mse = &res.Score
	}
	if err := a.writeJSON(out, export); err != nil {
		return err
	}
	runPreds := lo.Map(export.Results, func(r model.ScoredPair, _ int) model.RunPrediction {
		return model.RunPrediction{StudentID: r.StudentID, TopicID: r.TopicID, Level: r.FinalLevel, Rationale: r.Rationale}
	})
	params := map[string]any{"prompt_version": export.PromptVersion, "out": out}
	if export.Model != "" {
		params["model"] = export.Model
	}
	if len(export.Models) > 0 {
		params["models"] = export.Models
		params["rounding"] = export.Rounding
	}
	a.recordRun(tool, export.SetType, params, runPreds, mse)
	return nil
}

func runScore(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	v := a.v
	ctx := cmd.Context()

	spec := llm.ParseModelSpec(v.GetString("model"))
	if err := a.checkLLM(spec); err != nil {
		return err
	}
	if v.GetBool("submit-mse") {
		if err := a.cfg.RequireEval(); err != nil {
			return err
		}
	}
	summaries, err := a.latestSummaries()
	if err != nil {
		return err
	}
	provider, err := a.provider(ctx, spec)
	if err != nil {
		return err
	}

	filter := turnFilter(v.GetBool("diagnostic-only"))
	versionName := strings.ToLower(v.GetString("prompt-version"))
	var judge estimate.Estimator
	if versionName == "gated" {
		judge = estimate.GatedRubric{Provider: provider, Filter: filter}
	} else {
		version, err := prompts.ParseVersion(prompts.ScoreFamily, versionName)
		if err != nil {
			return err
		}
		versionName = strings.ToLower(string(version))
		judge = estimate.PlainRubric{Provider: provider, Version: version, Filter: filter}
	}

	scored, err := a.rescore(ctx, summaries, v.GetInt("workers"), judge, func(s convlog.Summary, est estimate.Estimate) {
		a.out.Printf("%s -> %s", s.Key(), prompts.FormatLevel(est.Level))
	})
	if err != nil {
		return err
	}

	export := &model.ScoreExport{
		SetType:       v.GetString("set-type"),
		PromptVersion: strings.ToUpper(versionName),
		Model:         spec.String(),
		GeneratedAt:   nowStamp(),
		Results:       scored,
	}
	if v.GetBool("diagnostic-only") {
		export.Phase = string(model.PhaseDiagnostic)
	}
	out := v.GetString("out")
	if out == "" {
		out = fmt.Sprintf("logs/score_only_%s_%s.json", versionName, fileStamp())
	}
	return a.finishExport(ctx, "score", export, out, v.GetBool("submit-mse"))
}

func rejudgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rejudge",
		Short: "Confirm or revise logged predictions with one model or an ensemble",
		RunE:  runRejudge,
	}
	addModelFlags(cmd, "gpt-5.2")
	f := cmd.Flags()
	f.String("set-type", "dev", "mini_dev|dev|eval")
	f.String("prompt-version", "A", "A|B|C|D|E")
	f.String("models", "", "Comma-separated ensemble models, e.g. gpt-5.2,gpt-4o-mini,gpt-4.1-mini (empty = single --model)")
	f.String("rounding", string(estimate.RoundNearest), "How to round the ensemble average: nearest, up, or down")
	f.Int("diagnostic-turns", 4, "Diagnostic turns described to the judge")
	f.Bool("diagnostic-only", true, "Judge only the diagnostic-phase turns")
	f.Int("max-parallel", 10, "Max parallel rejudge requests")
	f.String("out", "", "Output JSON path (default logs/dev_rejudge_<version>_<timestamp>.json)")
	f.Bool("submit-mse", false, "Submit to /evaluate/mse")
	return cmd
}

func runRejudge(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	v := a.v
	ctx := cmd.Context()

	version, err := prompts.ParseVersion(prompts.RejudgeFamily, v.GetString("prompt-version"))
	if err != nil {
		return err
	}
	rounding, err := estimate.ParseRounding(v.GetString("rounding"))
	if err != nil {
		return err
	}
	specs := llm.ParseModelList(v.GetString("models"))
	ensemble := len(specs) > 0
	if !ensemble {
		specs = []llm.ModelSpec{llm.ParseModelSpec(v.GetString("model"))}
	}
	if err := a.checkLLM(specs...); err != nil {
		return err
	}
	if v.GetBool("submit-mse") {
		if err := a.cfg.RequireEval(); err != nil {
			return err
		}
	}

	filter := turnFilter(v.GetBool("diagnostic-only"))
	members := make([]estimate.Member, 0, len(specs))
	for _, spec := range specs {
		p, err := a.provider(ctx, spec)
		if err != nil {
			return err
		}
		members = append(members, estimate.Member{
			Name: spec.String(),
			Judge: estimate.ReJudge{
				Provider:        p,
				Version:         version,
				Filter:          filter,
				DiagnosticTurns: v.GetInt("diagnostic-turns"),
			},
		})
	}

	var judge estimate.Estimator = members[0].Judge
	progress := func(s convlog.Summary, est estimate.Estimate) {
		agree := est.Agree != nil && *est.Agree
		a.out.Printf("%s: %s -> %s (agree=%t)", s.Key(), prompts.FormatLevel(summaryContext(s).CurrentLevel), prompts.FormatLevel(est.Level), agree)
	}
	if ensemble {
		e, err := estimate.NewEnsemble(rounding, members...)
		if err != nil {
			return err
		}
		judge = e
		progress = func(s convlog.Summary, est estimate.Estimate) {
			a.out.Println(estimate.FormatVotes(s.Key(), est))
		}
	}

	summaries, err := a.latestSummaries()
	if err != nil {
		return err
	}
	scored, err := a.rescore(ctx, summaries, v.GetInt("max-parallel"), judge, progress)
	if err != nil {
		return err
	}

	export := &model.ScoreExport{
		SetType:       v.GetString("set-type"),
		PromptVersion: string(version),
		GeneratedAt:   nowStamp(),
		Results:       scored,
	}
	if v.GetBool("diagnostic-only") {
		export.Phase = string(model.PhaseDiagnostic)
	}
	prefix := "dev_rejudge"
	if ensemble {
		export.Models = lo.Map(specs, func(s llm.ModelSpec, _ int) string { return s.String() })
		export.Rounding = string(rounding)
		prefix = "dev_rejudge_ensemble"
	} else {
		export.Model = specs[0].String()
	}
	out := v.GetString("out")
	if out == "" {
		out = fmt.Sprintf("logs/%s_%s_%s.json", prefix, strings.ToLower(string(version)), fileStamp())
	}
	return a.finishExport(ctx, "rejudge", export, out, v.GetBool("submit-mse"))
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-grade logged conversations at half-point resolution and compare",
		RunE:  runVerify,
	}
	addModelFlags(cmd, "gpt-4o")
	f := cmd.Flags()
	f.Int("workers", 1, "Conversations verified in parallel")
	f.String("out", "logs/verified_levels.json", "Output JSON path")
	return cmd
}

// matchTolerance is how close the verified level must be to count as agreement.
const matchTolerance = 0.1

func runVerify(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	v := a.v
	ctx := cmd.Context()

	spec := llm.ParseModelSpec(v.GetString("model"))
	if err := a.checkLLM(spec); err != nil {
		return err
	}
	provider, err := a.provider(ctx, spec)
	if err != nil {
		return err
	}
	summaries, err := a.latestSummaries()
	if err != nil {
		return err
	}
	summaries = lo.Filter(summaries, func(s convlog.Summary, _ int) bool { return len(s.Turns) > 0 })
	a.out.Printf("Found %d conversations. Verifying...", len(summaries))

	judge := estimate.Verifier{Provider: provider}
	results, failures := runner.RunAll(ctx, summaries, runner.Options[convlog.Summary]{
		Workers:  v.GetInt("workers"),
		Describe: func(s convlog.Summary) []any {
			return []any{"conversation_id", s.ConversationID}
		},
	}, func(ctx context.Context, s convlog.Summary) (model.VerifiedLevel, error) {
		est, err := judge.Estimate(ctx, summaryContext(s))
		if err != nil {
			return model.VerifiedLevel{}, err
		}
		r := model.VerifiedLevel{
			ConversationID:    s.ConversationID,
			StudentID:         s.StudentID,
			TopicID:           s.TopicID,
			VerifiedLevel:     est.Level,
			OriginalRationale: s.Prediction.Rationale,
			VerifiedReasoning: est.Rationale,
			TutorPerformance:  est.TutorPerformance,
		}
		if s.Prediction.Level.Valid() {
			orig := float64(*s.Prediction.Level)
			r.OriginalLevel = &orig
			r.Match = math.Abs(orig-est.Level) < matchTolerance
		}
		verdict := "DIFF"
		if r.Match {
			verdict = "MATCH"
		}
		orig := "-"
		if r.OriginalLevel != nil {
			orig = prompts.FormatLevel(*r.OriginalLevel)
		}
		a.out.Printf("Verifying %s... Orig: %s -> Veri: %s (%s)", shortID(s.ConversationID), orig, prompts.FormatLevel(est.Level), verdict)
		return r, nil
	})
	if len(results) == 0 {
		return fmt.Errorf("no conversations verified; %d failed", len(failures))
	}
	return a.writeJSON(v.GetString("out"), results)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
