package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/tutorbench/internal/config"
	"github.com/pavelanni/tutorbench/internal/conversation"
	"github.com/pavelanni/tutorbench/internal/convlog"
	"github.com/pavelanni/tutorbench/internal/estimate"
	"github.com/pavelanni/tutorbench/internal/llm"
	"github.com/pavelanni/tutorbench/internal/llm/prompts"
	"github.com/pavelanni/tutorbench/internal/model"
	"github.com/pavelanni/tutorbench/internal/runner"
)

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run tutor conversations for every student/topic pair and predict levels",
		RunE:  runChat,
	}
	addModelFlags(cmd, "gpt-5.2")
	f := cmd.Flags()
	f.String("set-type", "mini_dev", "mini_dev|dev|eval")
	f.String("judge-model", "", "Model that predicts the level (default: --model)")
	f.String("judge", "", "Level estimator: single, plain, gated, structured, heuristic (default: single for v1, gated for v2)")
	f.String("prompt-version", string(prompts.ConversationPhased), "Tutor prompt: v1 (simple) or v2 (diagnostic phase then lock)")
	f.Int("diagnostic-turns", 4, "Diagnostic turns before the level is locked (v2)")
	f.Int("lock-turn", 0, "Turn after which the prediction is locked from the diagnostic turns (v2, 0 = --diagnostic-turns)")
	f.Bool("lock-at-end", false, "Lock the prediction after the last turn instead of after the diagnostic phase")
	f.Float64("sleep", 0.2, "Sleep between turns (seconds)")
	f.Int("max-turns", 0, "Cap turns per conversation (0 = service limit)")
	f.Int("workers", 1, "Conversations run in parallel")
	f.Bool("supervise", false, "Review each tutor message with a second LLM call")
	f.String("supervisor-model", "", "Supervisor model (default: --model)")
	f.Bool("adaptive", false, "Add a level-specific teaching strategy to each turn")
	f.Bool("reeval", false, "Re-estimate the locked level on strong signals")
	f.Float64("reeval-threshold", conversation.DefaultReevalThreshold, "Minimum level change that overwrites a locked prediction")
	f.Int("reeval-window", estimate.DefaultWindow, "Recent student turns read for the strong-signal check")
	f.Bool("submit-mse", false, "Submit predictions to /evaluate/mse after conversations finish")
	return cmd
}

func parseConversationVersion(s string) (prompts.ConversationVersion, error) {
	switch v := prompts.ConversationVersion(strings.ToLower(strings.TrimSpace(s))); v {
	case prompts.ConversationSimple, prompts.ConversationPhased:
		return v, nil
	default:
		return "", config.Invalid("prompt version must be v1 or v2, got %q", s)
	}
}

// chatEstimator picks the level estimator used by the conversation driver.
func chatEstimator(name string, version prompts.ConversationVersion, judge llm.Provider) (estimate.Estimator, error) {
	if name == "" {
		name = "gated"
		if version == prompts.ConversationSimple {
			name = "single"
		}
	}
	switch strings.ToLower(name) {
	case "single":
		return estimate.SingleDigit{Provider: judge}, nil
	case "plain":
		return estimate.PlainRubric{Provider: judge, Version: prompts.VersionA}, nil
	case "gated":
		return estimate.GatedRubric{Provider: judge}, nil
	case "structured":
		return estimate.StructuredPredictor{}, nil
	case "heuristic":
		return estimate.Heuristic{}, nil
	default:
		return nil, config.Invalid("judge must be single, plain, gated, structured, or heuristic, got %q", name)
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	v := a.v
	ctx := cmd.Context()

	client, err := a.evalClient()
	if err != nil {
		return err
	}
	version, err := parseConversationVersion(v.GetString("prompt-version"))
	if err != nil {
		return err
	}

	tutorSpec := llm.ParseModelSpec(v.GetString("model"))
	judgeSpec := tutorSpec
	if s := v.GetString("judge-model"); s != "" {
		judgeSpec = llm.ParseModelSpec(s)
	}
	supSpec := tutorSpec
	if s := v.GetString("supervisor-model"); s != "" {
		supSpec = llm.ParseModelSpec(s)
	}
	specs := []llm.ModelSpec{tutorSpec, judgeSpec}
	if v.GetBool("supervise") {
		specs = append(specs, supSpec)
	}
	if err := a.checkLLM(specs...); err != nil {
		return err
	}

	tutor, err := a.provider(ctx, tutorSpec)
	if err != nil {
		return err
	}
	judge, err := a.provider(ctx, judgeSpec)
	if err != nil {
		return err
	}
	estimator, err := chatEstimator(v.GetString("judge"), version, judge)
	if err != nil {
		return err
	}
	var supervisor llm.Provider
	if v.GetBool("supervise") {
		if supervisor, err = a.provider(ctx, supSpec); err != nil {
			return err
		}
	}

	setType := v.GetString("set-type")
	pairs, err := client.Pairs(ctx, setType)
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}
	if len(pairs) == 0 {
		return fmt.Errorf("no students found for set_type=%s", setType)
	}

	w, err := convlog.Open(a.cfg.LogFile)
	if err != nil {
		return err
	}
	defer w.Close()

	convCfg := conversation.Config{
		Version:         version,
		Model:           tutorSpec.String(),
		JudgeModel:      judgeSpec.String(),
		MaxTurns:        v.GetInt("max-turns"),
		DynamicReeval:   v.GetBool("reeval"),
		ReevalThreshold: v.GetFloat64("reeval-threshold"),
		ReevalWindow:    v.GetInt("reeval-window"),
		Supervise:       v.GetBool("supervise"),
		Adaptive:        v.GetBool("adaptive"),
		Sleep:           time.Duration(v.GetFloat64("sleep") * float64(time.Second)),
	}
	if version == prompts.ConversationPhased {
		convCfg.DiagnosticTurns = v.GetInt("diagnostic-turns")
		if !v.GetBool("lock-at-end") {
			convCfg.LockTurn = lockTurn(v.GetInt("lock-turn"), convCfg.DiagnosticTurns)
		}
	}
	driver := &conversation.Driver{
		Service:    client,
		Tutor:      tutor,
		Supervisor: supervisor,
		Estimator:  estimator,
		Log:        w,
		Printer:    a.out,
		Logger:     slog.Default(),
		Config:     convCfg,
	}

	a.out.Printf("Running auto-chat: set=%s, model=%s, mode=%s", setType, tutorSpec, v.GetString("mode"))
	results, failures := runner.RunAll(ctx, pairs, runner.Options[model.Pair]{
		Workers:  v.GetInt("workers"),
		Describe: describePair,
	}, func(ctx context.Context, p model.Pair) (*conversation.Result, error) {
		return driver.Run(ctx, p.Student, p.Topic)
	})
	if len(results) == 0 {
		return fmt.Errorf("no predictions generated; %d conversations failed", len(failures))
	}
	if len(failures) > 0 {
		slog.Warn("some conversations failed", "failed", len(failures), "succeeded", len(results))
	}

	preds := make(map[model.PairKey]float64, len(results))
	runPreds := make([]model.RunPrediction, 0, len(results))
	for _, r := range results {
		preds[r.Prediction.Key()] = r.Prediction.PredictedLevel
		runPreds = append(runPreds, model.RunPrediction{
			StudentID: r.Prediction.StudentID,
			TopicID:   r.Prediction.TopicID,
			Level:     r.Prediction.PredictedLevel,
			Rationale: r.Estimate.Rationale,
		})
	}

	var mse *float64
	if v.GetBool("submit-mse") {
		res, err := a.submitMSE(ctx, client, setType, preds)
		if err != nil {
			return err
		}
		mse = &res.Score
	}
	a.recordRun("chat", setType, map[string]any{
		"model":          tutorSpec.String(),
		"judge_model":    judgeSpec.String(),
		"prompt_version": string(version),
		"supervise":      convCfg.Supervise,
		"adaptive":       convCfg.Adaptive,
		"reeval":         convCfg.DynamicReeval,
		"lock_turn":      convCfg.LockTurn,
	}, runPreds, mse)
	return nil
}

// lockTurn resolves --lock-turn; zero means the last diagnostic turn.
func lockTurn(flag, diagnosticTurns int) int {
	if flag <= 0 {
		return diagnosticTurns
	}
	return flag
}

func describePair(p model.Pair) []any {
	return []any{"student_id", p.Student.ID, "topic_id", p.Topic.ID}
}

func selfReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "self-report",
		Short: "Ask every student to rate their own understanding and submit the answers",
		RunE:  runSelfReport,
	}
	addModelFlags(cmd, "gpt-5.2")
	f := cmd.Flags()
	f.String("set-type", "mini_dev", "mini_dev|dev|eval")
	f.Bool("no-submit-mse", false, "Do not submit to /evaluate/mse")
	f.Bool("no-llm-parse", false, "Do not use an LLM to map non-numeric responses")
	return cmd
}

func runSelfReport(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	v := a.v
	ctx := cmd.Context()

	client, err := a.evalClient()
	if err != nil {
		return err
	}
	spec := llm.ParseModelSpec(v.GetString("model"))
	judge := estimate.SelfReport{}
	if !v.GetBool("no-llm-parse") {
		if err := a.checkLLM(spec); err != nil {
			return err
		}
		if judge.Provider, err = a.provider(ctx, spec); err != nil {
			return err
		}
	}

	setType := v.GetString("set-type")
	pairs, err := client.Pairs(ctx, setType)
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}
	if len(pairs) == 0 {
		return fmt.Errorf("no students found for set_type=%s", setType)
	}

	w, err := convlog.Open(a.cfg.LogFile)
	if err != nil {
		return err
	}
	defer w.Close()

	preds := make(map[model.PairKey]float64, len(pairs))
	var runPreds []model.RunPrediction
	for _, p := range pairs {
		start, err := client.StartConversation(ctx, p.Student.ID, p.Topic.ID)
		if err != nil {
			return fmt.Errorf("start %s: %w", p.Key(), err)
		}
		logEvent(w, convlog.EventStart, convlog.Fields{
			"student_id": p.Student.ID,
			"topic_id":   p.Topic.ID,
			"response":   map[string]any{"conversation_id": start.ConversationID, "max_turns": start.MaxTurns},
		})
		resp, err := client.Interact(ctx, start.ConversationID, prompts.SelfReportQuestion)
		if err != nil {
			return fmt.Errorf("interact %s: %w", p.Key(), err)
		}
		logEvent(w, convlog.EventInteract, convlog.Fields{
			"conversation_id": start.ConversationID,
			"tutor_message":   prompts.SelfReportQuestion,
			"response":        map[string]any{"student_response": resp.StudentResponse, "is_complete": resp.IsComplete},
			"model":           spec.String(),
			"phase":           model.PhaseSelfReport,
		})

		conv := model.NewConversation(start.ConversationID, p.Student, p.Topic, start.MaxTurns)
		conv.AddTurn(model.Turn{Role: model.RoleTutor, Turn: 1, Phase: model.PhaseSelfReport, Content: prompts.SelfReportQuestion})
		conv.AddTurn(model.Turn{Role: model.RoleStudent, Turn: 1, Phase: model.PhaseSelfReport, Content: resp.StudentResponse})

		est, err := judge.Estimate(ctx, estimate.Context{Student: p.Student, Topic: p.Topic, Turns: conv.Turns()})
		if err != nil {
			return fmt.Errorf("map self-report %s: %w", p.Key(), err)
		}
		if err := w.LogSummary(convlog.NewSummary(conv, convlog.Prediction{
			Level:     convlog.NewLevel(est.Level),
			Model:     spec.String(),
			Raw:       est.Raw,
			Rationale: est.Rationale,
			Phase:     model.PhaseSelfReport,
		})); err != nil {
			return fmt.Errorf("log summary: %w", err)
		}

		preds[p.Key()] = est.Level
		runPreds = append(runPreds, model.RunPrediction{StudentID: p.Student.ID, TopicID: p.Topic.ID, Level: est.Level, Rationale: est.Rationale})
		a.out.Printf("%s / %s: %s", p.Student.Name, p.Topic.Name, prompts.FormatLevel(est.Level))
	}

	var mse *float64
	if !v.GetBool("no-submit-mse") {
		res, err := a.submitMSE(ctx, client, setType, preds)
		if err != nil {
			return err
		}
		mse = &res.Score
	}
	a.recordRun("self-report", setType, map[string]any{"model": spec.String(), "llm_parse": judge.Provider != nil}, runPreds, mse)
	return nil
}

func logEvent(w *convlog.Writer, event convlog.Event, fields convlog.Fields) {
	if err := w.Log(event, fields); err != nil {
		slog.Warn("log event", "event", event, "error", err)
	}
}
