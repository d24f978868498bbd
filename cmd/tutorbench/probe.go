package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/pavelanni/tutorbench/internal/model"
	"github.com/pavelanni/tutorbench/internal/probe"
	"github.com/pavelanni/tutorbench/internal/store"
)

func inferTruthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infer-truth",
		Short: "Infer hidden true levels from MSE score differences",
		RunE:  runInferTruth,
	}
	f := cmd.Flags()
	f.String("set-type", probe.SafeSet, "mini_dev|dev|eval")
	f.Int("base", 1, "Base prediction level")
	f.Int("alt", 5, "Alternate level for the probed pair")
	f.Bool("force", false, "Allow sets other than mini_dev")
	f.String("out", "logs/inferred_levels.json", "Output JSON path")
	return cmd
}

func runInferTruth(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	v := a.v
	ctx := cmd.Context()

	setType := v.GetString("set-type")
	if err := probe.CheckSet(setType, v.GetBool("force")); err != nil {
		return err
	}
	client, err := a.evalClient()
	if err != nil {
		return err
	}
	pairs, err := client.Pairs(ctx, setType)
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}

	base, alt := v.GetInt("base"), v.GetInt("alt")
	prober := &probe.Prober{Scorer: client, Logger: slog.Default()}
	levels, err := prober.Infer(ctx, setType, pairs, base, alt)
	if err != nil {
		return err
	}
	for _, l := range levels {
		a.out.Printf("%s / %s: delta=%.4f -> %d", l.StudentName, l.TopicName, l.Delta, l.InferredLevel)
	}

	a.history(func(db *store.Store) error {
		run, err := db.CreateRun("infer-truth", setType, map[string]any{"base": base, "alt": alt})
		if err != nil {
			return err
		}
		return db.AddInferredLevels(run.ID, levels)
	})
	return a.writeJSON(v.GetString("out"), map[string]any{
		"set_type": setType,
		"base":     base,
		"alt":      alt,
		"results":  levels,
	})
}

func bruteForceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brute-force",
		Short: "Search every integer level vector for the one that scores MSE 0",
		RunE:  runBruteForce,
	}
	f := cmd.Flags()
	f.String("set-type", probe.SafeSet, "mini_dev|dev|eval")
	f.Bool("force", false, "Allow sets other than mini_dev")
	return cmd
}

func runBruteForce(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	v := a.v
	ctx := cmd.Context()

	setType := v.GetString("set-type")
	if err := probe.CheckSet(setType, v.GetBool("force")); err != nil {
		return err
	}
	client, err := a.evalClient()
	if err != nil {
		return err
	}
	pairs, err := client.Pairs(ctx, setType)
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}

	prober := &probe.Prober{Scorer: client, Logger: slog.Default()}
	res, err := prober.BruteForce(ctx, setType, pairs)
	if err != nil {
		return err
	}
	levels := lo.Map(res.Levels, func(l int, _ int) string { return fmt.Sprint(l) })
	a.out.Printf("Best vector: [%s] mse=%.4f exact=%t submissions=%d", strings.Join(levels, ","), res.MSE, res.Exact, res.Submissions)

	preds := make([]model.RunPrediction, len(pairs))
	for i, p := range pairs {
		preds[i] = model.RunPrediction{StudentID: p.Student.ID, TopicID: p.Topic.ID, Level: float64(res.Levels[i])}
	}
	a.recordRun("brute-force", setType, map[string]any{"submissions": res.Submissions, "exact": res.Exact}, preds, &res.MSE)
	return nil
}
