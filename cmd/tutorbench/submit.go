package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/pavelanni/tutorbench/internal/convlog"
	"github.com/pavelanni/tutorbench/internal/model"
	"github.com/pavelanni/tutorbench/internal/store"
	"github.com/pavelanni/tutorbench/internal/submit"
)

func submitMSECmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit-mse",
		Short: "Submit the latest logged prediction per pair to /evaluate/mse",
		RunE:  runSubmitMSE,
	}
	f := cmd.Flags()
	f.String("set-type", "mini_dev", "mini_dev|dev|eval")
	f.Bool("dry-run", false, "Print payload without submitting")
	return cmd
}

func runSubmitMSE(cmd *cobra.Command, _ []string) error {
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
	preds, err := convlog.LoadPredictions(a.cfg.LogFile)
	if err != nil {
		return err
	}
	if len(preds) == 0 {
		return fmt.Errorf("no predictions found in %s", a.cfg.LogFile)
	}

	setType := v.GetString("set-type")
	if v.GetBool("dry-run") {
		pairs, err := client.Pairs(ctx, setType)
		if err != nil {
			return fmt.Errorf("list pairs: %w", err)
		}
		payload, err := submit.Build(lo.Map(pairs, func(p model.Pair, _ int) model.PairKey { return p.Key() }), preds)
		if err != nil {
			return err
		}
		a.printJSON(map[string]any{"set_type": setType, "predictions": payload})
		return nil
	}

	res, err := a.submitMSE(ctx, client, setType, preds)
	if err != nil {
		return err
	}
	runPreds := lo.MapToSlice(preds, func(k model.PairKey, level float64) model.RunPrediction {
		return model.RunPrediction{StudentID: k.StudentID, TopicID: k.TopicID, Level: level}
	})
	a.recordRun("submit-mse", setType, map[string]any{"log_file": a.cfg.LogFile}, runPreds, &res.Score)
	return nil
}

func submitTutoringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit-tutoring",
		Short: "Request the tutoring-quality evaluation for a set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			client, err := a.evalClient()
			if err != nil {
				return err
			}
			resp, err := client.EvaluateTutoring(cmd.Context(), a.v.GetString("set-type"))
			if err != nil {
				return err
			}
			a.printJSON(resp)
			return nil
		},
	}
	cmd.Flags().String("set-type", "mini_dev", "mini_dev|dev|eval")
	return cmd
}

func pairsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "List the student/topic pairs of a set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			client, err := a.evalClient()
			if err != nil {
				return err
			}
			setType := a.v.GetString("set-type")
			pairs, err := client.Pairs(cmd.Context(), setType)
			if err != nil {
				return err
			}
			if len(pairs) == 0 {
				return fmt.Errorf("no students found for set_type=%s", setType)
			}
			for _, p := range pairs {
				a.out.Println(p.Key().String())
			}
			return nil
		},
	}
	cmd.Flags().String("set-type", "dev", "mini_dev|dev|eval")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, or export one with --run",
		RunE:  runHistory,
	}
	f := cmd.Flags()
	f.IntP("limit", "n", 20, "Runs to list (0 = all)")
	f.String("run", "", "Export everything recorded for this run ID as JSON")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	path := a.v.GetString("db")
	if path == "" {
		return fmt.Errorf("run history is disabled (empty --db)")
	}
	db, err := store.New(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if id := a.v.GetString("run"); id != "" {
		export, err := db.ExportRun(id)
		if err != nil {
			return err
		}
		if export == nil {
			return fmt.Errorf("run %s not found", id)
		}
		a.printJSON(export)
		return nil
	}

	runs, err := db.ListRuns(a.v.GetInt("limit"))
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		return fmt.Errorf("no runs recorded in %s", path)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOOL\tSET\tSTARTED\tPREDICTIONS\tMSE")
	for _, r := range runs {
		mse := "-"
		if r.MSEScore != nil {
			mse = fmt.Sprintf("%.4f", *r.MSEScore)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Tool, r.SetType, r.StartedAt.Format(convlog.TimeFormat), r.NumPredictions, mse)
	}
	return tw.Flush()
}
