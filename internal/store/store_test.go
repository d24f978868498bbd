package store

import (
	"testing"

	"github.com/pavelanni/tutorbench/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestRun(t *testing.T, s *Store, tool string) model.Run {
	t.Helper()
	run, err := s.CreateRun(tool, "mini_dev", map[string]any{"model": "gpt-5.2"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no runs, got %d", len(runs))
	}

	run := createTestRun(t, s, "rejudge")
	if run.ID == "" {
		t.Fatal("expected run id")
	}

	err = s.AddPredictions(run.ID, []model.RunPrediction{
		{StudentID: "s1", TopicID: "t1", Level: 2, Rationale: "needs hints"},
		{StudentID: "s2", TopicID: "t1", Level: 4.5},
	})
	if err != nil {
		t.Fatalf("AddPredictions: %v", err)
	}
	if err := s.AddMSEResult(run.ID, 1.25); err != nil {
		t.Fatalf("AddMSEResult: %v", err)
	}
	if err := s.AddMSEResult(run.ID, 0.5); err != nil {
		t.Fatalf("AddMSEResult: %v", err)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("run not found")
	}
	if got.Tool != "rejudge" || got.SetType != "mini_dev" {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.Params["model"] != "gpt-5.2" {
		t.Errorf("params = %v", got.Params)
	}
	if got.NumPredictions != 2 {
		t.Errorf("NumPredictions = %d, want 2", got.NumPredictions)
	}
	if got.MSEScore == nil || *got.MSEScore != 0.5 {
		t.Errorf("MSEScore = %v, want latest 0.5", got.MSEScore)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRun("nope")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
	exp, err := s.ExportRun("nope")
	if err != nil || exp != nil {
		t.Errorf("ExportRun = %v, %v", exp, err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	first := createTestRun(t, s, "chat")
	second := createTestRun(t, s, "score")
	third := createTestRun(t, s, "verify")

	runs, err := s.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != third.ID || runs[1].ID != second.ID {
		t.Errorf("order = %s, %s", runs[0].Tool, runs[1].Tool)
	}

	all, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns(0): %v", err)
	}
	if len(all) != 3 || all[2].ID != first.ID {
		t.Errorf("ListRuns(0) returned %d runs", len(all))
	}
	if all[2].MSEScore != nil {
		t.Errorf("run without submissions has MSEScore %v", *all[2].MSEScore)
	}
}

func TestExportRun(t *testing.T) {
	s := newTestStore(t)
	run := createTestRun(t, s, "infer-truth")

	levels := []model.InferredLevel{
		{StudentID: "s1", TopicID: "t1", InferredLevel: 2, Delta: 8},
		{StudentID: "s2", TopicID: "t1", InferredLevel: 4, Delta: -8},
	}
	if err := s.AddInferredLevels(run.ID, levels); err != nil {
		t.Fatalf("AddInferredLevels: %v", err)
	}
	if err := s.AddMSEResult(run.ID, 3.5); err != nil {
		t.Fatalf("AddMSEResult: %v", err)
	}

	exp, err := s.ExportRun(run.ID)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}
	if exp == nil {
		t.Fatal("export not found")
	}
	if len(exp.Predictions) != 0 {
		t.Errorf("expected no predictions, got %d", len(exp.Predictions))
	}
	if len(exp.MSE) != 1 || exp.MSE[0].Score != 3.5 {
		t.Errorf("MSE = %+v", exp.MSE)
	}
	if len(exp.Inferred) != 2 || exp.Inferred[1].InferredLevel != 4 || exp.Inferred[1].Delta != -8 {
		t.Errorf("Inferred = %+v", exp.Inferred)
	}
}
