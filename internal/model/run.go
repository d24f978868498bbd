package model

import "time"

// Run is one recorded invocation of a tool.
type Run struct {
	ID             string         `json:"id"`
	Tool           string         `json:"tool"`
	SetType        string         `json:"set_type"`
	Params         map[string]any `json:"params,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	NumPredictions int            `json:"num_predictions"`
	MSEScore       *float64       `json:"mse_score,omitempty"`
}

// RunPrediction is a prediction recorded by a run.
type RunPrediction struct {
	StudentID string  `json:"student_id"`
	TopicID   string  `json:"topic_id"`
	Level     float64 `json:"level"`
	Rationale string  `json:"rationale,omitempty"`
}

// MSERecord is a score returned for a run's submission.
type MSERecord struct {
	Score     float64   `json:"mse_score"`
	CreatedAt time.Time `json:"created_at"`
}

// RunExport is everything recorded for one run.
type RunExport struct {
	Run         Run             `json:"run"`
	Predictions []RunPrediction `json:"predictions"`
	MSE         []MSERecord     `json:"mse_results"`
	Inferred    []InferredLevel `json:"inferred_levels,omitempty"`
}
