package model

// ScoreExport is the JSON document written by the rescoring commands.
type ScoreExport struct {
	SetType       string         `json:"set_type"`
	PromptVersion string         `json:"prompt_version,omitempty"`
	Phase         string         `json:"phase,omitempty"`
	Model         string         `json:"model,omitempty"`
	Models        []string       `json:"models,omitempty"`
	Rounding      string         `json:"rounding,omitempty"`
	GeneratedAt   string         `json:"generated_at"`
	Results       []ScoredPair   `json:"results"`
	MSEResponse   map[string]any `json:"mse_response,omitempty"`
}

// ScoredPair holds one pair's rescoring outcome.
type ScoredPair struct {
	StudentID    string  `json:"student_id"`
	TopicID      string  `json:"topic_id"`
	CurrentLevel float64 `json:"current_level,omitempty"`
	AvgLevel     float64 `json:"avg_level,omitempty"`
	FinalLevel   float64 `json:"final_level"`
	Agree        *bool   `json:"agree,omitempty"`
	Rationale    string  `json:"rationale,omitempty"`
	Raw          string  `json:"raw,omitempty"`
	Votes        []Vote  `json:"model_votes,omitempty"`
}

// Vote is a single model's judgment inside an ensemble.
type Vote struct {
	Model     string  `json:"model"`
	Agree     bool    `json:"agree"`
	Level     float64 `json:"level"`
	Reasoning string  `json:"reasoning"`
	Raw       string  `json:"raw"`
}

// Predictions converts scored pairs into a submission payload.
func (e ScoreExport) Predictions() []Prediction {
	out := make([]Prediction, 0, len(e.Results))
	for _, r := range e.Results {
		out = append(out, Prediction{StudentID: r.StudentID, TopicID: r.TopicID, PredictedLevel: r.FinalLevel})
	}
	return out
}

// InferredLevel is one probing outcome.
type InferredLevel struct {
	StudentID      string          `json:"student_id"`
	StudentName    string          `json:"student_name,omitempty"`
	TopicID        string          `json:"topic_id"`
	TopicName      string          `json:"topic_name,omitempty"`
	SubjectName    string          `json:"subject_name,omitempty"`
	InferredLevel  int             `json:"inferred_level"`
	Delta          float64         `json:"delta"`
	ExpectedDeltas map[int]float64 `json:"expected_deltas,omitempty"`
}

// VerifiedLevel compares a logged prediction with the verifier's half-point level.
type VerifiedLevel struct {
	ConversationID    string   `json:"conversation_id"`
	StudentID         string   `json:"student_id"`
	TopicID           string   `json:"topic_id"`
	OriginalLevel     *float64 `json:"original_level"`
	VerifiedLevel     float64  `json:"verified_level"`
	Match             bool     `json:"match"`
	OriginalRationale string   `json:"original_rationale,omitempty"`
	VerifiedReasoning string   `json:"verified_reasoning,omitempty"`
	TutorPerformance  string   `json:"tutor_performance,omitempty"`
}
