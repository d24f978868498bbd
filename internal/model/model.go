package model

import (
	"fmt"
	"math"
)

// Role represents the author of a conversation turn.
type Role string

const (
	RoleTutor   Role = "tutor"
	RoleStudent Role = "student"
)

// Phase represents the stage of a conversation a turn belongs to.
type Phase string

const (
	PhaseDiagnostic Phase = "diagnostic"
	PhaseTutoring   Phase = "tutoring"
	PhaseSelfReport Phase = "self_report"
)

// Level bounds for understanding levels.
const (
	MinLevel     = 1.0
	MaxLevel     = 5.0
	DefaultLevel = 3.0
)

// Student is a simulated learner owned by the evaluation service.
type Student struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	GradeLevel any    `json:"grade_level"`
}

// Grade renders the grade level for prompts ("?" when unknown).
func (s Student) Grade() string {
	switch g := s.GradeLevel.(type) {
	case nil:
		return "?"
	case float64:
		if g == math.Trunc(g) {
			return fmt.Sprintf("%d", int(g))
		}
		return fmt.Sprintf("%g", g)
	case string:
		if g == "" {
			return "?"
		}
		return g
	default:
		return fmt.Sprint(g)
	}
}

// Topic is a subject area a student is assessed on.
type Topic struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SubjectName string `json:"subject_name"`
}

// Turn is one message in a conversation. Turns are never mutated after creation.
type Turn struct {
	Role    Role   `json:"role"`
	Turn    int    `json:"turn"`
	Phase   Phase  `json:"phase,omitempty"`
	Content string `json:"content"`
}

// Conversation is an ordered, append-only sequence of turns for one student/topic pair.
type Conversation struct {
	ID       string
	Student  Student
	Topic    Topic
	MaxTurns int
	turns    []Turn
}

// NewConversation creates an empty conversation.
func NewConversation(id string, s Student, t Topic, maxTurns int) *Conversation {
	return &Conversation{ID: id, Student: s, Topic: t, MaxTurns: maxTurns}
}

// AddTurn appends a turn.
func (c *Conversation) AddTurn(t Turn) {
	c.turns = append(c.turns, t)
}

// Turns returns a copy of the turn sequence.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// DiagnosticTurns returns only the diagnostic-phase turns, in order.
func (c *Conversation) DiagnosticTurns() []Turn {
	return FilterPhase(c.turns, PhaseDiagnostic)
}

// FilterPhase returns the turns tagged with the given phase, in original order.
func FilterPhase(turns []Turn, phase Phase) []Turn {
	var out []Turn
	for _, t := range turns {
		if t.Phase == phase {
			out = append(out, t)
		}
	}
	return out
}

// StudentTurns returns the student-authored turns, in original order.
func StudentTurns(turns []Turn) []Turn {
	var out []Turn
	for _, t := range turns {
		if t.Role == RoleStudent {
			out = append(out, t)
		}
	}
	return out
}

// PairKey identifies a (student, topic) pair.
type PairKey struct {
	StudentID string
	TopicID   string
}

func (k PairKey) String() string {
	return k.StudentID + " " + k.TopicID
}

// Pair is a student together with one of their topics.
type Pair struct {
	Student Student
	Topic   Topic
}

// Key returns the pair's identifying key.
func (p Pair) Key() PairKey {
	return PairKey{StudentID: p.Student.ID, TopicID: p.Topic.ID}
}

// Prediction is a level estimate submitted to the scoring endpoint.
type Prediction struct {
	StudentID      string  `json:"student_id"`
	TopicID        string  `json:"topic_id"`
	PredictedLevel float64 `json:"predicted_level"`
}

// Key returns the prediction's pair key.
func (p Prediction) Key() PairKey {
	return PairKey{StudentID: p.StudentID, TopicID: p.TopicID}
}

// StudentAnalysis holds heuristic scores for one student response.
// Every score is on the 1.0 to 5.0 scale; Length is the raw character count.
type StudentAnalysis struct {
	Turn        int     `json:"turn"`
	Confidence  float64 `json:"confidence"`
	Correctness float64 `json:"correctness"`
	Reasoning   float64 `json:"reasoning"`
	Recovery    float64 `json:"recovery"`
	Engagement  float64 `json:"engagement"`
	Length      int     `json:"length"`
}

// ClampLevel restricts a level to [MinLevel, MaxLevel].
func ClampLevel(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultLevel
	}
	return math.Max(MinLevel, math.Min(MaxLevel, v))
}

// RoundHalf rounds to the nearest multiple of 0.5.
func RoundHalf(v float64) float64 {
	return math.Round(v*2) / 2
}
