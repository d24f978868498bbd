package convlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/tutorbench/internal/model"
)

// Level is a logged level. It decodes from a JSON number or numeric string;
// anything else decodes to NaN.
type Level float64

// NewLevel returns a pointer to v as a Level.
func NewLevel(v float64) *Level {
	l := Level(v)
	return &l
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*l = Level(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			f = math.NaN()
		}
		*l = Level(f)
	default:
		*l = Level(math.NaN())
	}
	return nil
}

// Valid reports whether the level parsed as a number.
func (l *Level) Valid() bool {
	return l != nil && !math.IsNaN(float64(*l))
}

// Prediction is the level recorded with a conversation summary.
type Prediction struct {
	Level     *Level      `json:"level"`
	Model     string      `json:"model,omitempty"`
	Raw       string      `json:"raw,omitempty"`
	Rationale string      `json:"rationale,omitempty"`
	Phase     model.Phase `json:"phase,omitempty"`
}

// Summary is a conversation_summary record.
type Summary struct {
	Event          Event        `json:"event"`
	TS             string       `json:"ts,omitempty"`
	StudentID      string       `json:"student_id"`
	TopicID        string       `json:"topic_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	StudentName    string       `json:"student_name,omitempty"`
	GradeLevel     any          `json:"grade_level,omitempty"`
	TopicName      string       `json:"topic_name,omitempty"`
	SubjectName    string       `json:"subject_name,omitempty"`
	Turns          []model.Turn `json:"turns"`
	Prediction     Prediction   `json:"prediction"`
}

// NewSummary fills the identifying fields of a summary from a conversation.
func NewSummary(c *model.Conversation, p Prediction) Summary {
	return Summary{
		StudentID:      c.Student.ID,
		TopicID:        c.Topic.ID,
		ConversationID: c.ID,
		StudentName:    c.Student.Name,
		GradeLevel:     c.Student.GradeLevel,
		TopicName:      c.Topic.Name,
		SubjectName:    c.Topic.SubjectName,
		Turns:          c.Turns(),
		Prediction:     p,
	}
}

// Key returns the summary's pair key.
func (s Summary) Key() model.PairKey {
	return model.PairKey{StudentID: s.StudentID, TopicID: s.TopicID}
}

// Student rebuilds the student recorded with the summary.
func (s Summary) Student() model.Student {
	return model.Student{ID: s.StudentID, Name: s.StudentName, GradeLevel: s.GradeLevel}
}

// Topic rebuilds the topic recorded with the summary.
func (s Summary) Topic() model.Topic {
	return model.Topic{ID: s.TopicID, Name: s.TopicName, SubjectName: s.SubjectName}
}

// ParseTimestamp reads a ts value in TimeFormat or RFC 3339.
func ParseTimestamp(ts string) (time.Time, bool) {
	if ts == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(TimeFormat, ts); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, true
	}
	return time.Time{}, false
}

type candidate struct {
	summary Summary
	ts      time.Time
	hasTS   bool
}

// replaces reports whether c, read after existing, takes its place.
// Timestamps decide when both have one, with later lines winning ties; a
// record without a timestamp never replaces one that has it.
func (c candidate) replaces(existing candidate) bool {
	switch {
	case c.hasTS && existing.hasTS:
		return !c.ts.Before(existing.ts)
	case !c.hasTS && existing.hasTS:
		return false
	default:
		return true
	}
}

// reduce returns the latest accepted summary per pair. A missing file is empty.
func reduce(path string, accept func(Summary) bool) (map[model.PairKey]Summary, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[model.PairKey]Summary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	latest := make(map[model.PairKey]candidate)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var head struct {
			Event Event `json:"event"`
		}
		if err := json.Unmarshal([]byte(line), &head); err != nil || head.Event != EventSummary {
			continue
		}
		var s Summary
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			continue
		}
		if s.StudentID == "" || s.TopicID == "" || !accept(s) {
			continue
		}
		ts, ok := ParseTimestamp(s.TS)
		c := candidate{summary: s, ts: ts, hasTS: ok}
		if existing, found := latest[s.Key()]; found && !c.replaces(existing) {
			continue
		}
		latest[s.Key()] = c
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	out := make(map[model.PairKey]Summary, len(latest))
	for k, c := range latest {
		out[k] = c.summary
	}
	return out, nil
}

// PickLatest returns the most recent conversation_summary per pair.
func PickLatest(path string) (map[model.PairKey]Summary, error) {
	return reduce(path, func(Summary) bool { return true })
}

// LoadPredictions returns the most recent logged level per pair, ignoring
// summaries whose level is missing or not numeric.
func LoadPredictions(path string) (map[model.PairKey]float64, error) {
	latest, err := reduce(path, func(s Summary) bool { return s.Prediction.Level.Valid() })
	if err != nil {
		return nil, err
	}
	out := make(map[model.PairKey]float64, len(latest))
	for k, s := range latest {
		out[k] = float64(*s.Prediction.Level)
	}
	return out, nil
}
