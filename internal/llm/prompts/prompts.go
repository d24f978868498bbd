// Package prompts renders the instruction text sent to the LLM.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/pavelanni/tutorbench/internal/config"
	"github.com/pavelanni/tutorbench/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Version selects one variant of a prompt family by its letter.
type Version string

const (
	VersionA Version = "A"
	VersionB Version = "B"
	VersionC Version = "C"
	VersionD Version = "D"
	VersionE Version = "E"
)

// Family is a group of interchangeable prompts for the same purpose.
type Family string

const (
	// ScoreFamily rates a transcript directly.
	ScoreFamily Family = "score"
	// RejudgeFamily checks an existing prediction.
	RejudgeFamily Family = "rejudge"
)

var familyVersions = map[Family][]Version{
	ScoreFamily:   {VersionA, VersionB, VersionC},
	RejudgeFamily: {VersionA, VersionB, VersionC, VersionD, VersionE},
}

// ConversationVersion selects the tutor system prompt.
type ConversationVersion string

const (
	// ConversationSimple lets the tutor infer the level freely.
	ConversationSimple ConversationVersion = "v1"
	// ConversationPhased runs a diagnostic phase and then locks the level.
	ConversationPhased ConversationVersion = "v2"
)

// SelfReportQuestion is sent as the only tutor message by the self-report tool.
const SelfReportQuestion = "Before we start tutoring, on a scale of 1-5, how well do you feel you " +
	"understand this topic?\n" +
	"1 = Struggling (needs fundamentals)\n" +
	"2 = Below grade (frequent mistakes)\n" +
	"3 = At grade (core concepts OK)\n" +
	"4 = Above grade (occasional gaps)\n" +
	"5 = Advanced (ready for more)\n" +
	"Please reply with just the number (1-5)."

// Data holds the fields substituted into every template.
type Data struct {
	Name            string
	Grade           string
	Topic           string
	Subject         string
	Transcript      string
	CurrentLevel    string
	DiagnosticTurns int
	Turn            int
	MaxTurns        int
	Phase           model.Phase
	TutorMessage    string
	Response        string
}

// NewData fills the student and topic fields, substituting placeholders for blanks.
func NewData(s model.Student, t model.Topic) Data {
	return Data{
		Name:    orDefault(s.Name, "Student"),
		Grade:   s.Grade(),
		Topic:   orDefault(t.Name, "Topic"),
		Subject: orDefault(t.SubjectName, "Subject"),
	}
}

// FormatLevel renders a level the way prompts show it: "3" or "3.5".
func FormatLevel(level float64) string {
	return strconv.FormatFloat(level, 'f', -1, 64)
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[string]*template.Template
)

var funcs = template.FuncMap{
	"inc": func(n int) int { return n + 1 },
}

func load() error {
	loadOnce.Do(func() {
		templates = make(map[string]*template.Template)
		entries, err := fs.ReadDir(templateFS, "templates")
		if err != nil {
			loadErr = fmt.Errorf("read templates: %w", err)
			return
		}
		for _, e := range entries {
			content, err := fs.ReadFile(templateFS, "templates/"+e.Name())
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", e.Name(), err)
				return
			}
			name := strings.TrimSuffix(e.Name(), ".tmpl")
			tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", e.Name(), err)
				return
			}
			templates[name] = tmpl
		}
	})
	return loadErr
}

func render(name string, data Data) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	tmpl, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// ParseVersion resolves a letter for family, case-insensitively.
// An unknown letter is a configuration error.
func ParseVersion(family Family, v string) (Version, error) {
	allowed, ok := familyVersions[family]
	if !ok {
		return "", config.Invalid("unknown prompt family %q", family)
	}
	want := Version(strings.ToUpper(strings.TrimSpace(v)))
	for _, a := range allowed {
		if a == want {
			return a, nil
		}
	}
	return "", config.Invalid("prompt version must be %s", joinVersions(allowed))
}

func joinVersions(vs []Version) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + ", or " + parts[len(parts)-1]
}

// Score renders the direct-rating prompt for version.
func Score(v Version, data Data) (string, error) {
	if _, err := ParseVersion(ScoreFamily, string(v)); err != nil {
		return "", err
	}
	return render("score_"+strings.ToLower(string(v)), data)
}

// Rejudge renders the re-judgment prompt for version.
func Rejudge(v Version, data Data) (string, error) {
	if _, err := ParseVersion(RejudgeFamily, string(v)); err != nil {
		return "", err
	}
	if data.DiagnosticTurns == 0 {
		data.DiagnosticTurns = 4
	}
	return render("rejudge_"+strings.ToLower(string(v)), data)
}

// Gated renders the rating prompt whose rubric carries hard level gates.
func Gated(data Data) (string, error) {
	return render("gated", data)
}

// PredictSimple renders the single-integer rating prompt used at the end of a simple conversation.
func PredictSimple(data Data) (string, error) {
	return render("predict_simple", data)
}

// Conversation renders the tutor system prompt.
func Conversation(v ConversationVersion, data Data) (string, error) {
	switch v {
	case ConversationSimple:
		return render("conversation_v1", data)
	case ConversationPhased:
		if data.DiagnosticTurns == 0 {
			data.DiagnosticTurns = 4
		}
		if data.MaxTurns == 0 {
			data.MaxTurns = 10
		}
		return render("conversation_v2", data)
	default:
		return "", config.Invalid("conversation prompt must be v1 or v2, got %q", v)
	}
}

// Verify renders the half-point verification rubric. It carries no fields.
func Verify() (string, error) {
	return render("verify", Data{})
}

// Supervisor renders the review prompt for a proposed tutor message.
func Supervisor(data Data) (string, error) {
	return render("supervisor", data)
}

// SelfReportMap renders the prompt that maps a free-text self-report to a level.
func SelfReportMap(response string) (string, error) {
	return render("self_report_map", Data{Response: response})
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
