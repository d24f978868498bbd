package prompts

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/pavelanni/tutorbench/internal/model"
)

// Filter restricts which turns appear in a transcript.
type Filter int

const (
	// AllTurns keeps every turn.
	AllTurns Filter = iota
	// DiagnosticOnly keeps the diagnostic-phase turns.
	DiagnosticOnly
	// StudentOnly keeps the student-authored turns.
	StudentOnly
)

var titler = cases.Title(language.English)

// RoleLabel renders a role for a transcript line, e.g. "Tutor".
func RoleLabel(r model.Role) string {
	return titler.String(string(r))
}

func applyFilter(turns []model.Turn, f Filter) []model.Turn {
	switch f {
	case DiagnosticOnly:
		return model.FilterPhase(turns, model.PhaseDiagnostic)
	case StudentOnly:
		return model.StudentTurns(turns)
	default:
		return turns
	}
}

// Transcript joins turns as "Role: content" lines in their original order.
func Transcript(turns []model.Turn, f Filter) string {
	selected := applyFilter(turns, f)
	lines := make([]string, 0, len(selected))
	for _, t := range selected {
		lines = append(lines, RoleLabel(t.Role)+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

// VerboseTranscript renders turns with their turn numbers for the verifier.
func VerboseTranscript(turns []model.Turn) string {
	var sb strings.Builder
	sb.WriteString("TRANSCRIPT:\n")
	for _, t := range turns {
		num := "?"
		if t.Turn > 0 {
			num = fmt.Sprint(t.Turn)
		}
		fmt.Fprintf(&sb, "[Turn %s] %s: %s\n\n", num, strings.ToUpper(string(t.Role)), t.Content)
	}
	return sb.String()
}
