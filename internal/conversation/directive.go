package conversation

import (
	"fmt"
	"strings"

	"github.com/pavelanni/tutorbench/internal/model"
)

// Fallback messages replace tutor drafts shorter than MinTutorChars.
const (
	fallbackDiagnostic = "Could you walk me through how you would approach this problem, step by step?"
	fallbackTutoring   = "Let's keep going. Can you try the next step and explain your thinking as you go?"
)

func fallbackMessage(phase model.Phase) string {
	if phase == model.PhaseDiagnostic {
		return fallbackDiagnostic
	}
	return fallbackTutoring
}

// strategy is the adaptive hint for a heuristic level.
func strategy(level int) string {
	switch {
	case level <= 2:
		return "Strategy: the student seems to be struggling. Use tiny steps and one concrete worked example before asking them to try."
	case level == 3:
		return "Strategy: balance a brief explanation with a practice question, and keep a hint ready."
	default:
		return "Strategy: the student seems strong. Give a challenging question with minimal explanation and let them reason."
	}
}

type directiveInput struct {
	turn, maxTurns int
	phase          model.Phase
	lockScheduled  bool
	adaptiveLevel  int
	feedback       string
}

// directive is the per-turn instruction appended to the tutor request.
func directive(in directiveInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Turn %d of %d, %s phase]", in.turn, in.maxTurns, in.phase)
	if in.phase == model.PhaseDiagnostic {
		sb.WriteString(" Ask short diagnostic questions. Do not teach or explain yet.")
	} else if in.lockScheduled {
		sb.WriteString(" Teach at the locked level and move learning forward.")
	} else {
		sb.WriteString(" Teach at the student's current level and move learning forward.")
	}
	if in.adaptiveLevel > 0 {
		sb.WriteString("\n" + strategy(in.adaptiveLevel))
	}
	if in.feedback != "" {
		sb.WriteString("\nA reviewer rejected your previous draft: " + in.feedback + "\nRewrite your message to address this.")
	}
	return sb.String()
}
