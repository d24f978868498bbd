// Package conversation runs tutoring conversations against the evaluation
// service and locks a level prediction for each one.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pavelanni/tutorbench/internal/convlog"
	"github.com/pavelanni/tutorbench/internal/estimate"
	"github.com/pavelanni/tutorbench/internal/evalapi"
	"github.com/pavelanni/tutorbench/internal/llm"
	"github.com/pavelanni/tutorbench/internal/llm/prompts"
	"github.com/pavelanni/tutorbench/internal/model"
	"github.com/pavelanni/tutorbench/internal/output"
)

// Service is the part of the evaluation service a conversation needs.
type Service interface {
	StartConversation(ctx context.Context, studentID, topicID string) (evalapi.StartResult, error)
	Interact(ctx context.Context, conversationID, tutorMessage string) (evalapi.InteractResult, error)
}

// EventLog receives the durable conversation events.
type EventLog interface {
	Log(event convlog.Event, fields convlog.Fields) error
	LogSummary(s convlog.Summary) error
}

// State is the lifecycle of one conversation.
type State string

const (
	StateNotStarted State = "not_started"
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultServiceTurns    = 10
	DefaultReevalThreshold = 0.5
	DefaultMinTutorChars   = 20
	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 300
)

// Config controls one Driver.
type Config struct {
	Version prompts.ConversationVersion
	// Model and JudgeModel are recorded in the log.
	Model      string
	JudgeModel string

	// DiagnosticTurns is K: turns 1..K are tagged diagnostic.
	DiagnosticTurns int
	// LockTurn locks a prediction from the diagnostic turns after that turn.
	// Zero defers locking to the end of the conversation.
	LockTurn int
	// MaxTurns caps the service's turn count when positive.
	MaxTurns int

	DynamicReeval   bool
	ReevalThreshold float64
	// ReevalWindow is how many recent student turns the strong-signal
	// heuristic reads.
	ReevalWindow int

	Supervise bool
	Adaptive  bool

	MinTutorChars int
	Sleep         time.Duration
	Temperature   float64
	MaxTokens     int
}

func (c Config) withDefaults() Config {
	if c.Version == "" {
		c.Version = prompts.ConversationPhased
	}
	if c.ReevalThreshold <= 0 {
		c.ReevalThreshold = DefaultReevalThreshold
	}
	if c.ReevalWindow <= 0 {
		c.ReevalWindow = estimate.DefaultWindow
	}
	if c.MinTutorChars <= 0 {
		c.MinTutorChars = DefaultMinTutorChars
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// Driver runs conversations. It is safe for concurrent use when its
// collaborators are.
type Driver struct {
	Service    Service
	Tutor      llm.Provider
	Supervisor llm.Provider // nil means Tutor
	Estimator  estimate.Estimator
	Log        EventLog
	Printer    *output.Printer // optional progress lines
	Logger     *slog.Logger
	Config     Config
}

// Result is the outcome of one conversation.
type Result struct {
	Conversation *model.Conversation
	State        State
	Prediction   model.Prediction
	Estimate     estimate.Estimate
	// LockedAt is the turn the prediction was locked after, 0 when locked at the end.
	LockedAt int
	Updates  int
}

type run struct {
	d      *Driver
	cfg    Config
	log    *slog.Logger
	conv   *model.Conversation
	system string
	// history alternates assistant (tutor) and user (student) messages.
	history []llm.Message

	state    State
	locked   bool
	lockedAt int
	current  estimate.Estimate
	phase    model.Phase
	updates  int
}

// Run drives one conversation from start to completion.
func (d *Driver) Run(ctx context.Context, student model.Student, topic model.Topic) (*Result, error) {
	cfg := d.Config.withDefaults()
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("student_id", student.ID, "topic_id", topic.ID)

	start, err := d.Service.StartConversation(ctx, student.ID, topic.ID)
	if err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	maxTurns := start.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultServiceTurns
	}
	if cfg.MaxTurns > 0 {
		maxTurns = min(maxTurns, cfg.MaxTurns)
	}
	logger = logger.With("conversation_id", start.ConversationID)

	r := &run{
		d:     d,
		cfg:   cfg,
		log:   logger,
		conv:  model.NewConversation(start.ConversationID, student, topic, maxTurns),
		state: StateInProgress,
	}
	r.event(convlog.EventStart, convlog.Fields{
		"student_id": student.ID,
		"topic_id":   topic.ID,
		"response":   map[string]any{"conversation_id": start.ConversationID, "max_turns": start.MaxTurns},
	})
	r.printf("Conversation started: %s / %s (id=%s, max_turns=%d)", student.Name, topic.Name, start.ConversationID, maxTurns)

	data := prompts.NewData(student, topic)
	data.DiagnosticTurns = cfg.DiagnosticTurns
	data.MaxTurns = maxTurns
	r.system, err = prompts.Conversation(cfg.Version, data)
	if err != nil {
		return nil, err
	}

	for turn := 1; turn <= maxTurns; turn++ {
		done, err := r.step(ctx, turn)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", turn, err)
		}
		if done {
			logger.Info("conversation complete", "turn", turn)
			break
		}
		if cfg.Sleep > 0 && turn < maxTurns {
			if err := sleep(ctx, cfg.Sleep); err != nil {
				return nil, err
			}
		}
	}

	if !r.locked {
		turns := r.conv.DiagnosticTurns()
		phase := model.PhaseDiagnostic
		if len(turns) == 0 {
			turns, phase = r.conv.Turns(), ""
		}
		est, err := r.estimate(ctx, turns)
		if err != nil {
			return nil, fmt.Errorf("final estimate: %w", err)
		}
		r.current, r.phase, r.locked = est, phase, true
	}
	r.state = StateComplete

	level := model.ClampLevel(r.current.Level)
	r.printf("Predicted understanding level: %s", prompts.FormatLevel(level))
	summary := convlog.NewSummary(r.conv, convlog.Prediction{
		Level:     convlog.NewLevel(level),
		Model:     cfg.JudgeModel,
		Raw:       r.current.Raw,
		Rationale: r.current.Rationale,
		Phase:     r.phase,
	})
	if err := d.Log.LogSummary(summary); err != nil {
		return nil, fmt.Errorf("log summary: %w", err)
	}

	return &Result{
		Conversation: r.conv,
		State:        r.state,
		Prediction:   model.Prediction{StudentID: student.ID, TopicID: topic.ID, PredictedLevel: level},
		Estimate:     r.current,
		LockedAt:     r.lockedAt,
		Updates:      r.updates,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *run) printf(format string, args ...any) {
	if r.d.Printer != nil {
		r.d.Printer.Printf(format, args...)
	}
}

func (r *run) event(event convlog.Event, fields convlog.Fields) {
	if err := r.d.Log.Log(event, fields); err != nil {
		r.log.Warn("log event", "event", event, "error", err)
	}
}

func (r *run) phaseOf(turn int) model.Phase {
	if turn <= r.cfg.DiagnosticTurns {
		return model.PhaseDiagnostic
	}
	return model.PhaseTutoring
}

// step runs one turn and reports whether the service signalled completion.
func (r *run) step(ctx context.Context, turn int) (bool, error) {
	phase := r.phaseOf(turn)
	in := directiveInput{turn: turn, maxTurns: r.conv.MaxTurns, phase: phase, lockScheduled: r.cfg.LockTurn > 0}
	if r.cfg.Adaptive && len(model.StudentTurns(r.conv.Turns())) > 0 {
		in.adaptiveLevel = estimate.EstimateLevel(r.conv.Turns())
	}

	msg, err := r.tutorMessage(ctx, in)
	if err != nil {
		return false, err
	}
	if r.cfg.Supervise {
		msg = r.supervise(ctx, in, msg)
	}
	if len([]rune(strings.TrimSpace(msg))) < r.cfg.MinTutorChars {
		r.log.Warn("tutor message too short, using fallback", "turn", turn, "message", msg)
		msg = fallbackMessage(phase)
	}

	r.conv.AddTurn(model.Turn{Role: model.RoleTutor, Turn: turn, Phase: phase, Content: msg})
	r.history = append(r.history, llm.Message{Role: llm.RoleAssistant, Content: msg})
	r.printf("Turn %d tutor: %s", turn, msg)

	resp, err := r.d.Service.Interact(ctx, r.conv.ID, msg)
	if err != nil {
		return false, fmt.Errorf("interact: %w", err)
	}
	r.event(convlog.EventInteract, convlog.Fields{
		"conversation_id": r.conv.ID,
		"tutor_message":   msg,
		"response":        map[string]any{"student_response": resp.StudentResponse, "is_complete": resp.IsComplete},
		"model":           r.cfg.Model,
		"phase":           phase,
	})

	reply := strings.TrimSpace(resp.StudentResponse)
	if reply != "" {
		r.conv.AddTurn(model.Turn{Role: model.RoleStudent, Turn: turn, Phase: phase, Content: reply})
		r.history = append(r.history, llm.Message{Role: llm.RoleUser, Content: reply})
		r.printf("Turn %d student: %s", turn, reply)
	}

	if !r.locked && r.cfg.LockTurn > 0 && turn == r.cfg.LockTurn {
		r.lock(ctx, turn)
	} else if r.locked && r.cfg.DynamicReeval && reply != "" {
		r.reevaluate(ctx, turn)
	}

	return resp.IsComplete, nil
}

// request builds the tutor request: the system prompt, the history and the
// directive folded into the trailing user message.
func (r *run) request(in directiveInput) llm.Request {
	msgs := make([]llm.Message, len(r.history), len(r.history)+1)
	copy(msgs, r.history)
	d := directive(in)
	if n := len(msgs); n > 0 && msgs[n-1].Role == llm.RoleUser {
		msgs[n-1].Content += "\n\n" + d
	} else {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: d})
	}
	return llm.Request{
		System:      r.system,
		Messages:    msgs,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}
}

func (r *run) tutorMessage(ctx context.Context, in directiveInput) (string, error) {
	resp, err := r.d.Tutor.Generate(llm.WithPurpose(ctx, "tutor"), r.request(in))
	if err != nil {
		return "", fmt.Errorf("tutor message: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// supervise reviews draft and retries once on rejection. Any supervisor
// failure keeps the draft.
func (r *run) supervise(ctx context.Context, in directiveInput, draft string) string {
	approved, feedback, err := r.review(ctx, in, draft)
	if err != nil {
		r.log.Warn("supervisor check failed, keeping draft", "turn", in.turn, "error", err)
		return draft
	}
	if approved {
		return draft
	}
	r.log.Info("supervisor rejected draft", "turn", in.turn, "feedback", feedback)
	in.feedback = feedback
	if in.feedback == "" {
		in.feedback = "the message did not meet the tutoring guidelines"
	}
	revised, err := r.tutorMessage(ctx, in)
	if err != nil || revised == "" {
		r.log.Warn("tutor retry failed, keeping draft", "turn", in.turn, "error", err)
		return draft
	}
	return revised
}

func (r *run) review(ctx context.Context, in directiveInput, draft string) (bool, string, error) {
	p := r.d.Supervisor
	if p == nil {
		p = r.d.Tutor
	}
	turns := r.conv.Turns()
	if len(turns) > 6 {
		turns = turns[len(turns)-6:]
	}
	data := prompts.NewData(r.conv.Student, r.conv.Topic)
	data.Turn, data.MaxTurns, data.Phase = in.turn, in.maxTurns, in.phase
	data.Transcript = prompts.Transcript(turns, prompts.AllTurns)
	data.TutorMessage = draft
	data.CurrentLevel = "not yet locked"
	if r.locked {
		data.CurrentLevel = prompts.FormatLevel(r.current.Level)
	}
	prompt, err := prompts.Supervisor(data)
	if err != nil {
		return false, "", err
	}
	req := llm.UserPrompt("Return only valid JSON. No extra text.", prompt, 0, 200)
	req.JSON = true
	resp, err := p.Generate(llm.WithPurpose(ctx, "supervisor"), req)
	if err != nil {
		return false, "", err
	}
	return estimate.ParseSupervisor(resp.Text)
}

func (r *run) estimate(ctx context.Context, turns []model.Turn) (estimate.Estimate, error) {
	return r.d.Estimator.Estimate(ctx, estimate.Context{
		Student: r.conv.Student,
		Topic:   r.conv.Topic,
		Turns:   turns,
	})
}

func (r *run) lock(ctx context.Context, turn int) {
	turns := r.conv.DiagnosticTurns()
	phase := model.PhaseDiagnostic
	if len(turns) == 0 {
		turns, phase = r.conv.Turns(), ""
	}
	est, err := r.estimate(ctx, turns)
	if err != nil {
		r.log.Warn("lock estimate failed, retrying at end", "turn", turn, "error", err)
		return
	}
	r.current, r.phase, r.locked, r.lockedAt = est, phase, true, turn
	r.log.Info("locked prediction", "turn", turn, "level", est.Level)
	r.event(convlog.EventLockedPrediction, convlog.Fields{
		"conversation_id": r.conv.ID,
		"student_id":      r.conv.Student.ID,
		"topic_id":        r.conv.Topic.ID,
		"turn":            turn,
		"level":           est.Level,
		"rationale":       est.Rationale,
		"raw":             est.Raw,
	})
}

// reevaluate re-estimates over the full transcript when the keyword
// heuristic over the latest ReevalWindow student turns reads a level of 1 or 5.
func (r *run) reevaluate(ctx context.Context, turn int) {
	signal := estimate.EstimateLevelWindow(r.conv.Turns(), r.cfg.ReevalWindow)
	if signal != int(model.MinLevel) && signal != int(model.MaxLevel) {
		return
	}
	est, err := r.estimate(ctx, r.conv.Turns())
	if err != nil {
		r.log.Warn("re-evaluation failed, keeping locked level", "turn", turn, "error", err)
		return
	}
	old := r.current.Level
	if math.Abs(est.Level-old) < r.cfg.ReevalThreshold {
		return
	}
	r.current, r.phase = est, ""
	r.updates++
	r.log.Info("prediction updated", "turn", turn, "old_level", old, "new_level", est.Level, "signal", signal)
	r.event(convlog.EventPredictionUpdate, convlog.Fields{
		"conversation_id": r.conv.ID,
		"student_id":      r.conv.Student.ID,
		"topic_id":        r.conv.Topic.ID,
		"turn":            turn,
		"old_level":       old,
		"new_level":       est.Level,
		"signal":          signal,
		"rationale":       est.Rationale,
	})
}
