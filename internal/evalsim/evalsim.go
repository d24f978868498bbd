// Package evalsim is an in-process stand-in for the evaluation service.
//
// It serves the same six endpoints over a fixed roster with hidden true
// levels and scores predictions with the mean squared error.
package evalsim

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pavelanni/tutorbench/internal/model"
)

// DefaultMaxTurns is the conversation length reported by /interact/start.
const DefaultMaxTurns = 10

// Config configures a Server.
type Config struct {
	Roster Roster
	// APIKey is required in x-api-key. Empty accepts any key.
	APIKey   string
	MaxTurns int
}

type conversation struct {
	student  Student
	topic    Topic
	turn     int
	maxTurns int
}

// Server holds the simulated service state.
type Server struct {
	cfg Config

	mu            sync.Mutex
	conversations map[string]*conversation
	completed     map[string]int
	started       map[string]int
}

// New creates a Server. A zero Roster means DefaultRoster.
func New(cfg Config) *Server {
	if len(cfg.Roster.Students) == 0 {
		cfg.Roster = DefaultRoster()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	return &Server{
		cfg:           cfg,
		conversations: make(map[string]*conversation),
		completed:     make(map[string]int),
		started:       make(map[string]int),
	}
}

// Handler returns the full router with recovery and key checking.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requireAPIKey)
	s.Routes(r)
	return r
}

// Routes registers the service endpoints.
func (s *Server) Routes(r chi.Router) {
	r.Get("/students", s.handleStudents)
	r.Get("/students/{studentID}/topics", s.handleTopics)
	r.Post("/interact/start", s.handleStart)
	r.Post("/interact", s.handleInteract)
	r.Post("/evaluate/mse", s.handleMSE)
	r.Post("/evaluate/tutoring", s.handleTutoring)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("x-api-key") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleStudents(w http.ResponseWriter, r *http.Request) {
	setType := r.URL.Query().Get("set_type")
	if setType == "" {
		setType = "mini_dev"
	}
	students := []model.Student{}
	for _, st := range s.cfg.Roster.Set(setType) {
		students = append(students, st.Student)
	}
	writeJSON(w, http.StatusOK, map[string]any{"students": students})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	st, ok := s.cfg.Roster.student(chi.URLParam(r, "studentID"))
	if !ok {
		writeError(w, http.StatusNotFound, "student not found")
		return
	}
	topics := make([]model.Topic, 0, len(st.Topics))
	for _, t := range st.Topics {
		topics = append(topics, t.Topic)
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentID string `json:"student_id"`
		TopicID   string `json:"topic_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	st, topic, ok := s.cfg.Roster.topic(req.StudentID, req.TopicID)
	if !ok {
		writeError(w, http.StatusNotFound, "student/topic pair not found")
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.conversations[id] = &conversation{student: st, topic: topic, maxTurns: s.cfg.MaxTurns}
	s.started[st.SetType]++
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "max_turns": s.cfg.MaxTurns})
}

func isSelfReportQuestion(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "scale of 1-5")
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		TutorMessage   string `json:"tutor_message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TutorMessage) == "" {
		writeError(w, http.StatusBadRequest, "tutor_message is required")
		return
	}

	s.mu.Lock()
	conv, ok := s.conversations[req.ConversationID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if conv.turn >= conv.maxTurns {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "conversation already complete")
		return
	}
	conv.turn++
	turn, complete := conv.turn, conv.turn >= conv.maxTurns
	if complete {
		s.completed[conv.student.SetType]++
	}
	level := conv.topic.TrueLevel
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"student_response": reply(level, turn, req.TutorMessage),
		"is_complete":      complete,
		"turn":             turn,
	})
}

func (s *Server) handleMSE(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SetType     string             `json:"set_type"`
		Predictions []model.Prediction `json:"predictions"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	truths := s.cfg.Roster.Truths(req.SetType)
	if len(truths) == 0 {
		writeError(w, http.StatusNotFound, "unknown set_type")
		return
	}

	seen := make(map[model.PairKey]bool, len(req.Predictions))
	var sum float64
	for _, p := range req.Predictions {
		truth, ok := truths[p.Key()]
		if !ok {
			writeError(w, http.StatusBadRequest, "unexpected pair "+p.Key().String())
			return
		}
		if seen[p.Key()] {
			writeError(w, http.StatusBadRequest, "duplicate pair "+p.Key().String())
			return
		}
		seen[p.Key()] = true
		d := truth - p.PredictedLevel
		sum += d * d
	}
	if len(seen) != len(truths) {
		writeError(w, http.StatusBadRequest, "predictions must cover every pair in the set")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"set_type":        req.SetType,
		"mse_score":       sum / float64(len(truths)),
		"num_predictions": len(truths),
	})
}

func (s *Server) handleTutoring(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SetType string `json:"set_type"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	started, completed := s.started[req.SetType], s.completed[req.SetType]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"set_type":                req.SetType,
		"conversations_started":   started,
		"conversations_completed": completed,
	})
}
