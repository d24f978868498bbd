// Package evalapi talks to the remote evaluation service.
package evalapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pavelanni/tutorbench/internal/model"
)

// Client wraps the evaluation service endpoints.
type Client struct {
	baseURL   string
	apiKey    string
	transport *Transport
}

// NewClient creates a Client for baseURL authenticated with apiKey.
func NewClient(baseURL, apiKey string, transport *Transport) *Client {
	if transport == nil {
		transport = &Transport{HTTPClient: http.DefaultClient}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		transport: transport,
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"x-api-key":    c.apiKey,
		"Content-Type": "application/json",
	}
}

func (c *Client) get(ctx context.Context, path string) (map[string]any, error) {
	return c.transport.Do(ctx, http.MethodGet, c.baseURL+path, c.headers(), nil)
}

func (c *Client) post(ctx context.Context, path string, body any) (map[string]any, error) {
	return c.transport.Do(ctx, http.MethodPost, c.baseURL+path, c.headers(), body)
}

// Students lists the students of a set such as "mini_dev" or "dev".
func (c *Client) Students(ctx context.Context, setType string) ([]model.Student, error) {
	data, err := c.get(ctx, "/students?set_type="+url.QueryEscape(setType))
	if err != nil {
		return nil, err
	}
	var out []model.Student
	if err := decodeField(data, "students", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Topics lists the topics assigned to a student.
func (c *Client) Topics(ctx context.Context, studentID string) ([]model.Topic, error) {
	data, err := c.get(ctx, "/students/"+url.PathEscape(studentID)+"/topics")
	if err != nil {
		return nil, err
	}
	var out []model.Topic
	if err := decodeField(data, "topics", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pairs expands a set into its student/topic pairs in service order.
func (c *Client) Pairs(ctx context.Context, setType string) ([]model.Pair, error) {
	students, err := c.Students(ctx, setType)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	var pairs []model.Pair
	for _, s := range students {
		topics, err := c.Topics(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("list topics for %s: %w", s.ID, err)
		}
		for _, t := range topics {
			pairs = append(pairs, model.Pair{Student: s, Topic: t})
		}
	}
	return pairs, nil
}

// StartResult is the reply to a conversation start.
type StartResult struct {
	ConversationID string
	MaxTurns       int
}

// StartConversation opens a conversation for a student/topic pair.
func (c *Client) StartConversation(ctx context.Context, studentID, topicID string) (StartResult, error) {
	data, err := c.post(ctx, "/interact/start", map[string]string{
		"student_id": studentID,
		"topic_id":   topicID,
	})
	if err != nil {
		return StartResult{}, err
	}
	id, _ := data["conversation_id"].(string)
	if id == "" {
		return StartResult{}, fmt.Errorf("start conversation: missing conversation_id")
	}
	maxTurns, _ := AsFloat(data["max_turns"])
	return StartResult{ConversationID: id, MaxTurns: int(maxTurns)}, nil
}

// InteractResult is the student's reply to one tutor message.
type InteractResult struct {
	StudentResponse string
	IsComplete      bool
}

// Interact sends a tutor message and returns the student's reply.
func (c *Client) Interact(ctx context.Context, conversationID, tutorMessage string) (InteractResult, error) {
	data, err := c.post(ctx, "/interact", map[string]string{
		"conversation_id": conversationID,
		"tutor_message":   tutorMessage,
	})
	if err != nil {
		return InteractResult{}, err
	}
	resp, _ := data["student_response"].(string)
	done, _ := data["is_complete"].(bool)
	return InteractResult{StudentResponse: resp, IsComplete: done}, nil
}

// MSEResult is the scoring endpoint's reply. Raw keeps the full body for export.
type MSEResult struct {
	Score float64
	Raw   map[string]any
}

// EvaluateMSE scores predictions against the hidden true levels.
func (c *Client) EvaluateMSE(ctx context.Context, setType string, preds []model.Prediction) (MSEResult, error) {
	data, err := c.post(ctx, "/evaluate/mse", map[string]any{
		"set_type":    setType,
		"predictions": preds,
	})
	if err != nil {
		return MSEResult{}, err
	}
	score, ok := AsFloat(data["mse_score"])
	if !ok {
		return MSEResult{Raw: data}, fmt.Errorf("evaluate mse: missing or non-numeric mse_score")
	}
	return MSEResult{Score: score, Raw: data}, nil
}

// EvaluateTutoring requests the opaque tutoring-quality evaluation for a set.
func (c *Client) EvaluateTutoring(ctx context.Context, setType string) (map[string]any, error) {
	return c.post(ctx, "/evaluate/tutoring", map[string]string{"set_type": setType})
}

// AsFloat coerces a JSON number, numeric string or json.Number to float64.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func decodeField(data map[string]any, key string, dst any) error {
	v, ok := data[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("re-encode %s: %w", key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
