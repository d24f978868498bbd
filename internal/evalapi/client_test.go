package evalapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/tutorbench/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL+"/", "team-key", &Transport{HTTPClient: server.Client()})
}

func TestTransportEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	out, err := (&Transport{}).Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTransportErrorCarriesStatusAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"bad key"}`))
	})

	_, err := c.Students(context.Background(), "mini_dev")
	var te *TransportError
	require.True(t, errors.As(err, &te), "want *TransportError, got %T", err)
	assert.Equal(t, http.StatusUnauthorized, te.Status)
	assert.Contains(t, te.Body, "bad key")
}

func TestNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := NewClient(url, "k", nil)
	_, err := c.EvaluateTutoring(context.Background(), "dev")
	var ne *NetworkError
	require.True(t, errors.As(err, &ne), "want *NetworkError, got %T", err)
	assert.Equal(t, http.MethodPost, ne.Op)
}

func TestClientHeadersAndPairs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "team-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/students":
			assert.Equal(t, "mini_dev", r.URL.Query().Get("set_type"))
			_, _ = w.Write([]byte(`{"students":[{"id":"s1","name":"Ana","grade_level":8},{"id":"s2","name":"Bo","grade_level":"9"}]}`))
		case "/students/s1/topics":
			_, _ = w.Write([]byte(`{"topics":[{"id":"t1","name":"Fractions","subject_name":"Math"},{"id":"t2","name":"Cells","subject_name":"Biology"}]}`))
		case "/students/s2/topics":
			_, _ = w.Write([]byte(`{"topics":[{"id":"t3","name":"Forces","subject_name":"Physics"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	pairs, err := c.Pairs(context.Background(), "mini_dev")
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	keys := []string{pairs[0].Key().String(), pairs[1].Key().String(), pairs[2].Key().String()}
	assert.Equal(t, []string{"s1 t1", "s1 t2", "s2 t3"}, keys)
	assert.Equal(t, "8", pairs[0].Student.Grade())
	assert.Equal(t, "9", pairs[2].Student.Grade())
}

func TestStartAndInteract(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/interact/start":
			assert.Equal(t, "s1", body["student_id"])
			_, _ = w.Write([]byte(`{"conversation_id":"c-1","max_turns":10.0}`))
		case "/interact":
			assert.Equal(t, "c-1", body["conversation_id"])
			_, _ = w.Write([]byte(`{"student_response":"I think it is 3/4","is_complete":true}`))
		}
	})

	start, err := c.StartConversation(context.Background(), "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, StartResult{ConversationID: "c-1", MaxTurns: 10}, start)

	res, err := c.Interact(context.Background(), "c-1", "What is 1/2 + 1/4?")
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	assert.Equal(t, "I think it is 3/4", res.StudentResponse)
}

func TestEvaluateMSECoercesScore(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
		err  bool
	}{
		{"number", `{"mse_score":0.5}`, 0.5, false},
		{"string", `{"mse_score":"1.25"}`, 1.25, false},
		{"missing", `{}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				var body struct {
					SetType     string             `json:"set_type"`
					Predictions []model.Prediction `json:"predictions"`
				}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "mini_dev", body.SetType)
				assert.Len(t, body.Predictions, 1)
				_, _ = w.Write([]byte(tt.body))
			})
			res, err := c.EvaluateMSE(context.Background(), "mini_dev", []model.Prediction{{StudentID: "s1", TopicID: "t1", PredictedLevel: 3}})
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, res.Score, 1e-9)
		})
	}
}
