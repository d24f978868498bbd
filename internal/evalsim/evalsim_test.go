package evalsim

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/tutorbench/internal/evalapi"
	"github.com/pavelanni/tutorbench/internal/model"
)

func newTestClient(t *testing.T, cfg Config) *evalapi.Client {
	t.Helper()
	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)
	key := cfg.APIKey
	if key == "" {
		key = "any"
	}
	return evalapi.NewClient(srv.URL, key, evalapi.NewTransport(5*time.Second))
}

func predictions(pairs []model.Pair, levels ...float64) []model.Prediction {
	out := make([]model.Prediction, len(pairs))
	for i, p := range pairs {
		out[i] = model.Prediction{StudentID: p.Student.ID, TopicID: p.Topic.ID, PredictedLevel: levels[i]}
	}
	return out
}

func TestMSEScenario(t *testing.T) {
	c := newTestClient(t, Config{APIKey: "team"})
	ctx := context.Background()

	pairs, err := c.Pairs(ctx, "mini_dev")
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	res, err := c.EvaluateMSE(ctx, "mini_dev", predictions(pairs, 1, 1, 1))
	require.NoError(t, err)
	assert.InDelta(t, 10.0/3, res.Score, 1e-9)

	res, err = c.EvaluateMSE(ctx, "mini_dev", predictions(pairs, 2, 4, 1))
	require.NoError(t, err)
	assert.Zero(t, res.Score)
}

func TestMSERejectsIncompleteSet(t *testing.T) {
	c := newTestClient(t, Config{})
	ctx := context.Background()
	pairs, err := c.Pairs(ctx, "mini_dev")
	require.NoError(t, err)

	_, err = c.EvaluateMSE(ctx, "mini_dev", predictions(pairs[:2], 1, 1))
	var te *evalapi.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadRequest, te.Status)
}

func TestAPIKeyRequired(t *testing.T) {
	srv := httptest.NewServer(New(Config{APIKey: "secret"}).Handler())
	t.Cleanup(srv.Close)
	c := evalapi.NewClient(srv.URL, "wrong", evalapi.NewTransport(5*time.Second))

	_, err := c.Students(context.Background(), "mini_dev")
	var te *evalapi.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.Status)
	assert.Contains(t, te.Body, "invalid api key")
}

func TestConversationCompletes(t *testing.T) {
	c := newTestClient(t, Config{MaxTurns: 2})
	ctx := context.Background()

	start, err := c.StartConversation(ctx, "stu-maya", "top-fractions")
	require.NoError(t, err)
	assert.Equal(t, 2, start.MaxTurns)
	assert.NotEmpty(t, start.ConversationID)

	first, err := c.Interact(ctx, start.ConversationID, "What is 1/2 + 1/4?")
	require.NoError(t, err)
	assert.False(t, first.IsComplete)
	assert.Contains(t, first.StudentResponse, "I don't know", "level 1 student sounds confused")

	second, err := c.Interact(ctx, start.ConversationID, "Let's try again.")
	require.NoError(t, err)
	assert.True(t, second.IsComplete)

	_, err = c.Interact(ctx, start.ConversationID, "One more?")
	var te *evalapi.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusConflict, te.Status)

	tut, err := c.EvaluateTutoring(ctx, "mini_dev")
	require.NoError(t, err)
	assert.EqualValues(t, 1, tut["conversations_completed"])
}

func TestSelfReportReply(t *testing.T) {
	assert.Equal(t, "I'd say 4.", reply(4, 1, "On a scale of 1-5, how well do you understand this?"))
	assert.Equal(t, replies[2][1], reply(2, 2, "Next question"))
}

func TestUnknownPair(t *testing.T) {
	c := newTestClient(t, Config{})
	_, err := c.StartConversation(context.Background(), "stu-alex", "top-photo")
	var te *evalapi.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.Status)
}
