package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/tutorbench/internal/config"
)

func newTestResponsesProvider(t *testing.T, handler http.HandlerFunc) *ResponsesProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p, err := NewResponsesProvider(OpenAIConfig{APIKey: "test-key", Model: "gpt-4o-mini", BaseURL: server.URL + "/v1"}, server.Client())
	require.NoError(t, err)
	return p
}

func TestResponsesProvider_OutputText(t *testing.T) {
	p := newTestResponsesProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		input := body["input"].([]any)
		require.Len(t, input, 2)
		assert.Equal(t, "system", input[0].(map[string]any)["role"])
		assert.EqualValues(t, 50, body["max_output_tokens"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":       "gpt-4o-mini",
			"status":      "completed",
			"output_text": "  Hello there  ",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 3, "total_tokens": 13},
		})
	})

	resp, err := p.Generate(context.Background(), UserPrompt("be kind", "hi", 0, 50))
	require.NoError(t, err)
	assert.Equal(t, "Hello there", resp.Text)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
}

func TestResponsesProvider_FallbackToOutputItems(t *testing.T) {
	p := newTestResponsesProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"completed","output":[
			{"type":"reasoning","content":[]},
			{"type":"message","content":[{"type":"output_text","text":"{\"level\": 4}"}]}
		]}`)
	})

	resp, err := p.Generate(context.Background(), UserPrompt("", "rate", 0, 0))
	require.NoError(t, err)
	assert.Equal(t, `{"level": 4}`, resp.Text)
}

func TestResponsesProvider_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"rate limit", http.StatusTooManyRequests, `{}`, func(t *testing.T, err error) {
			var rl *ErrRateLimit
			assert.True(t, errors.As(err, &rl))
		}},
		{"server error", http.StatusBadGateway, `{}`, func(t *testing.T, err error) {
			var un *ErrProviderUnavailable
			require.True(t, errors.As(err, &un))
			assert.Equal(t, http.StatusBadGateway, un.Status)
			assert.True(t, IsTransient(err))
		}},
		{"bad request", http.StatusBadRequest, `{}`, func(t *testing.T, err error) {
			assert.False(t, IsTransient(err))
		}},
		{"empty output", http.StatusOK, `{"status":"completed","output":[]}`, func(t *testing.T, err error) {
			var inv *ErrInvalidResponse
			assert.True(t, errors.As(err, &inv))
		}},
		{"truncated", http.StatusOK, `{"status":"incomplete","incomplete_details":{"reason":"max_output_tokens"}}`, func(t *testing.T, err error) {
			var mt *ErrMaxTokensExceeded
			assert.True(t, errors.As(err, &mt))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestResponsesProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := p.Generate(context.Background(), UserPrompt("", "x", 0, 0))
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestOpenAIProvider_ChatMode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": ` {"level":2} `}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 40, "completion_tokens": 5, "total_tokens": 45},
		})
	}))
	defer server.Close()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = server.URL + "/v1"
	p := &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: "gpt-4o-mini"}

	req := UserPrompt("Return only valid JSON.", "rate", 0, 200)
	req.JSON = true
	resp, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"level":2}`, resp.Text)
	assert.Equal(t, "end", resp.StopReason)
	assert.Equal(t, 40, resp.Usage.InputTokens)
}

func TestAnthropicProvider_HappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": `{"agree": true, "final_level": 3, "reasoning": "ok"}`}},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 50, "output_tokens": 30},
		})
	}))
	defer server.Close()

	client := anthropic.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(server.URL))
	p := &AnthropicProvider{client: &client, model: "claude-haiku-4-5-20251001"}

	resp, err := p.Generate(context.Background(), UserPrompt("judge", "rate", 0, 0))
	require.NoError(t, err)
	assert.Contains(t, resp.Text, `"final_level": 3`)
	assert.Equal(t, 80, resp.Usage.TotalTokens)
}

func TestOpenAITemperature(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	assert.Equal(t, 0.0, openAITemperature("gpt-4o", 0))
	assert.Empty(t, logs.String())

	assert.Equal(t, 1.0, openAITemperature("gpt-5.2", 0))
	assert.Equal(t, 1.0, openAITemperature("o3-mini", 0.7))
	assert.Equal(t, 2, bytes.Count(logs.Bytes(), []byte("temperature overridden for reasoning model")))

	logs.Reset()
	assert.Equal(t, 1.0, openAITemperature("o1", 1))
	assert.Empty(t, logs.String())
}

func TestModelMapping(t *testing.T) {
	assert.Equal(t, "gemini-2.0-flash", resolveModel("gemini-flash", geminiModels))
	assert.Equal(t, "claude-sonnet-4-20250514", resolveModel("claude-sonnet", anthropicModels))
	assert.Equal(t, "gpt-4.1-mini", resolveModel("gpt-4.1-mini", nil))
}

func TestParseModelSpec(t *testing.T) {
	tests := []struct {
		in   string
		want ModelSpec
	}{
		{"gpt-4o-mini", ModelSpec{Provider: ProviderOpenAI, Model: "gpt-4o-mini"}},
		{"anthropic:claude-haiku", ModelSpec{Provider: ProviderAnthropic, Model: "claude-haiku"}},
		{" Gemini:gemini-flash ", ModelSpec{Provider: ProviderGemini, Model: "gemini-flash"}},
		{"ft:gpt-4o:org", ModelSpec{Provider: ProviderOpenAI, Model: "ft:gpt-4o:org"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseModelSpec(tt.in))
		})
	}

	specs := ParseModelList("gpt-5.2, anthropic:claude-haiku,,gpt-4.1-mini")
	require.Len(t, specs, 3)
	assert.Equal(t, []string{ProviderOpenAI, ProviderAnthropic}, Providers(specs...))
	assert.Equal(t, "anthropic:claude-haiku", specs[1].String())
	assert.Equal(t, "gpt-5.2", specs[0].String())
}

func TestNewProviderRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	var cfgErr *config.Error

	_, err := NewProvider(ctx, Options{Mode: "stream"}, ModelSpec{Provider: ProviderOpenAI, Model: "gpt-4o"})
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	_, err = NewProvider(ctx, Options{Mode: ModeChat}, ModelSpec{Provider: "cohere", Model: "x"})
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	p, err := NewProvider(ctx, Options{Mode: ModeChat}, ModelSpec{Provider: ProviderMock, Model: "m"})
	require.NoError(t, err)
	resp, err := p.Generate(ctx, UserPrompt("", "hi", 0, 0))
	require.NoError(t, err)
	assert.Equal(t, MockDefaultReply, resp.Text)
}

func TestRetryProvider(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}

	t.Run("retries transient then succeeds", func(t *testing.T) {
		mock := NewMockProvider(
			MockResponse{Err: &ErrProviderUnavailable{Status: 503}},
			MockResponse{Err: &ErrRateLimit{}},
			MockResponse{Text: "ok"},
		)
		resp, err := WithRetry(mock, cfg).Generate(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Text)
		assert.Equal(t, 3, mock.CallCount())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		mock := NewMockProvider(MockResponse{Err: &ErrProviderUnavailable{Status: 400}}, MockResponse{Text: "never"})
		_, err := WithRetry(mock, cfg).Generate(context.Background(), Request{})
		require.Error(t, err)
		assert.Equal(t, 1, mock.CallCount())
	})

	t.Run("single attempt is a passthrough", func(t *testing.T) {
		mock := NewMockText("x")
		assert.Same(t, Provider(mock), WithRetry(mock, DefaultRetryConfig()))
	})
}

func TestPurposeContext(t *testing.T) {
	assert.Equal(t, "unknown", PurposeFrom(context.Background()))
	assert.Equal(t, "judge", PurposeFrom(WithPurpose(context.Background(), "judge")))
}
