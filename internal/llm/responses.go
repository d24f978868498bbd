package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// ResponsesProvider implements Provider with the OpenAI Responses API.
type ResponsesProvider struct {
	httpc   *http.Client
	apiKey  string
	baseURL string
	model   string
}

// NewResponsesProvider creates a responses-mode provider.
func NewResponsesProvider(cfg OpenAIConfig, httpc *http.Client) (*ResponsesProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if httpc == nil {
		httpc = http.DefaultClient
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	return &ResponsesProvider{httpc: httpc, apiKey: cfg.APIKey, baseURL: base, model: cfg.Model}, nil
}

func (p *ResponsesProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	input := make([]any, 0, len(req.Messages)+1)
	if req.System != "" {
		input = append(input, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		input = append(input, map[string]any{"role": string(m.Role), "content": m.Content})
	}

	body := map[string]any{
		"model":       p.model,
		"input":       input,
		"temperature": openAITemperature(p.model, req.Temperature),
	}
	if req.MaxTokens > 0 {
		body["max_output_tokens"] = req.MaxTokens
	}
	if req.JSON {
		body["text"] = map[string]any{"format": map[string]any{"type": "json_object"}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal responses request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build responses request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpc.Do(httpReq)
	if err != nil {
		return nil, &ErrProviderUnavailable{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, fmt.Errorf("openai responses %d: %s", resp.StatusCode, truncateBytes(raw, 512)))
	}

	var env responsesEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ErrInvalidResponse{Body: string(raw), Err: fmt.Errorf("decode responses body: %w", err)}
	}
	text := env.text()
	if text == "" {
		if env.Status == "incomplete" && env.IncompleteDetails.Reason == "max_output_tokens" {
			return nil, &ErrMaxTokensExceeded{Model: p.model}
		}
		return nil, &ErrInvalidResponse{Body: string(raw), Err: fmt.Errorf("responses: empty output; body=%s", truncateBytes(raw, 512))}
	}

	stop := "end"
	if env.Status == "incomplete" {
		stop = "max_tokens"
	}
	model := env.Model
	if model == "" {
		model = p.model
	}
	return &Response{
		Text: text,
		Usage: Usage{
			InputTokens:  env.Usage.InputTokens,
			OutputTokens: env.Usage.OutputTokens,
			TotalTokens:  env.Usage.TotalTokens,
		},
		Model:      model,
		StopReason: stop,
	}, nil
}

func (p *ResponsesProvider) ModelID() string {
	return p.model
}

type responsesEnvelope struct {
	Model             string `json:"model"`
	Status            string `json:"status"`
	OutputText        string `json:"output_text"`
	IncompleteDetails struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// text prefers the aggregated output_text and falls back to the first
// text part of the first message item.
func (e responsesEnvelope) text() string {
	if s := strings.TrimSpace(e.OutputText); s != "" {
		return s
	}
	for _, item := range e.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" || c.Type == "text" {
				return strings.TrimSpace(c.Text)
			}
		}
	}
	return ""
}

func truncateBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
