package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pavelanni/tutorbench/internal/config"
)

// Calling conventions for OpenAI models.
const (
	ModeChat      = "chat"
	ModeResponses = "responses"
)

// Provider names accepted in a model spec.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

// MockDefaultReply is what the "mock" provider answers once it has nothing queued.
const MockDefaultReply = "Let's work through this together. What do you already know about this topic?"

// ModelSpec names a model and the provider that serves it.
type ModelSpec struct {
	Provider string
	Model    string
}

// String renders the spec the way it was written, omitting the default provider.
func (s ModelSpec) String() string {
	if s.Provider == ProviderOpenAI {
		return s.Model
	}
	return s.Provider + ":" + s.Model
}

// ParseModelSpec splits "provider:model". A bare name is an OpenAI model.
func ParseModelSpec(s string) ModelSpec {
	s = strings.TrimSpace(s)
	if p, m, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(p) {
		case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderMock:
			return ModelSpec{Provider: strings.ToLower(p), Model: strings.TrimSpace(m)}
		}
	}
	return ModelSpec{Provider: ProviderOpenAI, Model: s}
}

// ParseModelList splits a comma list of model specs, dropping blanks.
func ParseModelList(s string) []ModelSpec {
	var out []ModelSpec
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		out = append(out, ParseModelSpec(part))
	}
	return out
}

// Providers returns the distinct provider names used by specs.
func Providers(specs ...ModelSpec) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range specs {
		if !seen[s.Provider] {
			seen[s.Provider] = true
			out = append(out, s.Provider)
		}
	}
	return out
}

// Options carries everything the factory needs to build a provider.
type Options struct {
	Mode            string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string
	HTTPClient      *http.Client
	Retry           RetryConfig
}

// OptionsFromConfig copies provider credentials out of cfg.
func OptionsFromConfig(cfg config.Config, mode string) Options {
	return Options{
		Mode:            mode,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		GeminiAPIKey:    cfg.GeminiAPIKey,
		HTTPClient:      &http.Client{Timeout: cfg.HTTPTimeout},
		Retry:           DefaultRetryConfig(),
	}
}

// ValidateMode checks an OpenAI calling convention.
func ValidateMode(mode string) error {
	switch mode {
	case ModeChat, ModeResponses:
		return nil
	default:
		return config.Invalid("mode must be responses or chat, got %q", mode)
	}
}

// NewProvider builds the provider for spec, wrapped as caller -> retry -> logging -> base.
func NewProvider(ctx context.Context, opts Options, spec ModelSpec) (Provider, error) {
	if spec.Model == "" {
		return nil, config.Invalid("empty model name")
	}

	var base Provider
	var err error
	switch spec.Provider {
	case ProviderOpenAI:
		if err := ValidateMode(opts.Mode); err != nil {
			return nil, err
		}
		cfg := OpenAIConfig{APIKey: opts.OpenAIAPIKey, Model: spec.Model, BaseURL: opts.OpenAIBaseURL}
		if opts.Mode == ModeChat {
			base, err = NewOpenAIProvider(cfg)
		} else {
			base, err = NewResponsesProvider(cfg, opts.HTTPClient)
		}
	case ProviderAnthropic:
		base, err = NewAnthropicProvider(AnthropicConfig{APIKey: opts.AnthropicAPIKey, Model: spec.Model})
	case ProviderGemini:
		base, err = NewGeminiProvider(ctx, GeminiConfig{APIKey: opts.GeminiAPIKey, Model: spec.Model})
	case ProviderMock:
		m := NewMockProvider()
		m.Default = MockDefaultReply
		base = m
	default:
		return nil, config.Invalid("unknown LLM provider: %q", spec.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", spec.Provider, err)
	}

	return WithRetry(WithLogging(base, nil), opts.Retry), nil
}
