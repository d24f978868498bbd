// Package llm wraps the language-model providers used as tutor and judge.
package llm

import "context"

// Provider generates a completion for a prompt.
type Provider interface {
	// Generate sends the request and returns the generated text.
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the model identifier this provider is configured to use.
	ModelID() string
}

// Request describes what to send to the model.
type Request struct {
	// System is the system prompt.
	System string

	// Messages is the conversation history, oldest first.
	Messages []Message

	// JSON asks the provider for a JSON object when it supports a native switch.
	// Callers still parse the text defensively.
	JSON bool

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature controls randomness. Zero is deterministic.
	Temperature float64
}

// Message is one role-tagged message.
type Message struct {
	Role    Role
	Content string
}

// Role is the message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response holds the model's output.
type Response struct {
	// Text is the generated output, trimmed of surrounding whitespace.
	Text string

	Usage Usage

	// Model is the model that served the request.
	Model string

	// StopReason is normalized to "end" or "max_tokens".
	StopReason string
}

// Usage tracks token consumption for a single request.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// UserPrompt builds the common system-plus-one-user-message request.
func UserPrompt(system, prompt string, temperature float64, maxTokens int) Request {
	return Request{
		System:      system,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// resolveModel maps a friendly model name to a provider model ID.
func resolveModel(name string, models map[string]string) string {
	if id, ok := models[name]; ok {
		return id
	}
	return name
}
