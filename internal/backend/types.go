package backend

import (
	"context"
	"time"
)

// Backend is the only boundary allowed to cross into an external
// model-serving process. The caller supplies the timeout via ctx.
type Backend interface {
	ID() string
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
	HealthCheck(ctx context.Context) error
}

// ContextMessage is one prior exchange carried into the prompt.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Constraints bound a single generation call.
type Constraints struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// GenerateRequest carries the assembled prompt context plus the new message.
type GenerateRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Context     []ContextMessage `json:"context,omitempty"`
	Message     string           `json:"message"`
	Constraints Constraints      `json:"constraints"`
}

// GenerateResult is the backend's answer. Confidence is optional; backends
// that report a quality signal set HasConfidence.
type GenerateResult struct {
	Text             string  `json:"text"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Confidence       float64 `json:"confidence,omitempty"`
	HasConfidence    bool    `json:"-"`
}

// BackendOptions holds connection settings common to all backend types.
type BackendOptions struct {
	ID       string
	Name     string
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}
