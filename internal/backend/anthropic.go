package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AnthropicBackend implements Backend for the Claude API.
type AnthropicBackend struct {
	opts   BackendOptions
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicBackend creates an Anthropic backend.
func NewAnthropicBackend(opts BackendOptions, logger *zap.Logger) *AnthropicBackend {
	if opts.Endpoint == "" {
		opts.Endpoint = "https://api.anthropic.com/v1"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicBackend{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (b *AnthropicBackend) ID() string   { return b.opts.ID }
func (b *AnthropicBackend) Name() string { return b.opts.Name }

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string         `json:"model"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate sends a non-streaming messages request to Claude.
func (b *AnthropicBackend) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	ar := anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.Constraints.MaxTokens,
		Temperature: req.Constraints.Temperature,
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 4096
	}
	for _, m := range req.Context {
		ar.Messages = append(ar.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	ar.Messages = append(ar.Messages, anthropicMsg{Role: "user", Content: req.Message})

	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.opts.Endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.opts.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var aresp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aresp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	text := ""
	for _, c := range aresp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return &GenerateResult{
		Text:             text,
		Model:            aresp.Model,
		PromptTokens:     aresp.Usage.InputTokens,
		CompletionTokens: aresp.Usage.OutputTokens,
	}, nil
}

// HealthCheck verifies the API is reachable with a minimal request.
func (b *AnthropicBackend) HealthCheck(ctx context.Context) error {
	_, err := b.Generate(ctx, &GenerateRequest{
		Model:       "claude-3-5-haiku-20241022",
		Message:     "ping",
		Constraints: Constraints{MaxTokens: 1},
	})
	return err
}
