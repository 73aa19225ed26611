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

// OpenAIBackend implements Backend for OpenAI-compatible chat APIs.
type OpenAIBackend struct {
	opts   BackendOptions
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIBackend creates an OpenAI-compatible backend.
func NewOpenAIBackend(opts BackendOptions, logger *zap.Logger) *OpenAIBackend {
	if opts.Endpoint == "" {
		opts.Endpoint = "https://api.openai.com/v1"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIBackend{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (b *OpenAIBackend) ID() string   { return b.opts.ID }
func (b *OpenAIBackend) Name() string { return b.opts.Name }

type openaiMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatRequest struct {
	Model       string      `json:"model"`
	Messages    []openaiMsg `json:"messages"`
	Temperature float64     `json:"temperature,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Logprobs    bool        `json:"logprobs,omitempty"`
}

type openaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
		Logprobs     *struct {
			Content []struct {
				Logprob float64 `json:"logprob"`
			} `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate sends a non-streaming chat completion request.
func (b *OpenAIBackend) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	oreq := openaiChatRequest{
		Model:       req.Model,
		Temperature: req.Constraints.Temperature,
		MaxTokens:   req.Constraints.MaxTokens,
		Logprobs:    true,
	}
	if req.System != "" {
		oreq.Messages = append(oreq.Messages, openaiMsg{Role: "system", Content: req.System})
	}
	for _, m := range req.Context {
		oreq.Messages = append(oreq.Messages, openaiMsg{Role: m.Role, Content: m.Content})
	}
	oreq.Messages = append(oreq.Messages, openaiMsg{Role: "user", Content: req.Message})

	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.opts.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.opts.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var oresp openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oresp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(oresp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	choice := oresp.Choices[0]
	result := &GenerateResult{
		Text:             choice.Message.Content,
		Model:            oresp.Model,
		PromptTokens:     oresp.Usage.PromptTokens,
		CompletionTokens: oresp.Usage.CompletionTokens,
	}
	// Mean token logprob doubles as a rough quality signal when present.
	if lp := choice.Logprobs; lp != nil && len(lp.Content) > 0 {
		var sum float64
		for _, t := range lp.Content {
			sum += t.Logprob
		}
		result.Confidence = sum / float64(len(lp.Content))
		result.HasConfidence = true
	}
	return result, nil
}

// HealthCheck verifies the API is reachable.
func (b *OpenAIBackend) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.opts.Endpoint+"/models", nil)
	if err != nil {
		return err
	}
	if b.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.opts.APIKey)
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend status %d", resp.StatusCode)
	}
	return nil
}
