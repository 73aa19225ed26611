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

// OllamaBackend implements Backend against a local Ollama server.
type OllamaBackend struct {
	opts   BackendOptions
	client *http.Client
	logger *zap.Logger
}

// NewOllamaBackend creates an Ollama backend.
func NewOllamaBackend(opts BackendOptions, logger *zap.Logger) *OllamaBackend {
	if opts.Endpoint == "" {
		opts.Endpoint = "http://localhost:11434"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OllamaBackend{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (b *OllamaBackend) ID() string   { return b.opts.ID }
func (b *OllamaBackend) Name() string { return b.opts.Name }

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMsg            `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Model           string `json:"model"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	EvalDuration    int64  `json:"eval_duration"`
}

// Generate sends a non-streaming chat request to Ollama.
func (b *OllamaBackend) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	or := ollamaChatRequest{
		Model:  req.Model,
		Stream: false,
	}
	if req.System != "" {
		or.Messages = append(or.Messages, ollamaMsg{Role: "system", Content: req.System})
	}
	for _, m := range req.Context {
		or.Messages = append(or.Messages, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	or.Messages = append(or.Messages, ollamaMsg{Role: "user", Content: req.Message})

	opts := map[string]interface{}{}
	if req.Constraints.Temperature > 0 {
		opts["temperature"] = req.Constraints.Temperature
	}
	if req.Constraints.MaxTokens > 0 {
		opts["num_predict"] = req.Constraints.MaxTokens
	}
	if len(opts) > 0 {
		or.Options = opts
	}

	body, err := json.Marshal(or)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.opts.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error %d: %s", resp.StatusCode, string(respBody))
	}

	var oresp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oresp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &GenerateResult{
		Text:             oresp.Message.Content,
		Model:            oresp.Model,
		PromptTokens:     oresp.PromptEvalCount,
		CompletionTokens: oresp.EvalCount,
	}
	// A reply truncated by the token budget is a weaker answer than one
	// that stopped on its own.
	switch oresp.DoneReason {
	case "stop":
		result.Confidence = 1.0
		result.HasConfidence = true
	case "length":
		result.Confidence = 0.5
		result.HasConfidence = true
	}
	return result, nil
}

// HealthCheck verifies the Ollama server is reachable.
func (b *OllamaBackend) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.opts.Endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama status %d", resp.StatusCode)
	}
	return nil
}
