package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Embedder turns text into dense vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// EmbedderConfig holds embedder connection settings.
type EmbedderConfig struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// HTTPEmbedder calls an embeddings endpoint. It speaks both the
// OpenAI-compatible batch form (/embeddings) and the Ollama single-prompt
// form (/api/embeddings), chosen by the endpoint path.
type HTTPEmbedder struct {
	endpoint  string
	model     string
	apiKey    string
	dimension int
	client    *http.Client

	dimOnce sync.Once
	dim     int
}

// NewHTTPEmbedder creates an embedder for the given config.
func NewHTTPEmbedder(cfg EmbedderConfig) *HTTPEmbedder {
	return &HTTPEmbedder{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		client:    http.DefaultClient,
	}
}

// Embed returns one vector per input text.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vectors [][]float32
	var err error
	if e.ollamaStyle() {
		vectors, err = e.embedOllama(ctx, texts)
	} else {
		vectors, err = e.embedBatch(ctx, texts)
	}
	if err != nil {
		return nil, err
	}

	if len(vectors) > 0 && len(vectors[0]) > 0 {
		e.dimOnce.Do(func() { e.dim = len(vectors[0]) })
	}
	return vectors, nil
}

func (e *HTTPEmbedder) ollamaStyle() bool {
	return strings.Contains(e.endpoint, ":11434") || strings.HasSuffix(e.endpoint, "/api")
}

func (e *HTTPEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: e.model, Input: texts}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := e.post(ctx, "/embeddings", payload, &result); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

func (e *HTTPEmbedder) embedOllama(ctx context.Context, texts []string) ([][]float32, error) {
	// Ollama serves embeddings under /api/embeddings. Only skip the /api
	// segment when the configured endpoint already carries it.
	path := "/api/embeddings"
	if strings.HasSuffix(e.endpoint, "/api") {
		path = "/embeddings"
	}

	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		payload := struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}{Model: e.model, Prompt: text}

		var result struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := e.post(ctx, path, payload, &result); err != nil {
			return nil, err
		}
		vectors = append(vectors, result.Embedding)
	}
	return vectors, nil
}

func (e *HTTPEmbedder) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("embedder: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedder: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedder: status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedder: decode response: %w", err)
	}
	return nil
}

// Dimension returns the vector dimension, cached from the first result
// when available.
func (e *HTTPEmbedder) Dimension() int {
	if e.dim > 0 {
		return e.dim
	}
	return e.dimension
}
