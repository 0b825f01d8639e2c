// Package kb – embeddings.go implements the embeddings client for any
// OpenAI-compatible /embeddings endpoint (OpenAI, Ollama, vLLM, ...).
// An unconfigured provider degrades to the null embedder: chunks persist
// without vectors and semantic search returns nothing.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the output vector dimensionality.
	Dimensions() int

	// Name identifies the provider for chunk provenance columns.
	Name() string

	// Model identifies the model for chunk provenance columns.
	Model() string
}

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint.
type HTTPEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
}

// NewHTTPEmbedder creates an embedder for the given endpoint. Returns the
// null embedder when baseURL is empty.
func NewHTTPEmbedder(baseURL, apiKey, model string, dimensions int) Embedder {
	if baseURL == "" {
		return &NullEmbedder{}
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &HTTPEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed calls the endpoint with the whole batch.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body := map[string]any{
		"model": e.model,
		"input": texts,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingsUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingsUnavailable, resp.StatusCode, truncate(string(respBody), 200))
	}

	var result embedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrEmbeddingsUnavailable, result.Error.Message)
	}

	// Order by index to match input order.
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	return embeddings, nil
}

// Dimensions returns the configured dimensionality.
func (e *HTTPEmbedder) Dimensions() int { return e.dimensions }

// Name returns "openai-compatible".
func (e *HTTPEmbedder) Name() string { return "openai-compatible" }

// Model returns the model name.
func (e *HTTPEmbedder) Model() string { return e.model }

// NullEmbedder disables semantic search. Ingestion still works; chunks are
// stored without vectors.
type NullEmbedder struct{}

// Embed always fails with ErrEmbeddingsUnavailable.
func (e *NullEmbedder) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrEmbeddingsUnavailable
}

// Dimensions returns 0.
func (e *NullEmbedder) Dimensions() int { return 0 }

// Name returns "none".
func (e *NullEmbedder) Name() string { return "none" }

// Model returns "none".
func (e *NullEmbedder) Model() string { return "none" }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
