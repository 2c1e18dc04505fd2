// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package providers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/averled/maestro/internal/logging"
)

// LocalClient speaks the Ollama-style HTTP API of a locally hosted
// language-model server: POST /api/chat (optionally streaming NDJSON) and
// POST /api/embed.
type LocalClient struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewLocalClient creates a client for a local model server.
func NewLocalClient(name, baseURL, model string, timeout time.Duration) *LocalClient {
	return &LocalClient{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the configured provider name.
func (c *LocalClient) Name() string { return c.name }

// Local always reports true.
func (c *LocalClient) Local() bool { return true }

// localChatRequest is the wire shape of POST /api/chat.
type localChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  struct {
		NumPredict  int     `json:"num_predict,omitempty"`
		Temperature float64 `json:"temperature,omitempty"`
	} `json:"options"`
}

// localChatResponse is the wire shape of a non-streaming chat response.
type localChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	// Token accounting fields
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Chat executes a non-streaming chat completion.
func (c *LocalClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: local provider has no base URL", ErrNotConfigured)
	}

	body := c.buildChatBody(req, false)
	resp, err := c.post(ctx, "/api/chat", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(c.name, resp)
	}

	var out localChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: failed to decode chat response: %w", c.name, err)
	}

	return &ChatResponse{
		Content:    out.Message.Content,
		Model:      out.Model,
		TokensUsed: out.PromptEvalCount + out.EvalCount,
	}, nil
}

// ChatStream executes a streaming chat completion. The local server emits
// newline-delimited JSON objects, one per token batch.
func (c *LocalClient) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: local provider has no base URL", ErrNotConfigured)
	}

	body := c.buildChatBody(req, true)
	resp, err := c.post(ctx, "/api/chat", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(c.name, resp)
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk localChatResponse
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				logging.Warn().Err(err).Str("provider", c.name).Msg("Dropping malformed stream chunk")
				continue
			}
			select {
			case out <- StreamChunk{Content: chunk.Message.Content, Provider: c.name, Done: chunk.Done}:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
	}()
	return out, nil
}

// localEmbedResponse is the wire shape of POST /api/embed.
type localEmbedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float64 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

// Embeddings computes vector embeddings via POST /api/embed.
func (c *LocalClient) Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: local provider has no base URL", ErrNotConfigured)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	payload := map[string]interface{}{
		"model": model,
		"input": req.Input,
	}
	resp, err := c.post(ctx, "/api/embed", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(c.name, resp)
	}

	var out localEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: failed to decode embeddings response: %w", c.name, err)
	}

	return &EmbeddingsResponse{
		Embeddings: out.Embeddings,
		Model:      out.Model,
		TokensUsed: out.PromptEvalCount,
	}, nil
}

func (c *LocalClient) buildChatBody(req *ChatRequest, stream bool) localChatRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body := localChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   stream,
	}
	body.Options.NumPredict = req.MaxTokens
	body.Options.Temperature = req.Temperature
	return body
}

func (c *LocalClient) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	return resp, nil
}

// readAPIError drains an error response into a diagnosable error value.
func readAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%s: API returned %d: %s", provider, resp.StatusCode, msg)
}
