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
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/averled/maestro/internal/logging"
)

// CloudClient speaks an OpenAI-style HTTP API: POST /chat/completions
// (optionally streaming SSE) and POST /embeddings, with bearer-token auth.
type CloudClient struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewCloudClient creates a client for a cloud language-model API.
func NewCloudClient(name, baseURL, apiKey, model string, timeout time.Duration) *CloudClient {
	return &CloudClient{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the configured provider name.
func (c *CloudClient) Name() string { return c.name }

// Local always reports false.
func (c *CloudClient) Local() bool { return false }

type cloudChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type cloudChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
		Delta   Message `json:"delta"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat executes a non-streaming chat completion.
func (c *CloudClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, fmt.Errorf("%w: cloud provider needs base URL and API key", ErrNotConfigured)
	}

	resp, err := c.post(ctx, "/chat/completions", c.buildChatBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(c.name, resp)
	}

	var out cloudChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: failed to decode chat response: %w", c.name, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: response contained no choices", c.name)
	}

	return &ChatResponse{
		Content:    out.Choices[0].Message.Content,
		Model:      out.Model,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}

// ChatStream executes a streaming chat completion. The cloud API emits
// server-sent events, each a "data: {json}" line, terminated by
// "data: [DONE]".
func (c *CloudClient) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, fmt.Errorf("%w: cloud provider needs base URL and API key", ErrNotConfigured)
	}

	resp, err := c.post(ctx, "/chat/completions", c.buildChatBody(req, true))
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
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				select {
				case out <- StreamChunk{Provider: c.name, Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var chunk cloudChatResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				logging.Warn().Err(err).Str("provider", c.name).Msg("Dropping malformed SSE chunk")
				continue
			}
			content := ""
			if len(chunk.Choices) > 0 {
				content = chunk.Choices[0].Delta.Content
			}
			select {
			case out <- StreamChunk{Content: content, Provider: c.name}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type cloudEmbeddingsResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embeddings computes vector embeddings via POST /embeddings.
func (c *CloudClient) Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, fmt.Errorf("%w: cloud provider needs base URL and API key", ErrNotConfigured)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	resp, err := c.post(ctx, "/embeddings", map[string]interface{}{
		"model": model,
		"input": req.Input,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(c.name, resp)
	}

	var out cloudEmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: failed to decode embeddings response: %w", c.name, err)
	}

	embeddings := make([][]float64, 0, len(out.Data))
	for _, d := range out.Data {
		embeddings = append(embeddings, d.Embedding)
	}
	return &EmbeddingsResponse{
		Embeddings: embeddings,
		Model:      out.Model,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}

func (c *CloudClient) buildChatBody(req *ChatRequest, stream bool) cloudChatRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	return cloudChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (c *CloudClient) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	return resp, nil
}
