// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package providers defines the provider abstraction the orchestrator
// routes across, plus HTTP clients for the three provider roles: a local
// language-model server (Ollama-style API), a cloud language-model API
// (OpenAI-style), and a local image-generation service.
//
// Inference itself is out of scope; these clients only speak the
// providers' HTTP surfaces and interpret status codes and payload shapes.
package providers

import (
	"context"
	"errors"
)

// Provider errors
var (
	// ErrNotConfigured indicates the provider is missing required
	// configuration (endpoint, API key). Never retried.
	ErrNotConfigured = errors.New("provider is not configured")

	// ErrUnsupported indicates the provider cannot serve the request kind.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a logical chat completion request.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	// MaxTokens caps the response length; zero lets the provider decide.
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ChatResponse is a completed chat turn.
type ChatResponse struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// StreamChunk is one increment of a streaming chat response. A chunk with
// Done=true terminates the stream. FallbackMarker chunks carry an empty
// Content and identify the provider the stream switched to.
type StreamChunk struct {
	Content        string `json:"content"`
	Provider       string `json:"provider"`
	Done           bool   `json:"done"`
	FallbackMarker bool   `json:"fallback_marker,omitempty"`
}

// EmbeddingsRequest asks for vector embeddings of the input texts.
type EmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbeddingsResponse carries one vector per input.
type EmbeddingsResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Model      string      `json:"model"`
	TokensUsed int         `json:"tokens_used"`
}

// ImageRequest asks for generated images.
type ImageRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Steps          int    `json:"steps,omitempty"`
	Seed           int64  `json:"seed,omitempty"`
}

// ImageResponse carries base64-encoded images.
type ImageResponse struct {
	Images []string `json:"images"`
}

// Provider is a backend capable of serving chat and embeddings requests.
type Provider interface {
	// Name returns the provider's configured logical name.
	Name() string

	// Local reports whether the provider runs on the overlay network
	// (eligible for watchdog auto-recovery, exempt from the cost gate).
	Local() bool

	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream returns a channel of chunks. The channel is closed after
	// the chunk with Done=true, or when ctx is canceled.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error)
}

// ImageProvider is a backend capable of image generation.
type ImageProvider interface {
	Name() string
	Local() bool
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}
