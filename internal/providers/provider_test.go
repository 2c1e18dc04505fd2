// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLocalClientChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"hi there"},"done":true,"prompt_eval_count":10,"eval_count":5}`)
	}))
	defer server.Close()

	c := NewLocalClient("local-llm", server.URL, "llama3", 5*time.Second)
	resp, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.TokensUsed != 15 {
		t.Errorf("expected 15 tokens, got %d", resp.TokensUsed)
	}
}

func TestLocalClientChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"llama3","message":{"content":"hel"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"content":""},"done":true}`)
	}))
	defer server.Close()

	c := NewLocalClient("local-llm", server.URL, "llama3", 5*time.Second)
	stream, err := c.ChatStream(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	var content string
	var sawDone bool
	for chunk := range stream {
		content += chunk.Content
		if chunk.Provider != "local-llm" {
			t.Errorf("chunk tagged with wrong provider %q", chunk.Provider)
		}
		if chunk.Done {
			sawDone = true
		}
	}
	if content != "hello" {
		t.Errorf("expected streamed 'hello', got %q", content)
	}
	if !sawDone {
		t.Error("stream never signaled Done")
	}
}

func TestLocalClientEmbeddings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"model":"nomic","embeddings":[[0.1,0.2],[0.3,0.4]],"prompt_eval_count":7}`)
	}))
	defer server.Close()

	c := NewLocalClient("local-llm", server.URL, "nomic", 5*time.Second)
	resp, err := c.Embeddings(context.Background(), &EmbeddingsRequest{Input: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Embeddings failed: %v", err)
	}
	if len(resp.Embeddings) != 2 {
		t.Errorf("expected 2 vectors, got %d", len(resp.Embeddings))
	}
	if resp.TokensUsed != 7 {
		t.Errorf("expected 7 tokens, got %d", resp.TokensUsed)
	}
}

func TestLocalClientServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not loaded"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewLocalClient("local-llm", server.URL, "llama3", 5*time.Second)
	_, err := c.Chat(context.Background(), &ChatRequest{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestLocalClientNotConfigured(t *testing.T) {
	c := NewLocalClient("local-llm", "", "llama3", time.Second)
	_, err := c.Chat(context.Background(), &ChatRequest{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCloudClientChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"cloud says hi"}}],"usage":{"total_tokens":42}}`)
	}))
	defer server.Close()

	c := NewCloudClient("cloud-llm", server.URL, "sk-test", "gpt-4o", 5*time.Second)
	resp, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "cloud says hi" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.TokensUsed != 42 {
		t.Errorf("expected 42 tokens, got %d", resp.TokensUsed)
	}
}

func TestCloudClientChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"str"}}]}`)
		fmt.Fprintln(w)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"eam"}}]}`)
		fmt.Fprintln(w)
		fmt.Fprintln(w, `data: [DONE]`)
	}))
	defer server.Close()

	c := NewCloudClient("cloud-llm", server.URL, "sk-test", "gpt-4o", 5*time.Second)
	stream, err := c.ChatStream(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	var content string
	var sawDone bool
	for chunk := range stream {
		content += chunk.Content
		if chunk.Done {
			sawDone = true
		}
	}
	if content != "stream" {
		t.Errorf("expected streamed 'stream', got %q", content)
	}
	if !sawDone {
		t.Error("stream never signaled Done")
	}
}

func TestCloudClientMissingKey(t *testing.T) {
	c := NewCloudClient("cloud-llm", "https://api.example.com", "", "gpt-4o", time.Second)
	_, err := c.Chat(context.Background(), &ChatRequest{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestImageClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/txt2img" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"images":["aGVsbG8="]}`)
	}))
	defer server.Close()

	c := NewImageClient("image-gen", server.URL, 10*time.Second)
	resp, err := c.GenerateImage(context.Background(), &ImageRequest{Prompt: "a lighthouse at dusk"})
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if len(resp.Images) != 1 {
		t.Errorf("expected 1 image, got %d", len(resp.Images))
	}
}

func TestImageClientEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"images":[]}`)
	}))
	defer server.Close()

	c := NewImageClient("image-gen", server.URL, 10*time.Second)
	if _, err := c.GenerateImage(context.Background(), &ImageRequest{Prompt: "x"}); err == nil {
		t.Error("expected error for empty image list")
	}
}
