// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/averled/maestro/internal/health"
	"github.com/averled/maestro/internal/lifecycle"
	"github.com/averled/maestro/internal/orchestrator"
	"github.com/averled/maestro/internal/providers"
	"github.com/averled/maestro/internal/registry"
)

type fakeOrchestrator struct {
	chatResult *orchestrator.ChatResult
	chatErr    error
	chunks     []providers.StreamChunk
	streamErr  error
	embResult  *orchestrator.EmbeddingsResult
	imgResult  *orchestrator.ImageResult
	jobs       *orchestrator.JobStore
}

func (f *fakeOrchestrator) Chat(ctx context.Context, req *providers.ChatRequest) (*orchestrator.ChatResult, error) {
	return f.chatResult, f.chatErr
}

func (f *fakeOrchestrator) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	out := make(chan providers.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (f *fakeOrchestrator) Embeddings(ctx context.Context, req *providers.EmbeddingsRequest) (*orchestrator.EmbeddingsResult, error) {
	return f.embResult, f.chatErr
}

func (f *fakeOrchestrator) GenerateImage(ctx context.Context, req *providers.ImageRequest) (*orchestrator.ImageResult, error) {
	return f.imgResult, f.chatErr
}

func (f *fakeOrchestrator) Jobs() *orchestrator.JobStore {
	if f.jobs == nil {
		f.jobs = orchestrator.NewJobStore(0)
	}
	return f.jobs
}

func (f *fakeOrchestrator) Ledger() *orchestrator.Ledger { return nil }

type fakeHealth struct {
	snapshot map[string]*health.ProviderHealth
}

func (f *fakeHealth) Snapshot() map[string]*health.ProviderHealth { return f.snapshot }

type fakeRegistry struct {
	services []*registry.RegisteredService
	err      error
}

func (f *fakeRegistry) List(ctx context.Context) ([]*registry.RegisteredService, error) {
	return f.services, f.err
}

type fakeSupervisor struct {
	state   lifecycle.State
	adopted bool
}

func (f *fakeSupervisor) State() lifecycle.State { return f.state }
func (f *fakeSupervisor) Adopted() bool          { return f.adopted }

func healthyProviders() map[string]*health.ProviderHealth {
	return map[string]*health.ProviderHealth{
		"ollama": {Name: "ollama", Available: true, LatencyMs: 12},
		"openai": {Name: "openai", Available: true, LatencyMs: 90},
	}
}

func newTestRouter(orch *fakeOrchestrator, h *fakeHealth) http.Handler {
	if h == nil {
		h = &fakeHealth{snapshot: healthyProviders()}
	}
	reg := &fakeRegistry{services: []*registry.RegisteredService{
		{Name: "maestro", Environment: "test", Endpoint: "http://localhost:8600"},
	}}
	sup := &fakeSupervisor{state: lifecycle.StateRunning, adopted: true}
	return NewRouter(orch, h, reg, sup, nil).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func chatRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    "llama3",
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
	}
}

func TestChatEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{
		chatResult: &orchestrator.ChatResult{
			Content: "hi there",
			Model:   "llama3",
			Meta:    orchestrator.Result{Provider: "ollama", LatencyMs: 42},
		},
	}
	rec := doJSON(t, newTestRouter(orch, nil), http.MethodPost, "/api/v1/chat", chatRequest())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var result orchestrator.ChatResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Content != "hi there" {
		t.Errorf("content = %q, want %q", result.Content, "hi there")
	}
	if result.Meta.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", result.Meta.Provider)
	}
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	orch := &fakeOrchestrator{}
	rec := doJSON(t, newTestRouter(orch, nil), http.MethodPost, "/api/v1/chat",
		&providers.ChatRequest{Model: "llama3"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatRejectsInvalidJSON(t *testing.T) {
	handler := newTestRouter(&fakeOrchestrator{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"budget exceeded", orchestrator.ErrBudgetExceeded, http.StatusPaymentRequired},
		{"no provider", orchestrator.ErrNoProvider, http.StatusServiceUnavailable},
		{"all providers failed", orchestrator.ErrAllProvidersFailed, http.StatusBadGateway},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrchestrator{chatErr: tt.err}
			rec := doJSON(t, newTestRouter(orch, nil), http.MethodPost, "/api/v1/chat", chatRequest())
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestChatStreamEmitsNDJSON(t *testing.T) {
	orch := &fakeOrchestrator{
		chunks: []providers.StreamChunk{
			{Content: "", Provider: "openai", FallbackMarker: true},
			{Content: "hel", Provider: "openai"},
			{Content: "lo", Provider: "openai"},
			{Provider: "openai", Done: true},
		},
	}
	rec := doJSON(t, newTestRouter(orch, nil), http.MethodPost, "/api/v1/chat/stream", chatRequest())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q, want application/x-ndjson", ct)
	}

	var chunks []providers.StreamChunk
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var c providers.StreamChunk
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	if !chunks[0].FallbackMarker || chunks[0].Content != "" {
		t.Errorf("first chunk should be an empty fallback marker, got %+v", chunks[0])
	}
	if !chunks[3].Done {
		t.Errorf("last chunk should have Done=true")
	}
}

func TestEmbeddingsEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{
		embResult: &orchestrator.EmbeddingsResult{
			Embeddings: [][]float64{{0.1, 0.2}},
			Model:      "nomic-embed-text",
			Meta:       orchestrator.Result{Provider: "ollama"},
		},
	}
	rec := doJSON(t, newTestRouter(orch, nil), http.MethodPost, "/api/v1/embeddings",
		&providers.EmbeddingsRequest{Model: "nomic-embed-text", Input: []string{"hello"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, newTestRouter(orch, nil), http.MethodPost, "/api/v1/embeddings",
		&providers.EmbeddingsRequest{Model: "nomic-embed-text"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty input: status = %d, want 400", rec.Code)
	}
}

func TestImagesEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{
		imgResult: &orchestrator.ImageResult{
			Images: []string{"aGVsbG8="},
			Meta:   orchestrator.Result{Provider: "comfyui"},
		},
	}
	rec := doJSON(t, newTestRouter(orch, nil), http.MethodPost, "/api/v1/images",
		&providers.ImageRequest{Prompt: "a lighthouse at dusk"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, newTestRouter(orch, nil), http.MethodPost, "/api/v1/images",
		&providers.ImageRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt: status = %d, want 400", rec.Code)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	rec := doJSON(t, newTestRouter(&fakeOrchestrator{}, nil), http.MethodGet, "/api/v1/providers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snapshot map[string]*health.ProviderHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot) != 2 {
		t.Errorf("got %d providers, want 2", len(snapshot))
	}
}

func TestReadiness(t *testing.T) {
	rec := doJSON(t, newTestRouter(&fakeOrchestrator{}, nil), http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	down := &fakeHealth{snapshot: map[string]*health.ProviderHealth{
		"ollama": {Name: "ollama", Available: false},
	}}
	rec = doJSON(t, newTestRouter(&fakeOrchestrator{}, down), http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("all providers down: status = %d, want 503", rec.Code)
	}
}

func TestServicesEndpoint(t *testing.T) {
	rec := doJSON(t, newTestRouter(&fakeOrchestrator{}, nil), http.MethodGet, "/api/v1/services", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var services []*registry.RegisteredService
	if err := json.Unmarshal(rec.Body.Bytes(), &services); err != nil {
		t.Fatalf("decode services: %v", err)
	}
	if len(services) != 1 || services[0].Name != "maestro" {
		t.Errorf("unexpected services payload: %+v", services)
	}
}

func TestSupervisorEndpoint(t *testing.T) {
	rec := doJSON(t, newTestRouter(&fakeOrchestrator{}, nil), http.MethodGet, "/api/v1/supervisor", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		State   string `json:"state"`
		Adopted bool   `json:"adopted"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != string(lifecycle.StateRunning) || !body.Adopted {
		t.Errorf("supervisor = %+v, want running/adopted", body)
	}
}

func TestSupervisorEndpointDisabled(t *testing.T) {
	h := &fakeHealth{snapshot: healthyProviders()}
	handler := NewRouter(&fakeOrchestrator{}, h, nil, nil, nil).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/supervisor", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("supervisor: status = %d, want 501", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/services", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("services: status = %d, want 501", rec.Code)
	}
}

func TestBudgetEndpointDisabled(t *testing.T) {
	rec := doJSON(t, newTestRouter(&fakeOrchestrator{}, nil), http.MethodGet, "/api/v1/budget", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if enabled, _ := body["enabled"].(bool); enabled {
		t.Errorf("budget should report disabled without a ledger")
	}
}

func TestJobsEndpoints(t *testing.T) {
	orch := &fakeOrchestrator{jobs: orchestrator.NewJobStore(time.Hour)}
	job := orch.jobs.Create("text", "api", "tester")
	handler := newTestRouter(orch, nil)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, want 200", rec.Code)
	}
	var jobs []orchestrator.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Errorf("unexpected jobs payload: %+v", jobs)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d, want 200", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/jobs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: status = %d, want 404", rec.Code)
	}
}

func TestLiveness(t *testing.T) {
	rec := doJSON(t, newTestRouter(&fakeOrchestrator{}, nil), http.MethodGet, "/health/live", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
