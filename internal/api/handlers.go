// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/averled/maestro/internal/logging"
	"github.com/averled/maestro/internal/metrics"
	"github.com/averled/maestro/internal/orchestrator"
	"github.com/averled/maestro/internal/providers"
)

// metricsMiddleware records per-route request durations. The chi route
// pattern is used as the path label so IDs do not explode cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, path, strconv.Itoa(ww.Status()),
		).Observe(time.Since(start).Seconds())
	})
}

func (rt *Router) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready when at least one provider is available.
func (rt *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, h := range rt.health.Snapshot() {
		if h.Available {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no provider available"})
}

func (rt *Router) handleChat(w http.ResponseWriter, r *http.Request) {
	var req providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	result, err := rt.orch.Chat(r.Context(), &req)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleChatStream streams chunks as newline-delimited JSON.
func (rt *Router) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	chunks, err := rt.orch.ChatStream(r.Context(), &req)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for chunk := range chunks {
		if err := enc.Encode(chunk); err != nil {
			logging.Debug().Err(err).Msg("chat stream client disconnected")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (rt *Router) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req providers.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, "input must not be empty")
		return
	}

	result, err := rt.orch.Embeddings(r.Context(), &req)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) handleImages(w http.ResponseWriter, r *http.Request) {
	var req providers.ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}

	result, err := rt.orch.GenerateImage(r.Context(), &req)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.health.Snapshot())
}

func (rt *Router) handleServices(w http.ResponseWriter, r *http.Request) {
	if rt.registry == nil {
		writeError(w, http.StatusNotImplemented, "service registry disabled")
		return
	}
	services, err := rt.registry.List(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("registry list failed")
		writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (rt *Router) handleSupervisor(w http.ResponseWriter, r *http.Request) {
	if rt.sup == nil {
		writeError(w, http.StatusNotImplemented, "process supervisor disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   rt.sup.State(),
		"adopted": rt.sup.Adopted(),
	})
}

func (rt *Router) handleBudget(w http.ResponseWriter, r *http.Request) {
	ledger := rt.orch.Ledger()
	if ledger == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":    true,
		"spentUSD":   ledger.Spent(),
		"ceilingUSD": ledger.Ceiling(),
	})
}

func (rt *Router) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.orch.Jobs().List())
}

func (rt *Router) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := rt.orch.Jobs().Get(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// writeOrchestratorError maps orchestration failures onto HTTP statuses.
// Budget exhaustion is a distinct, client-actionable condition.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrBudgetExceeded):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, orchestrator.ErrNoProvider):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, orchestrator.ErrAllProvidersFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
