// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package api is Maestro's HTTP surface: orchestrated AI endpoints,
// provider and supervisor status, registry listing, and the mounted
// watchdog control routes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/averled/maestro/internal/health"
	"github.com/averled/maestro/internal/lifecycle"
	"github.com/averled/maestro/internal/orchestrator"
	"github.com/averled/maestro/internal/providers"
	"github.com/averled/maestro/internal/registry"
)

// Orchestrator is the request-routing surface the API depends on.
type Orchestrator interface {
	Chat(ctx context.Context, req *providers.ChatRequest) (*orchestrator.ChatResult, error)
	ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error)
	Embeddings(ctx context.Context, req *providers.EmbeddingsRequest) (*orchestrator.EmbeddingsResult, error)
	GenerateImage(ctx context.Context, req *providers.ImageRequest) (*orchestrator.ImageResult, error)
	Jobs() *orchestrator.JobStore
	Ledger() *orchestrator.Ledger
}

// HealthView is the read side of the provider health monitor.
type HealthView interface {
	Snapshot() map[string]*health.ProviderHealth
}

// RegistryView lists registered services.
type RegistryView interface {
	List(ctx context.Context) ([]*registry.RegisteredService, error)
}

// SupervisorView exposes the process supervisor's state.
type SupervisorView interface {
	State() lifecycle.State
	Adopted() bool
}

// Router assembles Maestro's HTTP handler.
type Router struct {
	orch     Orchestrator
	health   HealthView
	registry RegistryView
	sup      SupervisorView

	// watchdogRoutes is mounted at /api/watchdog when non-nil.
	watchdogRoutes chi.Router

	// RateLimitReqs/RateLimitWindow bound per-IP request rates on the
	// /api/v1 group. Zero values fall back to 100 requests per minute.
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// NewRouter creates the router. registry, sup, and watchdogRoutes may be
// nil when the corresponding subsystem is disabled.
func NewRouter(orch Orchestrator, healthView HealthView, reg RegistryView, sup SupervisorView, watchdogRoutes chi.Router) *Router {
	return &Router{
		orch:           orch,
		health:         healthView,
		registry:       reg,
		sup:            sup,
		watchdogRoutes: watchdogRoutes,
	}
}

// Handler builds the chi route tree.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/health/live", rt.handleLive)
	r.Get("/health/ready", rt.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	limitReqs := rt.RateLimitReqs
	if limitReqs <= 0 {
		limitReqs = 100
	}
	limitWindow := rt.RateLimitWindow
	if limitWindow <= 0 {
		limitWindow = time.Minute
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(limitReqs, limitWindow))

		r.Post("/chat", rt.handleChat)
		r.Post("/chat/stream", rt.handleChatStream)
		r.Post("/embeddings", rt.handleEmbeddings)
		r.Post("/images", rt.handleImages)

		r.Get("/providers", rt.handleProviders)
		r.Get("/services", rt.handleServices)
		r.Get("/supervisor", rt.handleSupervisor)
		r.Get("/budget", rt.handleBudget)

		r.Get("/jobs", rt.handleJobs)
		r.Get("/jobs/{jobID}", rt.handleJob)
	})

	if rt.watchdogRoutes != nil {
		r.Mount("/api/watchdog", rt.watchdogRoutes)
	}
	return r
}
