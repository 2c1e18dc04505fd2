// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package watchdog

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	json "github.com/goccy/go-json"

	"github.com/averled/maestro/internal/logging"
)

// Handler exposes the watchdog over HTTP: repair, status, and reset.
type Handler struct {
	watchdog *Watchdog
	token    string
}

// NewHandler creates the HTTP surface for a watchdog. The token guards
// the mutating endpoints; an empty token disables them.
func NewHandler(w *Watchdog, token string) *Handler {
	return &Handler{watchdog: w, token: token}
}

// Routes returns the watchdog's route tree, intended to be mounted at
// /api/watchdog.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(30, time.Minute))

	r.Get("/status", h.handleStatus)
	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/repair", h.handleRepair)
		r.Post("/reset", h.handleReset)
	})
	return r
}

// requireToken enforces bearer-token auth on mutating endpoints.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			writeError(w, http.StatusForbidden, "watchdog token not configured")
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type repairRequest struct {
	Service string `json:"service"`
}

type repairResponse struct {
	Success bool   `json:"success"`
	Online  bool   `json:"online"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handleRepair(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		writeError(w, http.StatusBadRequest, "request body must name a service")
		return
	}

	logging.Info().Str("service", req.Service).Msg("Repair requested")
	online, err := h.watchdog.Repair(r.Context(), req.Service)

	resp := repairResponse{Success: err == nil, Online: online}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, ErrUnknownService):
			status = http.StatusNotFound
		case errors.Is(err, ErrMaxRestartsExceeded), errors.Is(err, ErrCooldownActive):
			status = http.StatusConflict
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.watchdog.Status())
}

type resetRequest struct {
	Service string `json:"service"`
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		writeError(w, http.StatusBadRequest, "request body must name a service")
		return
	}

	if err := h.watchdog.Reset(req.Service); err != nil {
		if errors.Is(err, ErrUnknownService) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
