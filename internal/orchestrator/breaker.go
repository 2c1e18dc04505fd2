// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/averled/maestro/internal/logging"
	"github.com/averled/maestro/internal/metrics"
	"github.com/averled/maestro/internal/providers"
)

const (
	// breakerInterval resets the failure counts while the circuit is closed.
	breakerInterval = time.Minute
	// breakerTimeout is the open-to-half-open recovery delay.
	breakerTimeout = 2 * time.Minute
)

// BreakerProvider wraps a cloud provider with a circuit breaker so a
// degraded upstream API sheds load fast instead of eating the full retry
// budget on every request. Local providers are not wrapped; the health
// monitor plus watchdog already govern them.
//
// The breaker uses real time for its interval and timeout calculations.
// Tests should exercise the wrapped provider directly.
type BreakerProvider struct {
	provider providers.Provider
	cb       *gobreaker.CircuitBreaker[any]
	name     string
}

// NewBreakerProvider wraps the given provider. Configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 2 minute timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewBreakerProvider(p providers.Provider) *BreakerProvider {
	cbName := p.Name()
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Str("provider", cbName).
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().
				Str("provider", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("[CIRCUIT BREAKER] State transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerProvider{provider: p, cb: cb, name: cbName}
}

func (bp *BreakerProvider) execute(fn func() (any, error)) (any, error) {
	result, err := bp.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Err(err).Str("provider", bp.name).Msg("[CIRCUIT BREAKER] Request rejected")
		}
		return nil, err
	}
	return result, nil
}

func castResult[T any](result any, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

// Name returns the wrapped provider's name.
func (bp *BreakerProvider) Name() string { return bp.provider.Name() }

// Local reports whether the wrapped provider is local.
func (bp *BreakerProvider) Local() bool { return bp.provider.Local() }

// Chat serves a chat completion with circuit breaker protection.
func (bp *BreakerProvider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	return castResult[providers.ChatResponse](bp.execute(func() (any, error) {
		return bp.provider.Chat(ctx, req)
	}))
}

// ChatStream opens a streaming chat with circuit breaker protection. Only
// stream initiation counts against the breaker; chunk delivery errors
// after a successful open do not.
func (bp *BreakerProvider) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	result, err := bp.execute(func() (any, error) {
		return bp.provider.ChatStream(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	ch, ok := result.(<-chan providers.StreamChunk)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return ch, nil
}

// Embeddings computes embeddings with circuit breaker protection.
func (bp *BreakerProvider) Embeddings(ctx context.Context, req *providers.EmbeddingsRequest) (*providers.EmbeddingsResponse, error) {
	return castResult[providers.EmbeddingsResponse](bp.execute(func() (any, error) {
		return bp.provider.Embeddings(ctx, req)
	}))
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
