// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package orchestrator routes AI requests between the local and cloud
// providers: primary selection by strategy, bounded retry with
// exponential backoff, health-gated fallback, response caching, and a
// daily cost ceiling for metered cloud usage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/averled/maestro/internal/cache"
	"github.com/averled/maestro/internal/logging"
	"github.com/averled/maestro/internal/metrics"
	"github.com/averled/maestro/internal/providers"
)

// Routing strategies
const (
	StrategyLocalFirst = "local-first"
	StrategyCloudFirst = "cloud-first"
	StrategyAuto       = "auto"
)

// Orchestrator errors
var (
	// ErrNoProvider indicates no provider is configured for the request kind.
	ErrNoProvider = errors.New("no provider configured")

	// ErrAllProvidersFailed indicates both the primary and the fallback
	// provider exhausted their retry budgets.
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// HealthChecker is the read side of the health monitor the orchestrator
// consults for fallback and auto-routing decisions.
type HealthChecker interface {
	IsAvailable(name string) bool
	Latency(name string) (time.Duration, bool)
}

// Result is the metadata envelope attached to every orchestrated response.
type Result struct {
	Provider      string  `json:"provider"`
	LatencyMs     int64   `json:"latencyMs"`
	TokensUsed    int     `json:"tokensUsed,omitempty"`
	FallbackUsed  bool    `json:"fallbackUsed"`
	RetryCount    int     `json:"retryCount"`
	Cost          float64 `json:"cost,omitempty"`
	LocalOnlyMode bool    `json:"localOnlyMode,omitempty"`
	Cached        bool    `json:"cached,omitempty"`
}

// ChatResult is a chat completion plus its routing metadata.
type ChatResult struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Meta    Result `json:"meta"`
}

// EmbeddingsResult is an embeddings response plus its routing metadata.
type EmbeddingsResult struct {
	Embeddings [][]float64 `json:"embeddings"`
	Model      string      `json:"model"`
	Meta       Result      `json:"meta"`
}

// ImageResult is a generated-image response plus its routing metadata.
type ImageResult struct {
	Images []string `json:"images"`
	Meta   Result   `json:"meta"`
}

// Options tune routing, retry, caching, and cost accounting.
type Options struct {
	// Strategy is one of local-first, cloud-first, auto. Default: local-first
	Strategy string
	// MaxRetries is the attempt budget per provider. Default: 3
	MaxRetries int
	// InitialDelay seeds the backoff between attempts. Default: 1s
	InitialDelay time.Duration
	// Multiplier grows the backoff per retry. Default: 2
	Multiplier float64
	// MaxDelay caps the backoff. Default: 4s
	MaxDelay time.Duration
	// CacheTTL is how long chat responses are memoized. Default: 1h
	CacheTTL time.Duration
	// CloudCostPerToken is the USD cost per token for the cloud provider.
	// Zero disables cost accounting.
	CloudCostPerToken float64
}

func (o *Options) applyDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategyLocalFirst
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 4 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Hour
	}
}

// Orchestrator routes requests across the configured providers.
type Orchestrator struct {
	local  providers.Provider
	cloud  providers.Provider
	image  providers.ImageProvider
	health HealthChecker
	ledger *Ledger
	cache  *cache.Cache
	jobs   *JobStore
	opts   Options
}

// New creates an orchestrator. local, cloud, and image may each be nil
// when the corresponding provider is not configured; ledger may be nil to
// disable the cost gate.
func New(local, cloud providers.Provider, image providers.ImageProvider, health HealthChecker, ledger *Ledger, jobs *JobStore, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		local:  local,
		cloud:  cloud,
		image:  image,
		health: health,
		ledger: ledger,
		cache:  cache.New(opts.CacheTTL),
		jobs:   jobs,
		opts:   opts,
	}
}

// Jobs returns the job store for request tracking.
func (o *Orchestrator) Jobs() *JobStore { return o.jobs }

// Ledger returns the spend ledger, or nil when the cost gate is disabled.
func (o *Orchestrator) Ledger() *Ledger { return o.ledger }

// CacheStats returns the response cache statistics.
func (o *Orchestrator) CacheStats() cache.Stats { return o.cache.GetStats() }

// startJob records a running job for a provider-executed request. Cache
// hits never reach here; they do no orchestration worth tracking.
func (o *Orchestrator) startJob(kind string) string {
	if o.jobs == nil {
		return ""
	}
	job := o.jobs.Create(kind, "api", "")
	if err := o.jobs.SetRunning(job.ID); err != nil {
		logging.Debug().Err(err).Msg("Failed to mark job running")
	}
	return job.ID
}

func (o *Orchestrator) completeJob(id, provider string) {
	if id == "" {
		return
	}
	if err := o.jobs.Complete(id, provider); err != nil {
		logging.Debug().Err(err).Str("job", id).Msg("Failed to complete job")
	}
}

func (o *Orchestrator) failJob(id string, cause error) {
	if id == "" {
		return
	}
	if err := o.jobs.Fail(id, cause.Error()); err != nil {
		logging.Debug().Err(err).Str("job", id).Msg("Failed to fail job")
	}
}

// Chat serves a chat completion. Identical requests within the cache TTL
// are answered from the cache without touching any provider.
func (o *Orchestrator) Chat(ctx context.Context, req *providers.ChatRequest) (*ChatResult, error) {
	key := cache.GenerateKey("chat", req)
	if cached, ok := o.cache.Get(key); ok {
		if result, ok := cached.(*ChatResult); ok {
			metrics.CacheHits.Inc()
			out := *result
			out.Meta.LatencyMs = 0
			out.Meta.Cached = true
			return &out, nil
		}
	}
	metrics.CacheMisses.Inc()
	jobID := o.startJob(JobKindText)

	var resp *providers.ChatResponse
	meta, err := o.executeWithFailover(ctx, "chat", func(ctx context.Context, p providers.Provider) (int, error) {
		r, err := p.Chat(ctx, req)
		if err != nil {
			return 0, err
		}
		resp = r
		return r.TokensUsed, nil
	})
	if err != nil {
		o.failJob(jobID, err)
		return nil, err
	}
	o.completeJob(jobID, meta.Provider)

	result := &ChatResult{
		Content: resp.Content,
		Model:   resp.Model,
		Meta:    *meta,
	}
	o.cache.Set(key, result)
	return result, nil
}

// ChatStream opens a streaming chat. If the primary provider refuses the
// stream and the fallback is healthy, the returned channel starts with a
// synthetic empty chunk flagged as a fallback marker so consumers can
// surface the provider switch before content arrives.
func (o *Orchestrator) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	primary, secondary := o.route()
	if primary == nil {
		return nil, ErrNoProvider
	}
	jobID := o.startJob(JobKindText)

	ch, errP := o.openStream(ctx, primary, req)
	if errP == nil {
		o.completeJob(jobID, primary.Name())
		return ch, nil
	}

	if secondary == nil || !o.health.IsAvailable(secondary.Name()) {
		err := fmt.Errorf("provider %s: %w", primary.Name(), errP)
		o.failJob(jobID, err)
		return nil, err
	}

	logging.Warn().
		Err(errP).
		Str("from", primary.Name()).
		Str("to", secondary.Name()).
		Msg("Stream fell back to secondary provider")
	metrics.OrchestratorFallbacks.WithLabelValues("chat_stream", primary.Name(), secondary.Name()).Inc()

	ch, errS := o.openStream(ctx, secondary, req)
	if errS != nil {
		err := fmt.Errorf("%w: %s: %v; %s: %v",
			ErrAllProvidersFailed, primary.Name(), errP, secondary.Name(), errS)
		o.failJob(jobID, err)
		return nil, err
	}
	o.completeJob(jobID, secondary.Name())

	out := make(chan providers.StreamChunk, 1)
	out <- providers.StreamChunk{Provider: secondary.Name(), FallbackMarker: true}
	go func() {
		defer close(out)
		for chunk := range ch {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (o *Orchestrator) openStream(ctx context.Context, p providers.Provider, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	if err := o.costGate(p); err != nil {
		return nil, err
	}
	return p.ChatStream(ctx, req)
}

// Embeddings computes embeddings with the same routing as Chat, minus the
// response cache.
func (o *Orchestrator) Embeddings(ctx context.Context, req *providers.EmbeddingsRequest) (*EmbeddingsResult, error) {
	jobID := o.startJob(JobKindText)

	var resp *providers.EmbeddingsResponse
	meta, err := o.executeWithFailover(ctx, "embeddings", func(ctx context.Context, p providers.Provider) (int, error) {
		r, err := p.Embeddings(ctx, req)
		if err != nil {
			return 0, err
		}
		resp = r
		return r.TokensUsed, nil
	})
	if err != nil {
		o.failJob(jobID, err)
		return nil, err
	}
	o.completeJob(jobID, meta.Provider)
	return &EmbeddingsResult{
		Embeddings: resp.Embeddings,
		Model:      resp.Model,
		Meta:       *meta,
	}, nil
}

// GenerateImage serves an image generation request. There is a single
// image provider, so retries apply but fallback does not.
func (o *Orchestrator) GenerateImage(ctx context.Context, req *providers.ImageRequest) (*ImageResult, error) {
	if o.image == nil {
		return nil, ErrNoProvider
	}
	jobID := o.startJob(JobKindImage)

	start := time.Now()
	var resp *providers.ImageResponse
	var lastErr error
	retries := 0
	for attempt := 0; attempt < o.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			retries = attempt
			metrics.OrchestratorRetries.WithLabelValues("image", o.image.Name()).Inc()
			if err := sleepCtx(ctx, o.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		resp, lastErr = o.image.GenerateImage(ctx, req)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, providers.ErrNotConfigured) || ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		metrics.OrchestratorRequests.WithLabelValues("image", o.image.Name(), "failure").Inc()
		err := fmt.Errorf("provider %s: %w", o.image.Name(), lastErr)
		o.failJob(jobID, err)
		return nil, err
	}
	o.completeJob(jobID, o.image.Name())

	metrics.OrchestratorRequests.WithLabelValues("image", o.image.Name(), "success").Inc()
	metrics.RequestDuration.WithLabelValues("image", o.image.Name()).Observe(time.Since(start).Seconds())
	return &ImageResult{
		Images: resp.Images,
		Meta: Result{
			Provider:   o.image.Name(),
			LatencyMs:  time.Since(start).Milliseconds(),
			RetryCount: retries,
		},
	}, nil
}

// executeWithFailover runs call against the primary provider with bounded
// retries, then against the secondary if the health monitor reports it
// available. The returned metadata carries the provider that actually
// served the request and that provider's own retry count.
func (o *Orchestrator) executeWithFailover(ctx context.Context, kind string, call func(context.Context, providers.Provider) (int, error)) (*Result, error) {
	primary, secondary := o.route()
	if primary == nil {
		return nil, ErrNoProvider
	}

	start := time.Now()
	tokens, cost, retries, errP := o.attempt(ctx, kind, primary, call)
	if errP == nil {
		metrics.OrchestratorRequests.WithLabelValues(kind, primary.Name(), "success").Inc()
		metrics.RequestDuration.WithLabelValues(kind, primary.Name()).Observe(time.Since(start).Seconds())
		return &Result{
			Provider:      primary.Name(),
			LatencyMs:     time.Since(start).Milliseconds(),
			TokensUsed:    tokens,
			RetryCount:    retries,
			Cost:          cost,
			LocalOnlyMode: o.cloud == nil,
		}, nil
	}
	metrics.OrchestratorRequests.WithLabelValues(kind, primary.Name(), "failure").Inc()

	if secondary == nil || !o.health.IsAvailable(secondary.Name()) {
		return nil, fmt.Errorf("provider %s: %w", primary.Name(), errP)
	}

	logging.Warn().
		Err(errP).
		Str("from", primary.Name()).
		Str("to", secondary.Name()).
		Str("kind", kind).
		Msg("Falling back to secondary provider")
	metrics.OrchestratorFallbacks.WithLabelValues(kind, primary.Name(), secondary.Name()).Inc()

	fallbackStart := time.Now()
	tokens, cost, retries, errS := o.attempt(ctx, kind, secondary, call)
	if errS != nil {
		metrics.OrchestratorRequests.WithLabelValues(kind, secondary.Name(), "failure").Inc()
		if errors.Is(errP, ErrBudgetExceeded) || errors.Is(errS, ErrBudgetExceeded) {
			return nil, fmt.Errorf("%w (%s: %v; %s: %v)",
				ErrBudgetExceeded, primary.Name(), errP, secondary.Name(), errS)
		}
		return nil, fmt.Errorf("%w: %s: %v; %s: %v",
			ErrAllProvidersFailed, primary.Name(), errP, secondary.Name(), errS)
	}

	metrics.OrchestratorRequests.WithLabelValues(kind, secondary.Name(), "success").Inc()
	metrics.RequestDuration.WithLabelValues(kind, secondary.Name()).Observe(time.Since(fallbackStart).Seconds())
	return &Result{
		Provider:      secondary.Name(),
		LatencyMs:     time.Since(start).Milliseconds(),
		TokensUsed:    tokens,
		FallbackUsed:  true,
		RetryCount:    retries,
		Cost:          cost,
		LocalOnlyMode: o.cloud == nil,
	}, nil
}

// attempt runs call against one provider with the retry budget. The cost
// gate is checked before every metered call; a budget rejection is
// terminal and never retried. retries counts retries actually performed,
// not attempts.
func (o *Orchestrator) attempt(ctx context.Context, kind string, p providers.Provider, call func(context.Context, providers.Provider) (int, error)) (tokens int, cost float64, retries int, err error) {
	var lastErr error
	for i := 0; i < o.opts.MaxRetries; i++ {
		if i > 0 {
			retries = i
			metrics.OrchestratorRetries.WithLabelValues(kind, p.Name()).Inc()
			logging.Debug().
				Str("provider", p.Name()).
				Str("kind", kind).
				Int("attempt", i+1).
				Msg("Retrying provider request")
			if serr := sleepCtx(ctx, o.backoff(i)); serr != nil {
				return 0, 0, retries, serr
			}
		}

		if gerr := o.costGate(p); gerr != nil {
			return 0, 0, retries, gerr
		}

		tokens, lastErr = call(ctx, p)
		if lastErr == nil {
			cost = o.recordCost(p, tokens)
			return tokens, cost, retries, nil
		}
		if errors.Is(lastErr, providers.ErrNotConfigured) || ctx.Err() != nil {
			return 0, 0, retries, lastErr
		}
	}
	return 0, 0, retries, lastErr
}

// costGate rejects metered requests once the daily ceiling is hit. Local
// providers are never gated.
func (o *Orchestrator) costGate(p providers.Provider) error {
	if p.Local() || o.ledger == nil {
		return nil
	}
	return o.ledger.Allow()
}

// recordCost charges a successful metered call to the spend ledger.
func (o *Orchestrator) recordCost(p providers.Provider, tokens int) float64 {
	if p.Local() || o.ledger == nil || o.opts.CloudCostPerToken <= 0 || tokens <= 0 {
		return 0
	}
	cost := float64(tokens) * o.opts.CloudCostPerToken
	o.ledger.Add(cost)
	return cost
}

// backoff returns the delay before the i-th retry (i >= 1):
// initialDelay * multiplier^(i-1), capped at maxDelay.
func (o *Orchestrator) backoff(i int) time.Duration {
	delay := time.Duration(float64(o.opts.InitialDelay) * math.Pow(o.opts.Multiplier, float64(i-1)))
	if delay > o.opts.MaxDelay {
		delay = o.opts.MaxDelay
	}
	return delay
}

// route picks the primary and secondary providers per the configured
// strategy, among those the health monitor reports available. A fixed
// strategy prefers its provider only while that provider is available;
// when it is demoted the other available provider becomes primary, so
// the retry budget is never spent on a provider already known to be
// down. Auto routing prefers whichever healthy provider answered its
// last probe faster; with the monitor undecided it behaves as
// local-first. With neither provider available the configured order is
// kept and the attempt fails on its own.
func (o *Orchestrator) route() (primary, secondary providers.Provider) {
	localOK := o.local != nil && o.health.IsAvailable(o.local.Name())
	cloudOK := o.cloud != nil && o.health.IsAvailable(o.cloud.Name())

	switch o.opts.Strategy {
	case StrategyCloudFirst:
		primary, secondary = o.cloud, o.local
		if !cloudOK && localOK {
			primary, secondary = o.local, o.cloud
		}
	case StrategyAuto:
		primary, secondary = o.local, o.cloud
		switch {
		case cloudOK && !localOK:
			primary, secondary = o.cloud, o.local
		case cloudOK && localOK:
			localLat, lok := o.health.Latency(o.local.Name())
			cloudLat, cok := o.health.Latency(o.cloud.Name())
			if lok && cok && cloudLat < localLat {
				primary, secondary = o.cloud, o.local
			}
		}
	default:
		primary, secondary = o.local, o.cloud
		if !localOK && cloudOK {
			primary, secondary = o.cloud, o.local
		}
	}
	if primary == nil {
		primary, secondary = secondary, nil
	}
	return primary, secondary
}

// sleepCtx sleeps for d unless the context is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
