// Package router implements the Router (spec §2.G / §4.2): end-to-end
// dispatch of a completion request from an authenticated client to a
// provider, with strategy resolution, rate-limit admission/accounting,
// and optional safety/firewall gating.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/internal/circuitbreaker"
	"github.com/localrouter/localrouter/internal/logging"
	"github.com/localrouter/localrouter/internal/requestlog"
	"github.com/localrouter/localrouter/lrerrors"
	"github.com/localrouter/localrouter/providers"
	"github.com/localrouter/localrouter/ratelimit"
)

// InternalTestClientID is the reserved sentinel client id that bypasses
// routing configuration and permission checks entirely (spec §9). It is
// never stored in the Client Manager; Router special-cases it here.
const InternalTestClientID = "internal-test"

// AutoModel is the model string that bypasses strategy model-matching
// entirely, routed by higher-level auto-router logic that is out of
// core scope (spec §8 boundary behavior).
const AutoModel = "localrouter/auto"

// StrategyLookup resolves a client's strategy-id to a Strategy.
type StrategyLookup func(strategyID string) (Strategy, bool)

// SafetyGate is the optional pre-dispatch hook satisfying the Safety
// Engine + Firewall contracts from the flow diagram in spec §2. A nil
// SafetyGate disables gating entirely.
type SafetyGate interface {
	CheckRequest(ctx context.Context, clientID string, req providers.Request) error
}

// Router dispatches completion requests per spec §4.2.
type Router struct {
	Clients    *clients.Manager
	Providers  *providers.Registry
	Strategy   StrategyLookup
	RateLimit  *ratelimit.Engine
	Safety     SafetyGate        // optional
	Logger     *slog.Logger
	RequestLog requestlog.Writer // optional per-stage diagnostic trace, distinct from Generation accounting

	breakers sync.Map // provider name -> *circuitbreaker.CircuitBreaker
}

// New constructs a Router. logger may be nil (defaults to slog.Default()).
func New(clientMgr *clients.Manager, reg *providers.Registry, strategy StrategyLookup, rl *ratelimit.Engine, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{Clients: clientMgr, Providers: reg, Strategy: strategy, RateLimit: rl, Logger: logger}
}

// breakerFor returns the CircuitBreaker guarding a single provider,
// lazily creating one with the package defaults (5 consecutive failures
// trips it, 1 success on probe closes it, 30s open timeout) on first use.
func (r *Router) breakerFor(provider string) *circuitbreaker.CircuitBreaker {
	if cb, ok := r.breakers.Load(provider); ok {
		return cb.(*circuitbreaker.CircuitBreaker)
	}
	cb, _ := r.breakers.LoadOrStore(provider, circuitbreaker.New(0, 0, 0))
	return cb.(*circuitbreaker.CircuitBreaker)
}

// logStage records a single dispatch-stage diagnostic event, if a
// RequestLog writer is configured. Best-effort: write failures are
// logged, never propagated, since the trace log is diagnostic, not a
// source of truth (accesslog.Generation is).
func (r *Router) logStage(ctx context.Context, stage string, cand Candidate, usage providers.Usage, dispatchErr error) {
	if r.RequestLog == nil {
		return
	}
	entry := requestlog.Entry{
		TraceID:          logging.TraceIDFromContext(ctx),
		Stage:            stage,
		Model:            cand.Model,
		Provider:         cand.Provider,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
	if dispatchErr != nil {
		entry.ErrorMessage = dispatchErr.Error()
	}
	if err := r.RequestLog.Write(ctx, entry); err != nil {
		r.Logger.Warn("request log write failed", "error", err)
	}
}

// authenticate resolves clientID to a Client, honoring the internal-test
// sentinel (spec §9) which bypasses the Client Manager entirely.
func (r *Router) authenticate(clientID string) (*clients.Client, bool) {
	if clientID == InternalTestClientID {
		return &clients.Client{ID: InternalTestClientID, Enabled: true}, true
	}
	c, ok := r.Clients.Get(clientID)
	if !ok || !c.Enabled {
		return nil, false
	}
	return c, true
}

func stripProviderPrefix(provider, model string) string {
	return strings.TrimPrefix(model, provider+"/")
}

// Complete runs the full non-streaming dispatch pipeline (spec §4.2
// steps 1-9).
func (r *Router) Complete(ctx context.Context, clientID string, req providers.Request) (*providers.Response, error) {
	client, ok := r.authenticate(clientID)
	if !ok {
		return nil, lrerrors.New(lrerrors.Unauthorized, "unknown or disabled client")
	}

	if client.ID != InternalTestClientID {
		check := r.RateLimit.Check(ctx, client.ID)
		if !check.Allowed {
			return nil, lrerrors.New(lrerrors.RateLimited, "rate limit exceeded").WithRetryAfter(check.RetryAfterSecs)
		}
	}

	if r.Safety != nil {
		if err := r.Safety.CheckRequest(ctx, client.ID, req); err != nil {
			return nil, err
		}
	}

	candidates, err := r.resolveCandidates(client, req.Model)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, cand := range candidates {
		resp, err := r.dispatchOnce(ctx, cand, req)
		if err == nil {
			if client.ID != InternalTestClientID {
				r.RateLimit.Record(ctx, client.ID, usageFrom(resp.Usage, providerCost(r.Providers, cand, resp.Usage)))
			}
			return resp, nil
		}

		lastErr = err
		if !lrerrors.KindOf(err).IsRetryable() {
			// Terminal: stop immediately regardless of remaining candidates.
			return nil, err
		}
		if len(candidates) == 1 || i == len(candidates)-1 {
			break
		}
		r.Logger.Warn("candidate failed, trying next", "provider", cand.Provider, "model", cand.Model, "error", err)
	}
	return nil, lastErr
}

func (r *Router) strategyFor(client *clients.Client) (Strategy, bool) {
	if client.ID == InternalTestClientID {
		return nil, false
	}
	return r.Strategy(client.StrategyID)
}

func (r *Router) resolveCandidates(client *clients.Client, requestModel string) ([]Candidate, error) {
	if client.ID == InternalTestClientID {
		provider, model, ok := strings.Cut(requestModel, "/")
		if !ok {
			return nil, lrerrors.New(lrerrors.Validation, "internal-test client requires provider/model")
		}
		return []Candidate{{Provider: provider, Model: model}}, nil
	}

	strategy, ok := r.strategyFor(client)
	if !ok {
		return nil, lrerrors.Newf(lrerrors.Router, "no strategy configured for client %s", client.ID)
	}
	return strategy.Resolve(requestModel)
}

// dispatchOnce performs steps 4-9 of the Router algorithm for a single
// candidate: provider lookup, health observation (warn-only, never
// blocking), dispatch, feature-adapter rewriting, and response return.
// Post-accounting (step 8, Record) is performed by the caller once a
// candidate succeeds.
func (r *Router) dispatchOnce(ctx context.Context, cand Candidate, req providers.Request) (*providers.Response, error) {
	provider, ok := r.Providers.Get(cand.Provider)
	if !ok {
		return nil, lrerrors.Newf(lrerrors.Router, "provider adapter not found: %s", cand.Provider)
	}

	breaker := r.breakerFor(cand.Provider)
	if !breaker.Allow() {
		return nil, lrerrors.Newf(lrerrors.Provider, "circuit open for provider %s", cand.Provider)
	}

	// Health observation: a failing health check is logged but never
	// preempts dispatch (spec §9 Open Question 1 -- document, do not
	// change).
	if status := provider.HealthCheck(ctx); !status.Healthy {
		r.Logger.Warn("provider health check failed, dispatching anyway", "provider", cand.Provider, "error", status.Error)
	}

	dispatchReq := req
	dispatchReq.Model = stripProviderPrefix(cand.Provider, cand.Model)
	if dispatchReq.Model == "" {
		dispatchReq.Model = cand.Model
	}

	var featureAdapter providers.FeatureAdapter
	if name := requestedFeature(req); name != "" && provider.SupportsFeature(name) {
		if fa, ok := provider.GetFeatureAdapter(name); ok {
			featureAdapter = fa
			fa.RewriteRequest(&dispatchReq)
		} else {
			r.Logger.Info("feature requested but no adapter available, dropping", "feature", name, "provider", cand.Provider)
		}
	} else if name != "" {
		r.Logger.Info("feature unsupported by provider, dropping", "feature", name, "provider", cand.Provider)
	}

	resp, err := provider.Complete(ctx, dispatchReq)
	if err != nil {
		breaker.RecordFailure()
		wrapped := lrerrors.Wrap(lrerrors.Provider, "provider dispatch failed", err)
		r.logStage(ctx, "error", cand, providers.Usage{}, wrapped)
		return nil, wrapped
	}
	breaker.RecordSuccess()
	resp.Provider = cand.Provider
	r.logStage(ctx, "dispatch", cand, resp.Usage, nil)

	if featureAdapter != nil {
		_ = featureAdapter.ExtractFeatureData(resp) // discarded: Response has no field to carry it
	}
	return resp, nil
}

// requestedFeature inspects a request for an extension directive. The
// wire-level Request type (providers.Request) does not carry extension
// fields directly (it mirrors the OpenAI schema exactly). Only
// response_format {type: json_object} is recognized, as "json_mode"; no
// other directive is read from the request, a header or the context.
// This helper is the single place that decision is made.
func requestedFeature(req providers.Request) string {
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		return "json_mode"
	}
	return ""
}

func providerCost(reg *providers.Registry, cand Candidate, usage providers.Usage) float64 {
	p, ok := reg.Get(cand.Provider)
	if !ok {
		return 0
	}
	pricing := p.Pricing(cand.Model)
	input := float64(usage.PromptTokens) / 1_000_000 * pricing.InputPer1M
	output := float64(usage.CompletionTokens) / 1_000_000 * pricing.OutputPer1M
	return input + output
}

func usageFrom(u providers.Usage, costUSD float64) ratelimit.Usage {
	return ratelimit.Usage{
		InputTokens:  int64(u.PromptTokens),
		OutputTokens: int64(u.CompletionTokens),
		CostUSD:      costUSD,
	}
}
