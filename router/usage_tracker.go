package router

import (
	"context"
	"sync"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/lrerrors"
	"github.com/localrouter/localrouter/providers"
	"github.com/localrouter/localrouter/ratelimit"
)

// estimatedPromptTokens is the constant approximation used for every
// streaming request regardless of actual prompt size (spec §4.3): the
// gateway never re-tokenizes the prompt for streaming accounting.
const estimatedPromptTokens = 10

// estimateCompletionTokens approximates completion tokens from the raw
// character count of all text deltas observed on the stream, rounding
// down and never reporting zero for a non-empty stream.
func estimateCompletionTokens(chars int) int64 {
	if chars <= 0 {
		return 1
	}
	n := int64(chars / 4)
	if n < 1 {
		return 1
	}
	return n
}

// StreamComplete dispatches a streaming completion to the first
// candidate only: spec §4.2 states the Prioritized strategy's retry loop
// does not apply to streaming requests, since a chunk may already have
// reached the client by the time a downstream failure occurs.
func (r *Router) StreamComplete(ctx context.Context, clientID string, req providers.Request) (<-chan providers.StreamChunk, error) {
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
	cand := candidates[0]

	provider, ok := r.Providers.Get(cand.Provider)
	if !ok {
		return nil, lrerrors.Newf(lrerrors.Router, "provider adapter not found: %s", cand.Provider)
	}
	streamer, ok := provider.(providers.StreamProvider)
	if !ok {
		return nil, lrerrors.Newf(lrerrors.Validation, "provider %s does not support streaming", cand.Provider)
	}

	breaker := r.breakerFor(cand.Provider)
	if !breaker.Allow() {
		return nil, lrerrors.Newf(lrerrors.Provider, "circuit open for provider %s", cand.Provider)
	}

	if status := provider.HealthCheck(ctx); !status.Healthy {
		r.Logger.Warn("provider health check failed, dispatching anyway", "provider", cand.Provider, "error", status.Error)
	}

	dispatchReq := req
	dispatchReq.Model = stripProviderPrefix(cand.Provider, cand.Model)
	if dispatchReq.Model == "" {
		dispatchReq.Model = cand.Model
	}
	if name := requestedFeature(req); name != "" && provider.SupportsFeature(name) {
		if fa, ok := provider.GetFeatureAdapter(name); ok {
			fa.RewriteRequest(&dispatchReq)
		}
	}

	upstream, err := streamer.CompleteStream(ctx, dispatchReq)
	if err != nil {
		breaker.RecordFailure()
		return nil, lrerrors.Wrap(lrerrors.Provider, "provider stream dispatch failed", err)
	}
	breaker.RecordSuccess()

	out := make(chan providers.StreamChunk)
	go r.trackAndForward(ctx, client, cand, upstream, out)
	return out, nil
}

// trackAndForward passes every chunk through unmodified and records usage
// exactly once, on whichever terminal condition happens first: a chunk
// carrying a finish_reason, the upstream channel closing, or an error
// chunk. It never records on context cancellation (spec §4.3: canceled
// streams are not billed).
func (r *Router) trackAndForward(ctx context.Context, client *clients.Client, cand Candidate, upstream <-chan providers.StreamChunk, out chan<- providers.StreamChunk) {
	defer close(out)

	var recordOnce sync.Once
	var chars int

	record := func() {
		if client.ID == InternalTestClientID {
			return
		}
		recordOnce.Do(func() {
			cost := providerCost(r.Providers, cand, providers.Usage{
				PromptTokens:     estimatedPromptTokens,
				CompletionTokens: int(estimateCompletionTokens(chars)),
			})
			r.RateLimit.Record(ctx, client.ID, ratelimit.Usage{
				InputTokens:  estimatedPromptTokens,
				OutputTokens: estimateCompletionTokens(chars),
				CostUSD:      cost,
			})
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-upstream:
			if !ok {
				record()
				return
			}
			for _, choice := range chunk.Choices {
				chars += len(choice.Delta.Content)
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}

			if chunk.Error != nil {
				record()
				return
			}
			for _, choice := range chunk.Choices {
				if choice.FinishReason != "" {
					record()
					return
				}
			}
		}
	}
}
