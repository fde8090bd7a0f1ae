package router

import (
	"context"
	"testing"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/credstore"
	"github.com/localrouter/localrouter/lrerrors"
	"github.com/localrouter/localrouter/providers"
	"github.com/localrouter/localrouter/ratelimit"
)

// fakeProvider is a minimal Provider for router tests: Complete either
// returns a canned response or fails with a configured error kind.
type fakeProvider struct {
	name    string
	failWith error
	calls   int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &providers.Response{
		ID:      "resp-1",
		Model:   req.Model,
		Choices: []providers.Choice{{Index: 0, Message: providers.Message{Role: providers.RoleAssistant, Content: "hi"}, FinishReason: "stop"}},
		Usage:   providers.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
	}, nil
}
func (f *fakeProvider) SupportedModels() []string { return []string{"m1"} }
func (f *fakeProvider) SupportsModel(m string) bool { return m == "m1" }
func (f *fakeProvider) Models() []providers.ModelInfo { return nil }
func (f *fakeProvider) HealthCheck(ctx context.Context) providers.HealthStatus {
	return providers.HealthStatus{Healthy: true}
}
func (f *fakeProvider) Pricing(model string) providers.ModelPricing { return providers.ModelPricing{} }
func (f *fakeProvider) SupportsFeature(name string) bool            { return false }
func (f *fakeProvider) GetFeatureAdapter(name string) (providers.FeatureAdapter, bool) {
	return nil, false
}

func newTestRouter(t *testing.T, strategies map[string]Strategy, regProviders ...providers.Provider) (*Router, *clients.Manager) {
	t.Helper()
	reg := providers.NewRegistry()
	for _, p := range regProviders {
		reg.Register(p)
	}
	cm := clients.NewManager(credstore.NewMemStore())
	rl := ratelimit.NewEngine("", nil)
	lookup := func(id string) (Strategy, bool) {
		s, ok := strategies[id]
		return s, ok
	}
	return New(cm, reg, lookup, rl, nil), cm
}

func TestCompleteForcedStrategy(t *testing.T) {
	ctx := context.Background()
	good := &fakeProvider{name: "openai"}
	r, cm := newTestRouter(t, map[string]Strategy{
		"s1": &Forced{Provider: "openai", Model: "m1"},
	}, good)

	id, _, err := cm.Create(ctx, "client-a", "s1")
	if err != nil {
		t.Fatal(err)
	}

	resp, err := r.Complete(ctx, id, providers.Request{Model: "anything", Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.Choices[0].Message.Content != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if good.calls != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", good.calls)
	}
}

func TestCompleteUnauthorized(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRouter(t, nil)

	_, err := r.Complete(ctx, "nope", providers.Request{Model: "m1"})
	if lrerrors.KindOf(err) != lrerrors.Unauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestCompletePrioritizedRetriesOnProviderFailure(t *testing.T) {
	ctx := context.Background()
	failing := &fakeProvider{name: "p1", failWith: lrerrors.New(lrerrors.Provider, "boom")}
	good := &fakeProvider{name: "p2"}

	r, cm := newTestRouter(t, map[string]Strategy{
		"s1": &Prioritized{Candidates: []Candidate{{Provider: "p1", Model: "m1"}, {Provider: "p2", Model: "m1"}}},
	}, failing, good)

	id, _, _ := cm.Create(ctx, "client-a", "s1")

	resp, err := r.Complete(ctx, id, providers.Request{Model: "whatever", Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if resp.Provider != "p2" {
		t.Fatalf("expected fallback to p2, got %s", resp.Provider)
	}
	if failing.calls != 1 || good.calls != 1 {
		t.Fatalf("expected one call each, got failing=%d good=%d", failing.calls, good.calls)
	}
}

func TestCompleteValidationErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	failing := &fakeProvider{name: "p1", failWith: lrerrors.New(lrerrors.Provider, "boom")}

	r, cm := newTestRouter(t, map[string]Strategy{
		"s1": &Available{}, // empty allow-list; Resolve rejects the empty model as Validation before any lookup
	}, failing)

	id, _, _ := cm.Create(ctx, "client-a", "s1")

	_, err := r.Complete(ctx, id, providers.Request{Model: ""})
	if lrerrors.KindOf(err) != lrerrors.Validation {
		t.Fatalf("expected Validation for empty model, got %v", err)
	}
}

func TestCompleteRateLimited(t *testing.T) {
	ctx := context.Background()
	good := &fakeProvider{name: "p1"}
	reg := providers.NewRegistry()
	reg.Register(good)
	cm := clients.NewManager(credstore.NewMemStore())
	rl := ratelimit.NewEngine("", nil)
	lookup := func(id string) (Strategy, bool) {
		return &Forced{Provider: "p1", Model: "m1"}, true
	}
	r := New(cm, reg, lookup, rl, nil)

	id, _, _ := cm.Create(ctx, "client-a", "s1")
	rl.SetConfigs(id, []ratelimit.Config{{Kind: ratelimit.Requests, Value: 0, WindowSeconds: 60}})
	_, err := r.Complete(ctx, id, providers.Request{Model: "m1", Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if lrerrors.KindOf(err) != lrerrors.RateLimited {
		t.Fatalf("expected RateLimited, got %v", err)
	}
}

func TestCompleteInternalTestSentinel(t *testing.T) {
	ctx := context.Background()
	good := &fakeProvider{name: "openai"}
	reg := providers.NewRegistry()
	reg.Register(good)
	cm := clients.NewManager(credstore.NewMemStore())
	rl := ratelimit.NewEngine("", nil)
	r := New(cm, reg, func(string) (Strategy, bool) { return nil, false }, rl, nil)

	resp, err := r.Complete(ctx, InternalTestClientID, providers.Request{Model: "openai/m1", Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("expected internal-test bypass to succeed, got %v", err)
	}
	if resp.Provider != "openai" {
		t.Fatalf("unexpected provider: %s", resp.Provider)
	}
}
