package router

import (
	"strings"

	"github.com/localrouter/localrouter/lrerrors"
)

// Candidate is a resolved (provider, model) pair.
type Candidate struct {
	Provider string
	Model    string
}

// Strategy is the closed tagged-variant set of client model-selection
// policies (spec §3): Available, Forced, Prioritized. Resolve returns the
// ordered list of candidates to try; for Available and Forced this list
// has exactly one element (Available's failure mode is "reject", not
// "try the next one").
type Strategy interface {
	Resolve(requestModel string) ([]Candidate, error)
}

// Available allows a request naming any of a fixed set of (provider,
// model) pairs, plus whole-provider wildcards. The request's declared
// model must match.
type Available struct {
	// Pairs is the explicit allow-list of "provider/model" strings.
	Pairs map[string]bool
	// ProviderWildcards allows any model from these providers.
	ProviderWildcards map[string]bool
}

func NewAvailable(pairs []string, providerWildcards []string) *Available {
	a := &Available{Pairs: make(map[string]bool), ProviderWildcards: make(map[string]bool)}
	for _, p := range pairs {
		a.Pairs[p] = true
	}
	for _, p := range providerWildcards {
		a.ProviderWildcards[p] = true
	}
	return a
}

func (a *Available) Resolve(requestModel string) ([]Candidate, error) {
	if requestModel == "" {
		return nil, lrerrors.New(lrerrors.Validation, "model is required for Available strategy")
	}

	if provider, model, ok := strings.Cut(requestModel, "/"); ok {
		if a.Pairs[requestModel] || a.ProviderWildcards[provider] {
			return []Candidate{{Provider: provider, Model: model}}, nil
		}
		return nil, lrerrors.Newf(lrerrors.Forbidden, "model %q not in client's available list", requestModel)
	}

	// Bare model name: enumerate providers until one claims it via the
	// allow-list pairs (wildcard providers cannot claim a bare name since
	// we don't know which of their models it is without a provider
	// prefix).
	for pair := range a.Pairs {
		provider, model, _ := strings.Cut(pair, "/")
		if model == requestModel {
			return []Candidate{{Provider: provider, Model: model}}, nil
		}
	}
	return nil, lrerrors.Newf(lrerrors.Forbidden, "model %q not in client's available list", requestModel)
}

// Forced discards the request's model entirely and always dispatches to a
// single configured (provider, model).
type Forced struct {
	Provider string
	Model    string
}

func (f *Forced) Resolve(requestModel string) ([]Candidate, error) {
	return []Candidate{{Provider: f.Provider, Model: f.Model}}, nil
}

// Prioritized holds an ordered list of (provider, model) candidates tried
// in order on retryable failure.
type Prioritized struct {
	Candidates []Candidate
}

func (p *Prioritized) Resolve(requestModel string) ([]Candidate, error) {
	if len(p.Candidates) == 0 {
		return nil, lrerrors.New(lrerrors.Router, "prioritized strategy has no candidates configured")
	}
	out := make([]Candidate, len(p.Candidates))
	copy(out, p.Candidates)
	return out, nil
}
