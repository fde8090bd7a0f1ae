package deploy

import (
	"fmt"

	"github.com/localrouter/localrouter/router"
)

// BuildStrategies constructs every named Strategy and returns a
// router.StrategyLookup closing over the resulting map.
func BuildStrategies(cfgs []StrategyConfig) (router.StrategyLookup, error) {
	byID := make(map[string]router.Strategy, len(cfgs))
	for _, sc := range cfgs {
		s, err := buildStrategy(sc)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: %w", sc.ID, err)
		}
		byID[sc.ID] = s
	}
	return func(strategyID string) (router.Strategy, bool) {
		s, ok := byID[strategyID]
		return s, ok
	}, nil
}

func buildStrategy(sc StrategyConfig) (router.Strategy, error) {
	switch sc.Kind {
	case "available":
		return router.NewAvailable(sc.Pairs, sc.ProviderWildcards), nil
	case "forced":
		return &router.Forced{Provider: sc.Provider, Model: sc.Model}, nil
	case "prioritized":
		cands := make([]router.Candidate, 0, len(sc.Candidates))
		for _, c := range sc.Candidates {
			cands = append(cands, router.Candidate{Provider: c.Provider, Model: c.Model})
		}
		return &router.Prioritized{Candidates: cands}, nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", sc.Kind)
	}
}
