package deploy

import (
	"context"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/lrerrors"
	"github.com/localrouter/localrouter/providers"
	"github.com/localrouter/localrouter/safety"
)

// SafetyGate adapts a safety.Engine into the router.SafetyGate contract,
// honoring each client's GuardrailsEnabled override (spec §3:
// guardrails_enabled == Some(false) disables scanning regardless of the
// deployment-wide engine).
type SafetyGate struct {
	Engine  safety.Engine
	Clients *clients.Manager
}

// NewSafetyGate constructs a SafetyGate. engine may be nil, in which
// case every request passes unscanned.
func NewSafetyGate(engine safety.Engine, clientMgr *clients.Manager) *SafetyGate {
	return &SafetyGate{Engine: engine, Clients: clientMgr}
}

func (g *SafetyGate) CheckRequest(ctx context.Context, clientID string, req providers.Request) error {
	if g.Engine == nil {
		return nil
	}
	if c, ok := g.Clients.Get(clientID); ok && c.GuardrailsEnabled != nil && !*c.GuardrailsEnabled {
		return nil
	}

	verdict, err := g.Engine.ScanRequest(ctx, clientID, req)
	if err != nil {
		return lrerrors.Wrap(lrerrors.Internal, "safety scan failed", err)
	}
	switch verdict.Action {
	case safety.SafetyBlock:
		return lrerrors.New(lrerrors.Forbidden, "request blocked by guardrails: "+verdict.Reason)
	case safety.SafetyAsk:
		// Chat completions have no interactive session to pend an
		// approval against (unlike MCP tool calls, which run through
		// firewall.Broker's session-scoped approval flow) -- treated
		// as a block until a completions-side approval surface exists.
		return lrerrors.New(lrerrors.Forbidden, "request requires approval, denied (no interactive approval path for completions): "+verdict.Reason)
	default:
		return nil
	}
}
