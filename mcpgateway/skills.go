package mcpgateway

import (
	"context"
	"encoding/json"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/mcpmanager"
)

// SkillRouter is the extension seam for skill/marketplace-namespaced
// tool calls: names that never appear in any upstream server's merged
// catalog because they resolve against a skills/marketplace layer
// instead of a registered MCP server. dispatchToolCall consults it
// before falling back to the ordinary namespace lookup, so a concrete
// implementation can claim a call (handled=true) without touching the
// namespace-resolution path at all.
type SkillRouter interface {
	RouteToolCall(ctx context.Context, client *clients.Client, sess *Session, toolName string, arguments json.RawMessage, req mcpmanager.Request) (resp *mcpmanager.Response, handled bool)
}

// noopSkillRouter never claims a tool call; every name falls through to
// the namespace lookup in dispatchToolCall. This is the Gateway default
// until a concrete skills/marketplace layer is wired in.
type noopSkillRouter struct{}

func (noopSkillRouter) RouteToolCall(context.Context, *clients.Client, *Session, string, json.RawMessage, mcpmanager.Request) (*mcpmanager.Response, bool) {
	return nil, false
}

// skillRouter returns the configured SkillRouter, falling back to the
// no-op default if the Gateway was constructed directly (not via New)
// with a nil Skills field.
func (g *Gateway) skillRouter() SkillRouter {
	if g.Skills == nil {
		return noopSkillRouter{}
	}
	return g.Skills
}
