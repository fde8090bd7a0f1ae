package mcpgateway

import (
	"context"
	"encoding/json"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/firewall"
	"github.com/localrouter/localrouter/mcpmanager"
)

// handleDirect routes a single-target call to the one upstream server
// that owns the requested item, after a firewall check (spec §4.4
// "Direct routing"). A firewall denial maps to JSON-RPC code -32600.
func (g *Gateway) handleDirect(ctx context.Context, client *clients.Client, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	switch req.Method {
	case "tools/call":
		return g.dispatchToolCall(ctx, client, sess, req)
	case "resources/read":
		return g.dispatchResourceRead(ctx, client, sess, req)
	case "prompts/get":
		return g.dispatchPromptGet(ctx, client, sess, req)
	default:
		return errorResponse(req.ID, rpcMethodNotFound, "unhandled direct method: "+req.Method)
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (g *Gateway) dispatchToolCall(ctx context.Context, client *clients.Client, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, rpcInvalidParams, "malformed tools/call params: "+err.Error())
	}

	if params.Name == searchToolName && sess.Deferred != nil {
		if err := validateArguments(searchToolDescriptor().InputSchema, params.Arguments); err != nil {
			return errorResponse(req.ID, rpcInvalidParams, err.Error())
		}
		var sp searchParams
		if len(params.Arguments) > 0 {
			if err := json.Unmarshal(params.Arguments, &sp); err != nil {
				return errorResponse(req.ID, rpcInvalidParams, "malformed search arguments: "+err.Error())
			}
		}
		hits, err := g.runSearch(sess, sp)
		if err != nil {
			return errorResponse(req.ID, rpcInvalidParams, "search: "+err.Error())
		}
		return resultResponse(req.ID, toolCallTextResult(hits))
	}

	if resp, handled := g.skillRouter().RouteToolCall(ctx, client, sess, params.Name, params.Arguments, req); handled {
		return resp
	}

	mapping, ok := sess.resolveTool(params.Name)
	if !ok {
		return errorResponse(req.ID, rpcInvalidParams, "unknown tool: "+params.Name)
	}

	if err := validateArguments(mapping.InputSchema, params.Arguments); err != nil {
		return errorResponse(req.ID, rpcInvalidParams, err.Error())
	}

	serverName := g.displayNameFor(mapping.ServerID)
	if err := g.Broker.Check(ctx, sess.ID, client.ID, params.Name, serverName, previewOf(params.Arguments)); err != nil {
		return denialResponse(req.ID, err)
	}

	forwarded := params
	forwarded.Name = mapping.OriginalName
	return g.forwardWithRewrittenParams(ctx, mapping.ServerID, req, forwarded)
}

type resourceReadParams struct {
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`
}

func (g *Gateway) dispatchResourceRead(ctx context.Context, client *clients.Client, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, rpcInvalidParams, "malformed resources/read params: "+err.Error())
	}

	key := params.URI
	if key == "" {
		key = params.Name
	}
	mapping, ok := sess.resolveResource(key)
	if !ok {
		return errorResponse(req.ID, rpcInvalidParams, "unknown resource: "+key)
	}

	serverName := g.displayNameFor(mapping.ServerID)
	if err := g.Broker.Check(ctx, sess.ID, client.ID, "resource:"+mapping.OriginalName, serverName, key); err != nil {
		return denialResponse(req.ID, err)
	}

	forwarded := params
	forwarded.URI = mapping.OriginalName
	forwarded.Name = ""
	return g.forwardWithRewrittenParams(ctx, mapping.ServerID, req, forwarded)
}

type promptGetParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (g *Gateway) dispatchPromptGet(ctx context.Context, client *clients.Client, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	var params promptGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, rpcInvalidParams, "malformed prompts/get params: "+err.Error())
	}

	mapping, ok := sess.resolvePrompt(params.Name)
	if !ok {
		return errorResponse(req.ID, rpcInvalidParams, "unknown prompt: "+params.Name)
	}

	serverName := g.displayNameFor(mapping.ServerID)
	if err := g.Broker.Check(ctx, sess.ID, client.ID, "prompt:"+mapping.OriginalName, serverName, previewOf(params.Arguments)); err != nil {
		return denialResponse(req.ID, err)
	}

	forwarded := params
	forwarded.Name = mapping.OriginalName
	return g.forwardWithRewrittenParams(ctx, mapping.ServerID, req, forwarded)
}

func (g *Gateway) forwardWithRewrittenParams(ctx context.Context, serverID string, req mcpmanager.Request, params interface{}) *mcpmanager.Response {
	raw, err := json.Marshal(params)
	if err != nil {
		return errorResponse(req.ID, rpcInternalError, "re-encode params: "+err.Error())
	}
	forwarded := mcpmanager.Request{JSONRPC: "2.0", ID: req.ID, Method: req.Method, Params: raw}

	ctx, cancel := context.WithTimeout(ctx, DispatchTimeout)
	defer cancel()
	resp, err := g.Manager.Send(ctx, serverID, forwarded, DispatchTimeout)
	if err != nil {
		return errorResponse(req.ID, rpcInternalError, err.Error())
	}
	return resp
}

func (g *Gateway) displayNameFor(serverID string) string {
	for _, s := range g.Servers {
		if s.ID == serverID {
			return s.DisplayName
		}
	}
	return serverID
}

func denialResponse(id interface{}, err error) *mcpmanager.Response {
	if firewall.IsDenied(err) {
		return errorResponse(id, rpcInvalidRequest, err.Error())
	}
	return errorResponse(id, rpcInternalError, err.Error())
}

// previewOf renders a short, safe preview of call arguments for the
// approval UI (spec §4.5 "ArgPreview"); truncated to avoid dumping large
// payloads into an approval prompt.
func previewOf(raw json.RawMessage) string {
	const maxLen = 200
	s := string(raw)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func toolCallTextResult(hits []searchHit) interface{} {
	text, _ := json.Marshal(hits)
	return struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}{
		Content: []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{{Type: "text", Text: string(text)}},
	}
}
