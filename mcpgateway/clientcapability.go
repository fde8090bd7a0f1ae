package mcpgateway

import (
	"context"
	"encoding/json"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/lrerrors"
	"github.com/localrouter/localrouter/mcpmanager"
	"github.com/localrouter/localrouter/providers"
	"github.com/localrouter/localrouter/router"
)

// samplingContentWire and samplingMessageWire mirror the MCP
// sampling/createMessage request shape closely enough to translate into
// a providers.Request.
type samplingContentWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
type samplingMessageWire struct {
	Role    string              `json:"role"`
	Content samplingContentWire `json:"content"`
}
type samplingCreateMessageParams struct {
	Messages        []samplingMessageWire `json:"messages"`
	SystemPrompt    string                `json:"systemPrompt,omitempty"`
	MaxTokens       *int                  `json:"maxTokens,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	ModelPreference string                `json:"modelPreferences,omitempty"`
}

// handleClientCapability implements the three methods an upstream
// server can call back on the gateway asking the client to do something
// on its behalf (spec §4.4 "Client-capability methods"). Only
// sampling/createMessage is implemented against the Router; roots/list
// and elicitation/requestInput require live client-side state (a
// workspace root list, an interactive prompt surface) this gateway does
// not model, so they are rejected with a clear method-not-found error
// rather than silently no-opping.
func (g *Gateway) handleClientCapability(ctx context.Context, client *clients.Client, req mcpmanager.Request) *mcpmanager.Response {
	switch req.Method {
	case "sampling/createMessage":
		return g.handleSamplingCreateMessage(ctx, client, req)
	default:
		return errorResponse(req.ID, rpcMethodNotFound, req.Method+" is not supported by this gateway")
	}
}

func (g *Gateway) handleSamplingCreateMessage(ctx context.Context, client *clients.Client, req mcpmanager.Request) *mcpmanager.Response {
	if !client.MCPSamplingEnabled {
		return errorResponse(req.ID, rpcInvalidRequest, "sampling is not enabled for this client")
	}
	if g.Router == nil {
		return errorResponse(req.ID, rpcInternalError, "sampling is not configured on this gateway")
	}

	var params samplingCreateMessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, rpcInvalidParams, "malformed sampling/createMessage params: "+err.Error())
	}

	var msgs []providers.Message
	if params.SystemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: params.SystemPrompt})
	}
	for _, m := range params.Messages {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content.Text})
	}

	completionReq := providers.Request{
		Model:       router.AutoModel,
		Messages:    msgs,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}

	resp, err := g.Router.Complete(ctx, client.ID, completionReq)
	if err != nil {
		return errorResponse(req.ID, rpcInternalError, "sampling completion failed: "+lrerrors.KindOf(err).String())
	}
	if len(resp.Choices) == 0 {
		return errorResponse(req.ID, rpcInternalError, "sampling completion returned no choices")
	}

	out := struct {
		Role    string              `json:"role"`
		Content samplingContentWire `json:"content"`
		Model   string              `json:"model"`
	}{
		Role:    providers.RoleAssistant,
		Content: samplingContentWire{Type: "text", Text: resp.Choices[0].Message.Content},
		Model:   resp.Model,
	}
	return resultResponse(req.ID, out)
}
