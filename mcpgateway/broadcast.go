package mcpgateway

import (
	"context"
	"encoding/json"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/mcpmanager"
)

// wire shapes for the upstream MCP methods this file broadcasts.
type toolsListResult struct {
	Tools []Tool `json:"tools"`
}
type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}
type promptsListResult struct {
	Prompts []Prompt `json:"prompts"`
}
type serverInfoWire struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
type capabilitiesWire struct {
	Tools     *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"tools,omitempty"`
	Resources *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"resources,omitempty"`
	Prompts *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"prompts,omitempty"`
	Logging json.RawMessage `json:"logging,omitempty"`
}
type initializeResultWire struct {
	ProtocolVersion string           `json:"protocolVersion"`
	Capabilities    capabilitiesWire `json:"capabilities"`
	ServerInfo      serverInfoWire   `json:"serverInfo"`
	Instructions    string           `json:"instructions,omitempty"`
}

func decodeWireCapabilities(w capabilitiesWire) Capabilities {
	c := Capabilities{
		Tools:     w.Tools != nil,
		Resources: w.Resources != nil,
		Prompts:   w.Prompts != nil,
		Logging:   w.Logging != nil,
	}
	if w.Tools != nil {
		c.ToolsListChanged = w.Tools.ListChanged
	}
	if w.Resources != nil {
		c.ResourcesListChanged = w.Resources.ListChanged
	}
	if w.Prompts != nil {
		c.PromptsListChanged = w.Prompts.ListChanged
	}
	return c
}

func encodeCapabilities(c Capabilities) capabilitiesWire {
	var w capabilitiesWire
	if c.Tools {
		w.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: c.ToolsListChanged}
	}
	if c.Resources {
		w.Resources = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: c.ResourcesListChanged}
	}
	if c.Prompts {
		w.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: c.PromptsListChanged}
	}
	if c.Logging {
		w.Logging = json.RawMessage(`{}`)
	}
	return w
}

func (g *Gateway) handleBroadcast(ctx context.Context, client *clients.Client, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	switch req.Method {
	case "initialize":
		return g.broadcastInitialize(ctx, sess, req)
	case "tools/list":
		return g.broadcastToolsList(ctx, sess, req)
	case "resources/list":
		return g.broadcastResourcesList(ctx, sess, req)
	case "prompts/list":
		return g.broadcastPromptsList(ctx, sess, req)
	case "logging/setLevel":
		return g.broadcastFireAndForget(ctx, sess, req)
	case "ping":
		return resultResponse(req.ID, struct{}{})
	default:
		return errorResponse(req.ID, rpcMethodNotFound, "unhandled broadcast method: "+req.Method)
	}
}

func (g *Gateway) broadcastInitialize(ctx context.Context, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	raw := g.fanOut(ctx, sess.AllowedServers, req)

	var inits []serverInit
	for _, r := range raw {
		if r.Err != nil {
			inits = append(inits, serverInit{Server: r.Server, Err: r.Err})
			continue
		}
		var wire initializeResultWire
		if err := json.Unmarshal(r.Items[0], &wire); err != nil {
			inits = append(inits, serverInit{Server: r.Server, Err: err})
			continue
		}
		inits = append(inits, serverInit{Server: r.Server, Result: InitializeResult{
			ProtocolVersion: wire.ProtocolVersion,
			Capabilities:    decodeWireCapabilities(wire.Capabilities),
			Instructions:    wire.Instructions,
		}})
	}

	merged, failures := mergeInitializeResults(inits)
	out := struct {
		ProtocolVersion string           `json:"protocolVersion"`
		Capabilities    capabilitiesWire `json:"capabilities"`
		ServerInfo      serverInfoWire   `json:"serverInfo"`
		Instructions    string           `json:"instructions,omitempty"`
		Meta            *metaFailures    `json:"_meta,omitempty"`
	}{
		ProtocolVersion: merged.ProtocolVersion,
		Capabilities:    encodeCapabilities(merged.Capabilities),
		ServerInfo:      serverInfoWire{Name: merged.ServerName, Version: merged.ServerVersion},
		Instructions:    merged.Instructions,
		Meta:            metaFrom(failures),
	}
	return resultResponse(req.ID, out)
}

type metaFailures struct {
	Failures []ServerFailure `json:"failures"`
}

func metaFrom(failures []ServerFailure) *metaFailures {
	if len(failures) == 0 {
		return nil
	}
	return &metaFailures{Failures: failures}
}

func (g *Gateway) broadcastToolsList(ctx context.Context, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	if cached, failures, ok := sess.cachedTools(); ok {
		return resultResponse(req.ID, visibleToolsResult(sess, cached, failures))
	}

	toolsRaw := g.fanOut(ctx, sess.AllowedServers, req)
	var toolResults []serverResult[Tool]
	for _, r := range toolsRaw {
		if r.Err != nil {
			toolResults = append(toolResults, serverResult[Tool]{Server: r.Server, Err: r.Err})
			continue
		}
		var wire toolsListResult
		if err := json.Unmarshal(r.Items[0], &wire); err != nil {
			toolResults = append(toolResults, serverResult[Tool]{Server: r.Server, Err: err})
			continue
		}
		toolResults = append(toolResults, serverResult[Tool]{Server: r.Server, Items: wire.Tools})
	}
	tools, failures := mergeTools(toolResults)

	// Also fetch resources/prompts so the session cache stays coherent
	// (spec §4.4 step 5 caches "the result" of a list broadcast as a
	// unit per session, not per method).
	resources, resFailures := g.fetchResources(ctx, sess)
	prompts, promptFailures := g.fetchPrompts(ctx, sess)
	failures = append(append(failures, resFailures...), promptFailures...)

	sess.setToolsCache(tools, resources, prompts, failures, g.listTTL)
	if sess.Deferred != nil {
		sess.Deferred.fullTools = tools
		sess.Deferred.fullResources = resources
		sess.Deferred.fullPrompts = prompts
	}

	return resultResponse(req.ID, visibleToolsResult(sess, tools, failures))
}

func visibleToolsResult(sess *Session, tools []NamespacedTool, failures []ServerFailure) interface{} {
	if sess.Deferred != nil {
		tools = activatedOnly(sess.Deferred)
		tools = append(tools, searchToolDescriptor())
	}
	out := struct {
		Tools []NamespacedTool `json:"tools"`
		Meta  *metaFailures    `json:"_meta,omitempty"`
	}{Tools: tools, Meta: metaFrom(failures)}
	return out
}

func (g *Gateway) broadcastResourcesList(ctx context.Context, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	resources, failures := g.fetchResources(ctx, sess)
	visible := resources
	if sess.Deferred != nil {
		sess.Deferred.fullResources = resources
		visible = activatedResourcesOnly(sess.Deferred)
	}
	out := struct {
		Resources []NamespacedResource `json:"resources"`
		Meta      *metaFailures        `json:"_meta,omitempty"`
	}{Resources: visible, Meta: metaFrom(failures)}
	return resultResponse(req.ID, out)
}

func (g *Gateway) fetchResources(ctx context.Context, sess *Session) ([]NamespacedResource, []ServerFailure) {
	req := mcpmanager.Request{JSONRPC: "2.0", Method: "resources/list"}
	raw := g.fanOut(ctx, sess.AllowedServers, req)
	var results []serverResult[Resource]
	for _, r := range raw {
		if r.Err != nil {
			results = append(results, serverResult[Resource]{Server: r.Server, Err: r.Err})
			continue
		}
		var wire resourcesListResult
		if err := json.Unmarshal(r.Items[0], &wire); err != nil {
			results = append(results, serverResult[Resource]{Server: r.Server, Err: err})
			continue
		}
		results = append(results, serverResult[Resource]{Server: r.Server, Items: wire.Resources})
	}
	return mergeResources(results)
}

func (g *Gateway) broadcastPromptsList(ctx context.Context, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	prompts, failures := g.fetchPrompts(ctx, sess)
	visible := prompts
	if sess.Deferred != nil {
		sess.Deferred.fullPrompts = prompts
		visible = activatedPromptsOnly(sess.Deferred)
	}
	out := struct {
		Prompts []NamespacedPrompt `json:"prompts"`
		Meta    *metaFailures      `json:"_meta,omitempty"`
	}{Prompts: visible, Meta: metaFrom(failures)}
	return resultResponse(req.ID, out)
}

func (g *Gateway) fetchPrompts(ctx context.Context, sess *Session) ([]NamespacedPrompt, []ServerFailure) {
	req := mcpmanager.Request{JSONRPC: "2.0", Method: "prompts/list"}
	raw := g.fanOut(ctx, sess.AllowedServers, req)
	var results []serverResult[Prompt]
	for _, r := range raw {
		if r.Err != nil {
			results = append(results, serverResult[Prompt]{Server: r.Server, Err: r.Err})
			continue
		}
		var wire promptsListResult
		if err := json.Unmarshal(r.Items[0], &wire); err != nil {
			results = append(results, serverResult[Prompt]{Server: r.Server, Err: err})
			continue
		}
		results = append(results, serverResult[Prompt]{Server: r.Server, Items: wire.Prompts})
	}
	return mergePrompts(results)
}

// broadcastFireAndForget sends req to every allowed server and discards
// individual results, returning success as soon as the fan-out
// completes (used for logging/setLevel, which has no meaningful merge).
func (g *Gateway) broadcastFireAndForget(ctx context.Context, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	g.fanOut(ctx, sess.AllowedServers, req)
	return resultResponse(req.ID, struct{}{})
}
