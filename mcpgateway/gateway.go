package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/firewall"
	"github.com/localrouter/localrouter/mcpmanager"
	"github.com/localrouter/localrouter/permissions"
	"github.com/localrouter/localrouter/router"
)

// JSON-RPC error codes the gateway hands back to clients. -32600 is
// reused for firewall denials per spec §4.4 step 4 ("Invalid Request").
const (
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

// DispatchTimeout bounds one upstream round trip during broadcast fan-out
// or direct routing.
const DispatchTimeout = 30 * time.Second

// Gateway is the single JSON-RPC endpoint exposing the merged union of
// every allowed upstream MCP server (spec §2.I / §4.4).
type Gateway struct {
	Manager mcpmanager.Manager
	Broker  *firewall.Broker
	Clients *clients.Manager
	Router  *router.Router // used for the sampling/createMessage client-capability method; nil disables it
	Skills  SkillRouter     // extension seam for skill/marketplace-namespaced tool names; nil uses noopSkillRouter

	Servers []ServerInfo // every upstream server known to the deployment

	sessions *sessionStore
	listTTL  time.Duration
	idleTTL  time.Duration

	Logger *slog.Logger
}

// New constructs a Gateway and wires cache-invalidating notification
// handlers for every known server (spec §4.4 "Cache invalidation").
func New(mgr mcpmanager.Manager, broker *firewall.Broker, clientMgr *clients.Manager, rtr *router.Router, servers []ServerInfo, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		Manager:  mgr,
		Broker:   broker,
		Clients:  clientMgr,
		Router:   rtr,
		Skills:   noopSkillRouter{},
		Servers:  servers,
		sessions: newSessionStore(),
		listTTL:  DefaultListCacheTTL,
		idleTTL:  DefaultSessionIdleTTL,
		Logger:   logger,
	}
	for _, s := range servers {
		serverID := s.ID
		mgr.RegisterNotificationHandler(serverID, func(n mcpmanager.Notification) {
			g.onUpstreamNotification(serverID, n)
		})
	}
	return g
}

func (g *Gateway) onUpstreamNotification(serverID string, n mcpmanager.Notification) {
	switch n.Method {
	case "notifications/tools/list_changed", "notifications/resources/list_changed", "notifications/prompts/list_changed":
		g.sessions.mu.RLock()
		defer g.sessions.mu.RUnlock()
		for _, sess := range g.sessions.sessions {
			sess.invalidateToolsCache()
		}
		g.Logger.Info("invalidated session list caches", "server", serverID, "notification", n.Method)
	}
}

// SweepIdleSessions evicts sessions idle past the configured TTL and
// releases their firewall session-approval sets. Intended to be called
// periodically (e.g. from a background ticker in cmd/localrouter).
func (g *Gateway) SweepIdleSessions() {
	for _, id := range g.sessions.sweepExpired(g.idleTTL) {
		g.Broker.EndSession(id)
	}
}

func (g *Gateway) allowedServers(client *clients.Client) []ServerInfo {
	var out []ServerInfo
	for _, s := range g.Servers {
		if client.MCPServerPermissions.Resolve(permissions.Key{Specific: s.ID, Group: s.ID}) {
			out = append(out, s)
		}
	}
	return out
}

func (g *Gateway) sessionFor(client *clients.Client) *Session {
	return g.sessions.getOrCreate(client.ID, g.allowedServers(client), client.MCPDeferredLoading)
}

// HandleRequest is the gateway's single JSON-RPC entry point (spec
// §4.4): classify the method, then broadcast-and-merge, route directly,
// forward a client-capability call, or pass an unknown method to the
// first allowed upstream.
func (g *Gateway) HandleRequest(ctx context.Context, clientID string, req mcpmanager.Request) *mcpmanager.Response {
	client, ok := g.Clients.Get(clientID)
	if !ok || !client.Enabled {
		return errorResponse(req.ID, rpcInvalidRequest, "unknown or disabled client")
	}
	sess := g.sessionFor(client)

	switch classifyMethod(req.Method) {
	case methodBroadcast:
		return g.handleBroadcast(ctx, client, sess, req)
	case methodDirect:
		return g.handleDirect(ctx, client, sess, req)
	case methodClientCapability:
		return g.handleClientCapability(ctx, client, req)
	default:
		return g.handleUnknown(ctx, sess, req)
	}
}

type methodClass int

const (
	methodBroadcast methodClass = iota
	methodDirect
	methodClientCapability
	methodUnknown
)

func classifyMethod(method string) methodClass {
	switch method {
	case "initialize", "tools/list", "resources/list", "prompts/list", "logging/setLevel", "ping":
		return methodBroadcast
	case "tools/call", "resources/read", "prompts/get":
		return methodDirect
	case "roots/list", "sampling/createMessage", "elicitation/requestInput":
		return methodClientCapability
	default:
		return methodUnknown
	}
}

// handleUnknown forwards an unrecognized method verbatim to the first
// allowed upstream (spec §4.4: "methods outside the above sets are
// forwarded to the first allowed upstream server").
func (g *Gateway) handleUnknown(ctx context.Context, sess *Session, req mcpmanager.Request) *mcpmanager.Response {
	if len(sess.AllowedServers) == 0 {
		return errorResponse(req.ID, rpcMethodNotFound, "no allowed upstream server to forward to")
	}
	target := sess.AllowedServers[0]
	ctx, cancel := context.WithTimeout(ctx, DispatchTimeout)
	defer cancel()
	resp, err := g.Manager.Send(ctx, target.ID, req, DispatchTimeout)
	if err != nil {
		return errorResponse(req.ID, rpcInternalError, err.Error())
	}
	return resp
}

func errorResponse(id interface{}, code int, msg string) *mcpmanager.Response {
	return &mcpmanager.Response{JSONRPC: "2.0", ID: id, Error: &mcpmanager.RPCError{Code: code, Message: msg}}
}

func resultResponse(id interface{}, v interface{}) *mcpmanager.Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResponse(id, rpcInternalError, fmt.Sprintf("encode result: %v", err))
	}
	return &mcpmanager.Response{JSONRPC: "2.0", ID: id, Result: raw}
}

// fanOut sends req to every server in servers concurrently, each call
// bounded by DispatchTimeout, and returns one serverResult[json.RawMessage] per
// server in input order (spec §4.4 step 2: "parallel fan-out with
// per-call timeout/retries"). A single retry is attempted on transport
// error before the call is counted as failed.
func (g *Gateway) fanOut(ctx context.Context, servers []ServerInfo, req mcpmanager.Request) []serverResult[json.RawMessage] {
	out := make([]serverResult[json.RawMessage], len(servers))
	grp, gctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		i, s := i, s
		grp.Go(func() error {
			resp, err := g.sendWithRetry(gctx, s.ID, req)
			if err != nil {
				out[i] = serverResult[json.RawMessage]{Server: s, Err: err}
				return nil
			}
			if resp.Error != nil {
				out[i] = serverResult[json.RawMessage]{Server: s, Err: resp.Error}
				return nil
			}
			out[i] = serverResult[json.RawMessage]{Server: s, Items: []json.RawMessage{resp.Result}}
			return nil
		})
	}
	_ = grp.Wait() // errors are carried per-item in out, never returned from Wait
	return out
}

func (g *Gateway) sendWithRetry(ctx context.Context, serverID string, req mcpmanager.Request) (*mcpmanager.Response, error) {
	resp, err := g.Manager.Send(ctx, serverID, req, DispatchTimeout)
	if err == nil {
		return resp, nil
	}
	return g.Manager.Send(ctx, serverID, req, DispatchTimeout)
}
