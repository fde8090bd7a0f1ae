package mcpgateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/credstore"
	"github.com/localrouter/localrouter/firewall"
	"github.com/localrouter/localrouter/mcpmanager"
	"github.com/localrouter/localrouter/permissions"
)

// fakeManager is an in-memory mcpmanager.Manager stand-in that answers
// tools/list, resources/list, prompts/list, initialize, and tools/call
// out of a fixed per-server script, without any subprocess.
type fakeManager struct {
	servers map[string]map[string]json.RawMessage // serverID -> method -> canned result
	notify  map[string]mcpmanager.NotificationHandler
}

func newFakeManager() *fakeManager {
	return &fakeManager{servers: make(map[string]map[string]json.RawMessage), notify: make(map[string]mcpmanager.NotificationHandler)}
}

func (f *fakeManager) addServer(id string, scripts map[string]json.RawMessage) {
	f.servers[id] = scripts
}

func (f *fakeManager) ListServers() []string {
	var out []string
	for id := range f.servers {
		out = append(out, id)
	}
	return out
}
func (f *fakeManager) Start(ctx context.Context, serverID string) error { return nil }
func (f *fakeManager) Stop(serverID string) error                       { return nil }
func (f *fakeManager) IsRunning(serverID string) bool                   { return true }
func (f *fakeManager) SupportsStreaming(serverID string) bool           { return false }

func (f *fakeManager) Send(ctx context.Context, serverID string, req mcpmanager.Request, timeout time.Duration) (*mcpmanager.Response, error) {
	scripts, ok := f.servers[serverID]
	if !ok {
		return nil, mcpmanager.ErrServerNotFound(serverID)
	}
	result, ok := scripts[req.Method]
	if !ok {
		return &mcpmanager.Response{JSONRPC: "2.0", ID: req.ID, Error: &mcpmanager.RPCError{Code: -32601, Message: "no script for " + req.Method}}, nil
	}
	return &mcpmanager.Response{JSONRPC: "2.0", ID: req.ID, Result: result}, nil
}

func (f *fakeManager) RegisterNotificationHandler(serverID string, handler mcpmanager.NotificationHandler) {
	f.notify[serverID] = handler
}

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newTestGateway(t *testing.T) (*Gateway, *fakeManager, *clients.Client) {
	t.Helper()
	mgr := newFakeManager()

	fsScripts := map[string]json.RawMessage{
		"tools/list": rawJSON(t, toolsListResult{Tools: []Tool{
			{Name: "read_file", Description: "reads a file"},
			{Name: "write_file", Description: "writes a file"},
		}}),
		"resources/list": rawJSON(t, resourcesListResult{Resources: []Resource{
			{URI: "file:///tmp/a.txt", Name: "a.txt"},
		}}),
		"prompts/list": rawJSON(t, promptsListResult{}),
	}
	mgr.addServer("fs-server", fsScripts)

	servers := []ServerInfo{{ID: "fs-server", DisplayName: "filesystem"}}

	broker := firewall.NewBroker(func(string) *firewall.Rules {
		rules := firewall.NewRules(firewall.Ask)
		rules.Set("filesystem__read_file", firewall.Allow)
		rules.Set("filesystem__write_file", firewall.Deny)
		return rules
	}, nil)

	clientMgr := clients.NewManager(credstore.NewMemStore())
	c := &clients.Client{
		ID:                   "client-a",
		Name:                 "client-a",
		Enabled:              true,
		ModelPermissions:     permissions.NewMap(),
		MCPServerPermissions: permissions.NewMap(),
		SkillPermissions:     permissions.NewMap(),
	}
	c.MCPServerPermissions.SetGlobal(permissions.Allow)
	if _, err := clientMgr.AddExisting(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	g := New(mgr, broker, clientMgr, nil, servers, nil)
	return g, mgr, c
}

func TestBroadcastToolsListNamespacesAndSorts(t *testing.T) {
	g, _, c := newTestGateway(t)
	resp := g.HandleRequest(context.Background(), c.ID, mcpmanager.Request{JSONRPC: "2.0", ID: float64(1), Method: "tools/list"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var out struct {
		Tools []NamespacedTool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(out.Tools))
	}
	if out.Tools[0].Namespaced != "filesystem__read_file" {
		t.Fatalf("expected namespaced name filesystem__read_file, got %s", out.Tools[0].Namespaced)
	}
}

func TestToolCallAllowedByFirewall(t *testing.T) {
	g, mgr, c := newTestGateway(t)
	ctx := context.Background()
	mgr.servers["fs-server"]["tools/call"] = rawJSON(t, map[string]string{"ok": "true"})

	// Populate the session's namespace mapping via a list call first.
	g.HandleRequest(ctx, c.ID, mcpmanager.Request{Method: "tools/list"})

	params := rawJSON(t, toolCallParams{Name: "filesystem__read_file", Arguments: rawJSON(t, map[string]string{"path": "/tmp/a.txt"})})
	resp := g.HandleRequest(ctx, c.ID, mcpmanager.Request{ID: float64(2), Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("expected allow, got error: %v", resp.Error)
	}
}

func TestToolCallDeniedByFirewallReturnsInvalidRequest(t *testing.T) {
	g, mgr, c := newTestGateway(t)
	ctx := context.Background()
	mgr.servers["fs-server"]["tools/call"] = rawJSON(t, map[string]string{"ok": "true"})

	g.HandleRequest(ctx, c.ID, mcpmanager.Request{Method: "tools/list"})

	params := rawJSON(t, toolCallParams{Name: "filesystem__write_file"})
	resp := g.HandleRequest(ctx, c.ID, mcpmanager.Request{ID: float64(3), Method: "tools/call", Params: params})
	if resp.Error == nil {
		t.Fatal("expected firewall denial")
	}
	if resp.Error.Code != rpcInvalidRequest {
		t.Fatalf("expected code %d, got %d", rpcInvalidRequest, resp.Error.Code)
	}
}

func TestUnknownToolNameRejected(t *testing.T) {
	g, _, c := newTestGateway(t)
	ctx := context.Background()
	g.HandleRequest(ctx, c.ID, mcpmanager.Request{Method: "tools/list"})

	params := rawJSON(t, toolCallParams{Name: "filesystem__does_not_exist"})
	resp := g.HandleRequest(ctx, c.ID, mcpmanager.Request{ID: float64(4), Method: "tools/call", Params: params})
	if resp.Error == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestDeferredLoadingSearchActivatesMatches(t *testing.T) {
	g, _, c := newTestGateway(t)
	ctx := context.Background()

	c.MCPDeferredLoading = true
	sess := g.sessionFor(c)
	if sess.Deferred == nil {
		t.Fatal("expected deferred state for deferred-loading client")
	}

	listResp := g.HandleRequest(ctx, c.ID, mcpmanager.Request{Method: "tools/list"})
	var out struct {
		Tools []NamespacedTool `json:"tools"`
	}
	if err := json.Unmarshal(listResp.Result, &out); err != nil {
		t.Fatal(err)
	}
	// Only the virtual search tool should be visible before any search.
	if len(out.Tools) != 1 || out.Tools[0].Namespaced != searchToolName {
		t.Fatalf("expected only the search tool visible, got %+v", out.Tools)
	}

	searchParamsRaw := rawJSON(t, searchParams{Query: "read"})
	callParams := rawJSON(t, toolCallParams{Name: searchToolName, Arguments: searchParamsRaw})
	resp := g.HandleRequest(ctx, c.ID, mcpmanager.Request{ID: float64(5), Method: "tools/call", Params: callParams})
	if resp.Error != nil {
		t.Fatalf("search failed: %v", resp.Error)
	}

	listResp2 := g.HandleRequest(ctx, c.ID, mcpmanager.Request{Method: "tools/list"})
	var out2 struct {
		Tools []NamespacedTool `json:"tools"`
	}
	if err := json.Unmarshal(listResp2.Result, &out2); err != nil {
		t.Fatal(err)
	}
	foundReadFile := false
	for _, tl := range out2.Tools {
		if tl.Namespaced == "filesystem__read_file" {
			foundReadFile = true
		}
	}
	if !foundReadFile {
		t.Fatalf("expected read_file activated after search, got %+v", out2.Tools)
	}
}

func TestCacheInvalidationOnNotification(t *testing.T) {
	g, mgr, c := newTestGateway(t)
	ctx := context.Background()

	g.HandleRequest(ctx, c.ID, mcpmanager.Request{Method: "tools/list"})
	sess := g.sessionFor(c)
	if _, _, ok := sess.cachedTools(); !ok {
		t.Fatal("expected cache populated after first list")
	}

	handler, ok := mgr.notify["fs-server"]
	if !ok {
		t.Fatal("expected notification handler registered for fs-server")
	}
	handler(mcpmanager.Notification{Method: "notifications/tools/list_changed"})

	if _, _, ok := sess.cachedTools(); ok {
		t.Fatal("expected cache invalidated after list_changed notification")
	}
}
