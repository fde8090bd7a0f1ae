// Package mcpgateway implements the MCP Gateway (spec §2.I / §4.4): a
// single JSON-RPC endpoint that behaves as one MCP server exposing the
// union of N upstream servers' tools, resources, and prompts, with
// per-client permissions, catalog caching, deferred-loading search, and
// firewall-gated direct dispatch.
package mcpgateway

import (
	"encoding/json"
	"time"
)

// Namespace separator between a server's display name and a tool's
// original name, e.g. "filesystem__read_file" (grounded on
// original_source merger.rs: every namespaced-name test fixture uses
// this exact separator).
const namespaceSeparator = "__"

func applyNamespace(displayName, originalName string) string {
	return displayName + namespaceSeparator + originalName
}

// ServerInfo is static per-server configuration the gateway needs:
// its stable UUID (used for routing, never exposed in namespaced
// names) and its human-readable display name (used for namespacing).
type ServerInfo struct {
	ID          string
	DisplayName string
}

// Tool, Resource, Prompt mirror the upstream MCP wire shapes closely
// enough for merge/namespace/route logic; full JSON passthrough for
// anything else (input schemas, argument specs) is carried as
// json.RawMessage fields.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type Prompt struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// NamespacedTool/Resource/Prompt carry routing metadata alongside the
// wire item, matching merger.rs's NamespacedTool shape exactly.
type NamespacedTool struct {
	Tool
	Namespaced   string
	OriginalName string
	ServerID     string
}

type NamespacedResource struct {
	Resource
	Namespaced   string
	OriginalURI  string
	ServerID     string
}

type NamespacedPrompt struct {
	Prompt
	Namespaced   string
	OriginalName string
	ServerID     string
}

// Capabilities is the union-merged capability flag set (spec §4.4 step
// 4, "union of capability flags").
type Capabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
	Logging   bool
	// ListChanged is set per-section when any contributing server
	// reports listChanged support for that section (tools/resources/
	// prompts), following the Rust merge's per-capability union.
	ToolsListChanged     bool
	ResourcesListChanged bool
	PromptsListChanged   bool
}

// InitializeResult is the merged handshake result returned to the
// client for a broadcast `initialize` call.
type InitializeResult struct {
	ProtocolVersion string
	Capabilities    Capabilities
	ServerName      string
	ServerVersion   string
	Instructions    string
}

// gatewayServerName is the literal synthesized server-info name for
// every merged initialize response (spec §4.4: 'synthesized server-info
// ("LocalRouter Unified Gateway")'; confirmed verbatim in
// merger.rs::merge_initialize_results and its unit test).
const gatewayServerName = "LocalRouter Unified Gateway"

// gatewayServerVersion is a fixed synthesized version string; upstream
// servers' own versions are not comparable in any meaningful way so the
// gateway reports its own.
const gatewayServerVersion = "1.0.0"

// ServerFailure records one upstream's failure during a broadcast, for
// the `_meta.failures` partial-failure report (spec §4.4 "Failure
// reporting").
type ServerFailure struct {
	ServerID string `json:"server_id"`
	Error    string `json:"error"`
}

// cachedList holds a merged list result with a TTL, per server-list
// cache (spec §4.4 step 5: "Cache the result with a TTL").
type cachedList struct {
	tools     []NamespacedTool
	resources []NamespacedResource
	prompts   []NamespacedPrompt
	failures  []ServerFailure
	expiresAt time.Time
}

func (c *cachedList) valid() bool { return c != nil && time.Now().Before(c.expiresAt) }
