// Package deploy is the shared deployment-config layer used by both
// cmd/localrouter (the gateway process) and cmd/localrouter-cli (the
// offline admin tool): one YAML file is the single source of truth for
// providers, strategies, clients, MCP servers, the credential-store
// driver, and the access-log driver. There is no remote config service
// (spec §1: a local, single-tenant-operator gateway).
package deploy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/localrouter/localrouter/firewall"
	"github.com/localrouter/localrouter/mcpmanager"
)

// Config is the on-disk deployment descriptor.
type Config struct {
	Listen string `yaml:"listen"`

	CredentialStore CredentialStoreConfig `yaml:"credential_store"`
	AccessLog       AccessLogConfig       `yaml:"access_log"`
	RequestLog      RequestLogConfig      `yaml:"request_log"`
	RateLimitState  string                `yaml:"rate_limit_state_path"`

	Providers  []ProviderConfig  `yaml:"providers"`
	Strategies []StrategyConfig  `yaml:"strategies"`
	Clients    []ClientConfig    `yaml:"clients"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// CredentialStoreConfig selects the client-secret backing store.
type CredentialStoreConfig struct {
	// Driver is "memory" (default, secrets lost on restart) or "file"
	// (JSON file at Path).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AccessLogConfig selects the generation-tracker backend.
type AccessLogConfig struct {
	// Driver is "noop" (default), "sqlite", or "postgres".
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	RetentionHours int    `yaml:"retention_hours"`
}

// RequestLogConfig selects the per-stage diagnostic request-trace
// backend, distinct from AccessLog's per-generation billing record: it
// logs one row per dispatch stage (request received, candidate
// dispatched, error) correlated by trace id, for operator debugging
// rather than billing.
type RequestLogConfig struct {
	// Driver is "noop" (default), "sqlite", or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ProviderConfig configures one upstream LLM provider adapter. APIKeyEnv
// names an environment variable rather than embedding the secret in the
// file directly, so the deployment file itself can be committed to
// version control.
type ProviderConfig struct {
	Name        string   `yaml:"name"` // registry key, e.g. "openai"
	Type        string   `yaml:"type"` // openai|anthropic|azure_openai|bedrock|cohere|deepseek|fireworks|gemini|groq|mistral|ollama|perplexity|replicate|together|ai21
	APIKeyEnv   string   `yaml:"api_key_env"`
	BaseURL     string   `yaml:"base_url"`
	Region      string   `yaml:"region"`      // bedrock
	Deployment  string   `yaml:"deployment"`  // azure_openai
	APIVersion  string   `yaml:"api_version"` // azure_openai
	Models      []string `yaml:"models"`      // ollama/replicate text models
	ImageModels []string `yaml:"image_models"` // replicate
}

func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// StrategyConfig configures one named model-selection policy that
// clients reference by StrategyID.
type StrategyConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // available|forced|prioritized

	// Available
	Pairs             []string `yaml:"pairs"`
	ProviderWildcards []string `yaml:"provider_wildcards"`

	// Forced
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// Prioritized
	Candidates []CandidateConfig `yaml:"candidates"`
}

// CandidateConfig is one entry in a Prioritized strategy's ordered list.
type CandidateConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// PermissionConfig mirrors permissions.Map's three resolution levels.
type PermissionConfig struct {
	Global   string            `yaml:"global"` // "allow" | "off" | "" (inherit)
	Specific map[string]string `yaml:"specific"`
	Group    map[string]string `yaml:"group"`
}

// RateLimitConfig configures one admission-control rule for a client.
type RateLimitConfig struct {
	Kind          string  `yaml:"kind"` // requests|input_tokens|output_tokens|total_tokens|cost
	Value         float64 `yaml:"value"`
	WindowSeconds int64   `yaml:"window_seconds"`
}

// ClientConfig is one pre-provisioned client bootstrapped at startup via
// clients.Manager.AddExisting.
type ClientConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Enabled    *bool  `yaml:"enabled"`
	StrategyID string `yaml:"strategy_id"`

	ModelPermissions     PermissionConfig `yaml:"model_permissions"`
	MCPServerPermissions PermissionConfig `yaml:"mcp_server_permissions"`
	SkillPermissions     PermissionConfig `yaml:"skill_permissions"`

	MCPDeferredLoading bool  `yaml:"mcp_deferred_loading"`
	MCPSamplingEnabled bool  `yaml:"mcp_sampling_enabled"`
	GuardrailsEnabled  *bool `yaml:"guardrails_enabled"`

	RateLimits []RateLimitConfig `yaml:"rate_limits"`

	// FirewallDefault is the fallback Allow/Deny/Ask action for tool
	// calls with no specific or group rule (default "ask").
	FirewallDefault string            `yaml:"firewall_default"`
	FirewallRules   map[string]string `yaml:"firewall_rules"`       // namespaced tool -> action
	FirewallGroups  map[string]string `yaml:"firewall_group_rules"` // server display name -> action
}

// MCPServerConfig configures one upstream MCP server launched as a local
// stdio subprocess.
type MCPServerConfig struct {
	ID                string   `yaml:"id"`
	DisplayName       string   `yaml:"display_name"`
	Command           string   `yaml:"command"`
	Args              []string `yaml:"args"`
	Env               []string `yaml:"env"`
	SupportsStreaming bool     `yaml:"supports_streaming"`
}

// ToServerConfig converts the YAML-level description into the
// mcpmanager.ServerConfig its StdioManager constructor expects.
func (c MCPServerConfig) ToServerConfig() mcpmanager.ServerConfig {
	return mcpmanager.ServerConfig{
		ID:                c.ID,
		Command:           c.Command,
		Args:              c.Args,
		Env:               c.Env,
		SupportsStreaming: c.SupportsStreaming,
	}
}

// LoadConfig reads and parses a YAML deployment file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8787"
	}
	return &cfg, nil
}

func parseFirewallAction(s string) (firewall.Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return firewall.Allow, true
	case "deny":
		return firewall.Deny, true
	case "ask", "":
		return firewall.Ask, true
	default:
		return firewall.Ask, false
	}
}
