package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/credstore"
	"github.com/localrouter/localrouter/firewall"
	"github.com/localrouter/localrouter/permissions"
	"github.com/localrouter/localrouter/ratelimit"
)

// BuildCredStore selects the client-secret backing store named by cfg.
func BuildCredStore(cfg CredentialStoreConfig) credstore.Store {
	if cfg.Driver == "file" && cfg.Path != "" {
		return credstore.NewFileStore(cfg.Path)
	}
	return credstore.NewMemStore()
}

func parseState(s string) permissions.State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return permissions.Allow
	case "off":
		return permissions.Off
	default:
		return permissions.Inherit
	}
}

func applyPermissionConfig(m *permissions.Map, pc PermissionConfig) {
	if pc.Global != "" {
		m.SetGlobal(parseState(pc.Global))
	}
	for k, v := range pc.Group {
		m.SetGroup(k, parseState(v))
	}
	for k, v := range pc.Specific {
		m.SetSpecific(k, parseState(v))
	}
}

// BootstrapClients registers every config-driven client with the Client
// Manager and returns the per-client firewall Rules needed to wire the
// firewall Broker. rl may be nil, in which case rate limits are not
// registered (used by the CLI, which has no running RateLimit engine).
func BootstrapClients(ctx context.Context, mgr *clients.Manager, rl *ratelimit.Engine, cfgs []ClientConfig) (map[string]*firewall.Rules, error) {
	rulesByClient := make(map[string]*firewall.Rules, len(cfgs))

	for _, cc := range cfgs {
		if cc.ID == "" {
			return nil, fmt.Errorf("client config missing id (name=%q)", cc.Name)
		}
		enabled := true
		if cc.Enabled != nil {
			enabled = *cc.Enabled
		}

		c := &clients.Client{
			ID:                   cc.ID,
			Name:                 cc.Name,
			Enabled:              enabled,
			StrategyID:           cc.StrategyID,
			ModelPermissions:     permissions.NewMap(),
			MCPServerPermissions: permissions.NewMap(),
			SkillPermissions:     permissions.NewMap(),
			MCPDeferredLoading:   cc.MCPDeferredLoading,
			MCPSamplingEnabled:   cc.MCPSamplingEnabled,
			GuardrailsEnabled:    cc.GuardrailsEnabled,
		}
		applyPermissionConfig(c.ModelPermissions, cc.ModelPermissions)
		applyPermissionConfig(c.MCPServerPermissions, cc.MCPServerPermissions)
		applyPermissionConfig(c.SkillPermissions, cc.SkillPermissions)

		secret, err := mgr.AddExisting(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("registering client %s: %w", cc.ID, err)
		}
		// Printed once at startup so the operator can copy it; never
		// logged again afterward (spec §4.7: secrets live only in the
		// credential store).
		fmt.Printf("client %-20s secret=%s\n", cc.ID, secret)

		def, _ := parseFirewallAction(cc.FirewallDefault)
		rules := firewall.NewRules(def)
		for tool, action := range cc.FirewallRules {
			if a, ok := parseFirewallAction(action); ok {
				rules.Set(tool, a)
			}
		}
		for server, action := range cc.FirewallGroups {
			if a, ok := parseFirewallAction(action); ok {
				rules.SetGroup(server, a)
			}
		}
		rulesByClient[cc.ID] = rules

		if rl != nil && len(cc.RateLimits) > 0 {
			rl.SetConfigs(cc.ID, buildRateLimitConfigs(cc.RateLimits))
		}
	}

	return rulesByClient, nil
}

func buildRateLimitConfigs(cfgs []RateLimitConfig) []ratelimit.Config {
	out := make([]ratelimit.Config, 0, len(cfgs))
	for _, c := range cfgs {
		var kind ratelimit.Kind
		switch strings.ToLower(c.Kind) {
		case "requests":
			kind = ratelimit.Requests
		case "input_tokens":
			kind = ratelimit.InputTokens
		case "output_tokens":
			kind = ratelimit.OutputTokens
		case "total_tokens":
			kind = ratelimit.TotalTokens
		case "cost":
			kind = ratelimit.Cost
		default:
			continue
		}
		out = append(out, ratelimit.Config{Kind: kind, Value: c.Value, WindowSeconds: c.WindowSeconds})
	}
	return out
}
