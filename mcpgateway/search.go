package mcpgateway

import (
	"encoding/json"
	"regexp"
	"strings"
)

// searchToolName is the virtual tool exposed in deferred-loading mode
// in place of the full (hidden) catalog (spec §4.4 "Deferred loading").
const searchToolName = "search"

func searchToolDescriptor() NamespacedTool {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"type": {"type": "string", "enum": ["tool", "resource", "prompt"]},
			"limit": {"type": "integer"},
			"mode": {"type": "string", "enum": ["regex", "substring"]}
		},
		"required": ["query"]
	}`)
	return NamespacedTool{
		Tool: Tool{
			Name:        searchToolName,
			Description: "Search the full catalog of tools, resources, and prompts not currently activated in this session.",
			InputSchema: schema,
		},
		Namespaced:   searchToolName,
		OriginalName: searchToolName,
	}
}

// searchParams is the input shape for the virtual search tool.
type searchParams struct {
	Query string `json:"query"`
	Type  string `json:"type,omitempty"` // "tool" | "resource" | "prompt" | "" (all)
	Limit int    `json:"limit,omitempty"`
	Mode  string `json:"mode,omitempty"` // "regex" | "substring", default substring
}

type searchHit struct {
	Namespaced  string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func activatedOnly(d *deferredState) []NamespacedTool {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []NamespacedTool
	for _, t := range d.fullTools {
		if d.activatedTools[t.Namespaced] {
			out = append(out, t)
		}
	}
	return out
}

func activatedResourcesOnly(d *deferredState) []NamespacedResource {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []NamespacedResource
	for _, r := range d.fullResources {
		if d.activatedResources[r.Namespaced] {
			out = append(out, r)
		}
	}
	return out
}

func activatedPromptsOnly(d *deferredState) []NamespacedPrompt {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []NamespacedPrompt
	for _, p := range d.fullPrompts {
		if d.activatedPrompts[p.Namespaced] {
			out = append(out, p)
		}
	}
	return out
}

// runSearch scores every item in the full (hidden) catalog against
// query, preferring name matches over description matches, with regex
// matching when mode=="regex" and plain substring matching otherwise or
// when the regex does not compile (spec §4.4 "Deferred loading": "score matches name over description,
// regex with substring fallback"). Matched items are activated so
// subsequent list calls expose them.
func (g *Gateway) runSearch(sess *Session, p searchParams) ([]searchHit, error) {
	d := sess.Deferred
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	matcher, err := buildMatcher(p.Query, p.Mode)
	if err != nil {
		return nil, err
	}

	type scored struct {
		hit   searchHit
		score int
		kind  string
		name  string
	}
	var candidates []scored

	if p.Type == "" || p.Type == "tool" {
		for _, t := range d.fullTools {
			if s := scoreMatch(matcher, t.OriginalName, t.Description); s > 0 {
				candidates = append(candidates, scored{hit: searchHit{Namespaced: t.Namespaced, Type: "tool", Description: t.Description}, score: s, kind: "tools", name: t.Namespaced})
			}
		}
	}
	if p.Type == "" || p.Type == "resource" {
		for _, r := range d.fullResources {
			if s := scoreMatch(matcher, r.Resource.Name, r.Description); s > 0 {
				candidates = append(candidates, scored{hit: searchHit{Namespaced: r.Namespaced, Type: "resource", Description: r.Description}, score: s, kind: "resources", name: r.Namespaced})
			}
		}
	}
	if p.Type == "" || p.Type == "prompt" {
		for _, pr := range d.fullPrompts {
			if s := scoreMatch(matcher, pr.OriginalName, pr.Description); s > 0 {
				candidates = append(candidates, scored{hit: searchHit{Namespaced: pr.Namespaced, Type: "prompt", Description: pr.Description}, score: s, kind: "prompts", name: pr.Namespaced})
			}
		}
	}

	// Stable: higher score first, preserving catalog order within a tie
	// (the catalog is already sorted by (server-id, name)).
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hits := make([]searchHit, 0, len(candidates))
	for _, c := range candidates {
		d.activate(c.kind, c.name)
		hits = append(hits, c.hit)
	}
	return hits, nil
}

type matchFn func(field string) bool

func buildMatcher(query, mode string) (matchFn, error) {
	if mode == "regex" {
		if re, err := regexp.Compile(query); err == nil {
			return func(field string) bool { return re.MatchString(field) }, nil
		}
		// A pattern that does not compile falls back to substring matching.
	}
	q := strings.ToLower(query)
	return func(field string) bool { return strings.Contains(strings.ToLower(field), q) }, nil
}

// scoreMatch prefers a name match (2) over a description-only match (1);
// 0 means no match at all.
func scoreMatch(m matchFn, name, description string) int {
	if m(name) {
		return 2
	}
	if m(description) {
		return 1
	}
	return 0
}
