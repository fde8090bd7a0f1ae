package mcpgateway

import "sort"

// serverResult pairs one upstream server's raw list/initialize result
// with the server it came from, or the error it failed with. The
// broadcast fan-out (gateway.go) produces these; merge*/ consume them.
type serverResult[T any] struct {
	Server ServerInfo
	Items  []T
	Err    error
}

func partitionFailures[T any](results []serverResult[T]) (ok []serverResult[T], failures []ServerFailure) {
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, ServerFailure{ServerID: r.Server.ID, Error: r.Err.Error()})
			continue
		}
		ok = append(ok, r)
	}
	return ok, failures
}

// mergeTools namespaces every tool as "{display-name}__{original-name}"
// and sorts by (server-id, original name), matching merger.rs's
// merge_tools sort key exactly: `a.server_id.cmp(&b.server_id)
// .then_with(|| a.name.cmp(&b.name))`.
func mergeTools(results []serverResult[Tool]) ([]NamespacedTool, []ServerFailure) {
	ok, failures := partitionFailures(results)

	var out []NamespacedTool
	for _, r := range ok {
		for _, t := range r.Items {
			out = append(out, NamespacedTool{
				Tool:         t,
				Namespaced:   applyNamespace(r.Server.DisplayName, t.Name),
				OriginalName: t.Name,
				ServerID:     r.Server.ID,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].OriginalName < out[j].OriginalName
	})
	return out, failures
}

func mergeResources(results []serverResult[Resource]) ([]NamespacedResource, []ServerFailure) {
	ok, failures := partitionFailures(results)

	var out []NamespacedResource
	for _, r := range ok {
		for _, res := range r.Items {
			out = append(out, NamespacedResource{
				Resource:    res,
				Namespaced:  applyNamespace(r.Server.DisplayName, res.Name),
				OriginalURI: res.URI,
				ServerID:    r.Server.ID,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Resource.Name < out[j].Resource.Name
	})
	return out, failures
}

func mergePrompts(results []serverResult[Prompt]) ([]NamespacedPrompt, []ServerFailure) {
	ok, failures := partitionFailures(results)

	var out []NamespacedPrompt
	for _, r := range ok {
		for _, p := range r.Items {
			out = append(out, NamespacedPrompt{
				Prompt:       p,
				Namespaced:   applyNamespace(r.Server.DisplayName, p.Name),
				OriginalName: p.Name,
				ServerID:     r.Server.ID,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].OriginalName < out[j].OriginalName
	})
	return out, failures
}

// serverInit is one upstream's initialize response (or error), input to
// mergeInitializeResults.
type serverInit struct {
	Server ServerInfo
	Result InitializeResult
	Err    error
}

// mergeInitializeResults merges N upstream initialize responses into
// one synthesized handshake (spec §4.4 step 4; grounded on
// merger.rs::merge_initialize_results): the MINIMUM protocol version
// across all successful responses (Rust uses `.min()` on the version
// string), the union of every capability flag, and a literal
// synthesized server identity rather than any upstream's own.
func mergeInitializeResults(results []serverInit) (InitializeResult, []ServerFailure) {
	var failures []ServerFailure
	var minVersion string
	var caps Capabilities

	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, ServerFailure{ServerID: r.Server.ID, Error: r.Err.Error()})
			continue
		}
		if minVersion == "" || r.Result.ProtocolVersion < minVersion {
			minVersion = r.Result.ProtocolVersion
		}
		caps.Tools = caps.Tools || r.Result.Capabilities.Tools
		caps.Resources = caps.Resources || r.Result.Capabilities.Resources
		caps.Prompts = caps.Prompts || r.Result.Capabilities.Prompts
		caps.Logging = caps.Logging || r.Result.Capabilities.Logging
		caps.ToolsListChanged = caps.ToolsListChanged || r.Result.Capabilities.ToolsListChanged
		caps.ResourcesListChanged = caps.ResourcesListChanged || r.Result.Capabilities.ResourcesListChanged
		caps.PromptsListChanged = caps.PromptsListChanged || r.Result.Capabilities.PromptsListChanged
	}

	merged := InitializeResult{
		ProtocolVersion: minVersion,
		Capabilities:    caps,
		ServerName:      gatewayServerName,
		ServerVersion:   gatewayServerVersion,
	}
	return merged, failures
}
