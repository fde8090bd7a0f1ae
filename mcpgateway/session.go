package mcpgateway

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultSessionIdleTTL is how long a session survives without any
// request before it is eligible for eviction (spec §3: "Sessions expire
// after idle TTL").
const DefaultSessionIdleTTL = 30 * time.Minute

// DefaultListCacheTTL is how long a merged broadcast result is cached
// before the next list call triggers a fresh broadcast-and-merge.
const DefaultListCacheTTL = 5 * time.Minute

// toolNameMapping resolves a namespaced tool name back to its owning
// server and original name, populated during tools/list merging (spec
// §4.4 step 5). InputSchema is carried alongside so tools/call argument
// validation (dispatch.go) doesn't need a second catalog lookup.
type toolNameMapping struct {
	ServerID     string
	OriginalName string
	InputSchema  json.RawMessage
}

// deferredState holds the full catalog for deferred-loading mode (spec
// §4.4 "Deferred loading"): filled, and overwritten, by each list
// broadcast rather than fetched at session creation, hidden from normal
// list calls, and exposed only through the virtual search tool until
// items are activated by a matching search.
type deferredState struct {
	fullTools     []NamespacedTool
	fullResources []NamespacedResource
	fullPrompts   []NamespacedPrompt

	mu                 sync.Mutex
	activatedTools     map[string]bool
	activatedResources map[string]bool
	activatedPrompts   map[string]bool
}

func newDeferredState() *deferredState {
	return &deferredState{
		activatedTools:     make(map[string]bool),
		activatedResources: make(map[string]bool),
		activatedPrompts:   make(map[string]bool),
	}
}

func (d *deferredState) activate(kind string, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case "tools":
		d.activatedTools[name] = true
	case "resources":
		d.activatedResources[name] = true
	case "prompts":
		d.activatedPrompts[name] = true
	}
}

// Session is the per-client gateway session (spec §3 "Gateway
// session"): allowed servers, cached catalogs, the tool/resource/prompt
// namespace mapping, deferred-loading state, and last-activity time.
// Firewall session approvals are tracked separately by firewall.Broker,
// keyed by this session's ID.
type Session struct {
	ID             string
	ClientID       string
	AllowedServers []ServerInfo

	mu          sync.RWMutex
	toolsCache  *cachedList
	toolNames   map[string]toolNameMapping
	resourceURI map[string]toolNameMapping // namespaced or raw URI -> (server, original URI)
	promptNames map[string]toolNameMapping

	Deferred *deferredState // nil unless the client opted into deferred loading

	lastActivity time.Time
}

func newSession(id, clientID string, servers []ServerInfo, deferred bool) *Session {
	s := &Session{
		ID:             id,
		ClientID:       clientID,
		AllowedServers: servers,
		toolNames:      make(map[string]toolNameMapping),
		resourceURI:    make(map[string]toolNameMapping),
		promptNames:    make(map[string]toolNameMapping),
		lastActivity:   time.Now(),
	}
	if deferred {
		s.Deferred = newDeferredState()
	}
	return s
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastActivity)
}

func (s *Session) cachedTools() ([]NamespacedTool, []ServerFailure, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.toolsCache.valid() {
		return nil, nil, false
	}
	return s.toolsCache.tools, s.toolsCache.failures, true
}

func (s *Session) setToolsCache(tools []NamespacedTool, resources []NamespacedResource, prompts []NamespacedPrompt, failures []ServerFailure, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolsCache = &cachedList{tools: tools, resources: resources, prompts: prompts, failures: failures, expiresAt: time.Now().Add(ttl)}

	for _, t := range tools {
		s.toolNames[t.Namespaced] = toolNameMapping{ServerID: t.ServerID, OriginalName: t.OriginalName, InputSchema: t.InputSchema}
	}
	for _, r := range resources {
		s.resourceURI[r.Namespaced] = toolNameMapping{ServerID: r.ServerID, OriginalName: r.OriginalURI}
		// URI-fallback mapping (spec §4.4 "Resource direct routing"):
		// also index by the raw upstream URI so a request that supplies
		// `uri` instead of a namespaced `name` still resolves.
		s.resourceURI[r.OriginalURI] = toolNameMapping{ServerID: r.ServerID, OriginalName: r.OriginalURI}
	}
	for _, p := range prompts {
		s.promptNames[p.Namespaced] = toolNameMapping{ServerID: p.ServerID, OriginalName: p.OriginalName}
	}
}

// invalidateToolsCache drops the cached list so the next list call
// triggers a fresh broadcast-and-merge (spec §4.4 "Cache invalidation").
func (s *Session) invalidateToolsCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolsCache = nil
}

func (s *Session) resolveTool(namespaced string) (toolNameMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.toolNames[namespaced]
	return m, ok
}

func (s *Session) resolveResource(nameOrURI string) (toolNameMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.resourceURI[nameOrURI]
	return m, ok
}

func (s *Session) resolvePrompt(namespaced string) (toolNameMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.promptNames[namespaced]
	return m, ok
}

// sessionStore owns all live sessions, one per client-id (spec §3 keys
// sessions "by client-id").
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*Session)}
}

func (st *sessionStore) getOrCreate(clientID string, servers []ServerInfo, deferred bool) *Session {
	st.mu.RLock()
	s, ok := st.sessions[clientID]
	st.mu.RUnlock()
	if ok {
		s.touch()
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[clientID]; ok {
		s.touch()
		return s
	}
	s = newSession(clientID, clientID, servers, deferred)
	st.sessions[clientID] = s
	return s
}

// sweepExpired removes sessions idle past ttl. Called periodically by
// the gateway, not on every request (spec §9's "lazy removal" pattern
// is used for the firewall trackers; sessions get an explicit sweep so
// the caller can also end each expired session's firewall approval set).
func (st *sessionStore) sweepExpired(ttl time.Duration) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var expired []string
	for id, s := range st.sessions {
		if s.idleSince() > ttl {
			expired = append(expired, id)
			delete(st.sessions, id)
		}
	}
	return expired
}
