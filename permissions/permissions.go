// Package permissions implements the three-level ternary permission
// resolution shared by model, MCP-server, and skill permission maps: a
// lookup walks specific key -> group key -> global default, and the first
// non-Inherit entry wins. A map with no rules at all resolves to Off.
package permissions

import "sync"

// State is the ternary permission value.
type State int

const (
	Inherit State = iota
	Allow
	Off
)

// Key identifies one permission lookup: a specific key (e.g.
// "openai/gpt-4", a skill name, or a server-id), and its group key (e.g.
// "openai", or a server-id with no specific sub-key). Group may be empty
// when the caller has no natural grouping for the specific key.
type Key struct {
	Specific string
	Group    string
}

// Map is a concurrency-safe three-level permission map: specific rules,
// group rules, and a single global default.
type Map struct {
	mu       sync.RWMutex
	specific map[string]State
	group    map[string]State
	global   State
}

// NewMap creates an empty Map. The global default resolves to Off per the
// "a map with no rules defaults to Off" invariant.
func NewMap() *Map {
	return &Map{
		specific: make(map[string]State),
		group:    make(map[string]State),
		global:   Inherit,
	}
}

// Resolve walks specific -> group -> global and returns the first
// non-Inherit state, or false (Off) if every level is Inherit.
//
// Callers never learn which level produced the verdict -- they see only
// the resolved boolean, which is the polymorphic-resolution property this
// type exists to guarantee.
func (m *Map) Resolve(key Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.specific[key.Specific]; ok && s != Inherit {
		return s == Allow
	}
	if key.Group != "" {
		if s, ok := m.group[key.Group]; ok && s != Inherit {
			return s == Allow
		}
	}
	if m.global != Inherit {
		return m.global == Allow
	}
	return false
}

// SetSpecific sets the permission state for a specific key.
func (m *Map) SetSpecific(key string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specific[key] = state
}

// SetGroup sets the permission state for a group key.
func (m *Map) SetGroup(group string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.group[group] = state
}

// SetGlobal sets the global default state.
func (m *Map) SetGlobal(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = state
}

// Clone returns a deep copy, used when duplicating a client record (e.g.
// AddExisting) without aliasing its permission state.
func (m *Map) Clone() *Map {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := NewMap()
	for k, v := range m.specific {
		cp.specific[k] = v
	}
	for k, v := range m.group {
		cp.group[k] = v
	}
	cp.global = m.global
	return cp
}
