package permissions

import "testing"

func TestResolveSpecificWins(t *testing.T) {
	m := NewMap()
	m.SetGlobal(Off)
	m.SetGroup("openai", Off)
	m.SetSpecific("openai/gpt-4", Allow)

	if !m.Resolve(Key{Specific: "openai/gpt-4", Group: "openai"}) {
		t.Fatal("expected specific Allow to win over group/global Off")
	}
}

func TestResolveGroupFallback(t *testing.T) {
	m := NewMap()
	m.SetGlobal(Off)
	m.SetGroup("openai", Allow)

	if !m.Resolve(Key{Specific: "openai/gpt-4", Group: "openai"}) {
		t.Fatal("expected group Allow to win when specific is absent")
	}
}

func TestResolveDefaultsToOff(t *testing.T) {
	m := NewMap()
	if m.Resolve(Key{Specific: "openai/gpt-4", Group: "openai"}) {
		t.Fatal("expected empty map to resolve to Off")
	}
}

func TestResolveMonotonicityOff(t *testing.T) {
	m := NewMap()
	m.SetGlobal(Allow)
	m.SetGroup("openai", Allow)
	m.SetSpecific("openai/gpt-4", Off)

	if m.Resolve(Key{Specific: "openai/gpt-4", Group: "openai"}) {
		t.Fatal("expected specific Off to win over group/global Allow")
	}
}

func TestClone(t *testing.T) {
	m := NewMap()
	m.SetSpecific("a", Allow)
	cp := m.Clone()
	cp.SetSpecific("a", Off)

	if !m.Resolve(Key{Specific: "a"}) {
		t.Fatal("clone mutation leaked into original map")
	}
}
