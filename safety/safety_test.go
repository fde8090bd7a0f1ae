package safety

import (
	"context"
	"testing"

	"github.com/localrouter/localrouter/providers"
)

func TestWordFilterBlocksRequest(t *testing.T) {
	w := &WordFilterEngine{BlockedWords: []string{"forbidden"}}
	req := providers.Request{Messages: []providers.Message{{Role: "user", Content: "this is FORBIDDEN content"}}}

	v, err := w.ScanRequest(context.Background(), "c1", req)
	if err != nil {
		t.Fatal(err)
	}
	if v.Action != SafetyBlock {
		t.Fatalf("expected block, got %v", v.Action)
	}
}

func TestWordFilterCaseSensitive(t *testing.T) {
	w := &WordFilterEngine{BlockedWords: []string{"forbidden"}, CaseSensitive: true}
	req := providers.Request{Messages: []providers.Message{{Role: "user", Content: "this is FORBIDDEN content"}}}

	v, err := w.ScanRequest(context.Background(), "c1", req)
	if err != nil {
		t.Fatal(err)
	}
	if v.Action != SafetyAllow {
		t.Fatalf("expected allow under case-sensitive mismatch, got %v", v.Action)
	}
}

func TestWordFilterAllowsCleanContent(t *testing.T) {
	w := &WordFilterEngine{BlockedWords: []string{"forbidden"}}
	req := providers.Request{Messages: []providers.Message{{Role: "user", Content: "hello there"}}}

	v, _ := w.ScanRequest(context.Background(), "c1", req)
	if v.Action != SafetyAllow {
		t.Fatalf("expected allow, got %v", v.Action)
	}
}

func TestGateCheckRequestBlocks(t *testing.T) {
	gate := Gate{Engine: &WordFilterEngine{BlockedWords: []string{"bad"}}}
	err := gate.CheckRequest(context.Background(), "c1", providers.Request{Messages: []providers.Message{{Role: "user", Content: "bad idea"}}})
	if err == nil {
		t.Fatal("expected block error")
	}
}

func TestNoopEngineAllowsEverything(t *testing.T) {
	var e Engine = NoopEngine{}
	v, err := e.ScanRequest(context.Background(), "c1", providers.Request{})
	if err != nil || v.Action != SafetyAllow {
		t.Fatalf("expected allow, got %v err=%v", v.Action, err)
	}
}
