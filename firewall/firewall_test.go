package firewall

import (
	"context"
	"testing"
	"time"
)

func TestCheckAllowPolicy(t *testing.T) {
	rules := NewRules(Ask)
	rules.Set("t1", Allow)
	b := NewBroker(func(string) *Rules { return rules }, nil)

	if err := b.Check(context.Background(), "sess1", "client1", "t1", "srv", ""); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestCheckDenyPolicy(t *testing.T) {
	rules := NewRules(Ask)
	rules.Set("t1", Deny)
	b := NewBroker(func(string) *Rules { return rules }, nil)

	err := b.Check(context.Background(), "sess1", "client1", "t1", "srv", "")
	if !IsDenied(err) {
		t.Fatalf("expected denial, got %v", err)
	}
}

func TestCheckAskBlocksThenAllowOnce(t *testing.T) {
	rules := NewRules(Ask)
	b := NewBroker(func(string) *Rules { return rules }, nil)

	var openedID string
	b.OnApprovalOpened(func(pa *PendingApproval) {
		openedID = pa.ID
		go func() {
			time.Sleep(10 * time.Millisecond)
			b.Resolve(pa.ID, AllowOnce)
		}()
	})

	err := b.Check(context.Background(), "sess1", "client1", "t1", "srv", "{}")
	if err != nil {
		t.Fatalf("expected allow-once to succeed, got %v", err)
	}
	if openedID == "" {
		t.Fatal("expected approval-opened hook to fire")
	}

	// A second call must open a fresh approval: AllowOnce does not cache.
	b.OnApprovalOpened(func(pa *PendingApproval) {
		go b.Resolve(pa.ID, DenyOnce)
	})
	err = b.Check(context.Background(), "sess1", "client1", "t1", "srv", "{}")
	if !IsDenied(err) {
		t.Fatalf("expected second call to re-ask and be denied, got %v", err)
	}
}

func TestAllowSessionCaches(t *testing.T) {
	rules := NewRules(Ask)
	b := NewBroker(func(string) *Rules { return rules }, nil)
	b.OnApprovalOpened(func(pa *PendingApproval) {
		go b.Resolve(pa.ID, AllowSession)
	})

	if err := b.Check(context.Background(), "sess1", "client1", "t1", "srv", ""); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Second call in the same session should not re-open an approval.
	b.OnApprovalOpened(func(pa *PendingApproval) {
		t.Fatal("should not re-open approval within the same session")
	})
	if err := b.Check(context.Background(), "sess1", "client1", "t1", "srv", ""); err != nil {
		t.Fatalf("second call: %v", err)
	}
}

func TestAllowPermanentPersists(t *testing.T) {
	rules := NewRules(Ask)
	var persistedTool string
	var persistedAction Action
	b := NewBroker(func(string) *Rules { return rules }, func(clientID, tool string, action Action) {
		persistedTool, persistedAction = tool, action
	})
	b.OnApprovalOpened(func(pa *PendingApproval) {
		go b.Resolve(pa.ID, AllowPermanent)
	})

	if err := b.Check(context.Background(), "sess1", "client1", "t1", "srv", ""); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
	if persistedTool != "t1" || persistedAction != Allow {
		t.Fatalf("expected persisted Allow for t1, got tool=%s action=%v", persistedTool, persistedAction)
	}

	// Subsequent calls should now resolve straight to Allow from policy,
	// without opening an approval (spec S8: AllowPermanent short-circuits
	// future Asks).
	b.OnApprovalOpened(func(pa *PendingApproval) {
		t.Fatal("should not re-ask after AllowPermanent")
	})
	if err := b.Check(context.Background(), "sess2", "client1", "t1", "srv", ""); err != nil {
		t.Fatalf("expected allow from persisted rule, got %v", err)
	}
}

func TestApprovalCanceledContextDenies(t *testing.T) {
	rules := NewRules(Ask)
	b := NewBroker(func(string) *Rules { return rules }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancel() // pre-canceled: Check should return immediately via ctx.Done

	err := b.Check(ctx, "sess1", "client1", "t1", "srv", "")
	if !IsDenied(err) {
		t.Fatalf("expected denial on canceled context, got %v", err)
	}
}

func TestResolveUnknownIDReturnsFalse(t *testing.T) {
	b := NewBroker(func(string) *Rules { return NewRules(Ask) }, nil)
	if b.Resolve("nonexistent", AllowOnce) {
		t.Fatal("expected Resolve to fail for unknown id")
	}
}

func TestNoRulesConfiguredDenies(t *testing.T) {
	b := NewBroker(func(string) *Rules { return nil }, nil)
	err := b.Check(context.Background(), "sess1", "unknown-client", "t1", "srv", "")
	if !IsDenied(err) {
		t.Fatalf("expected denial when no rules configured, got %v", err)
	}
}
