package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRequestRateLimiter(t *testing.T) {
	e := NewEngine("", nil)
	e.SetConfigs("test-key", []Config{{Kind: Requests, Value: 5, WindowSeconds: 10}})
	ctx := context.Background()
	usage := Usage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.01}

	for i := 0; i < 5; i++ {
		r := e.Check(ctx, "test-key")
		if !r.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		e.Record(ctx, "test-key", usage)
	}

	r := e.Check(ctx, "test-key")
	if r.Allowed {
		t.Fatal("6th request should be rate limited")
	}
	if r.RetryAfterSecs < 0 {
		t.Fatal("expected non-negative retry-after")
	}
}

func TestTokenRateLimiterPostHoc(t *testing.T) {
	e := NewEngine("", nil)
	e.SetConfigs("test-key", []Config{{Kind: TotalTokens, Value: 1000, WindowSeconds: 60}})
	ctx := context.Background()

	e.Record(ctx, "test-key", Usage{InputTokens: 300, OutputTokens: 200})
	current, limit, _, ok := e.Snapshot("test-key", TotalTokens)
	if !ok || current != 500 || limit != 1000 {
		t.Fatalf("unexpected snapshot: current=%v limit=%v ok=%v", current, limit, ok)
	}

	// Token limits are never checked pre-call, only recorded post-call.
	r := e.Check(ctx, "test-key")
	if !r.Allowed {
		t.Fatal("token/cost limits must not block pre-request admission")
	}

	e.Record(ctx, "test-key", Usage{InputTokens: 400, OutputTokens: 200})
	current, _, _, _ = e.Snapshot("test-key", TotalTokens)
	if current != 1100 {
		t.Fatalf("expected current=1100 got %v", current)
	}
}

func TestSlidingWindowExpiry(t *testing.T) {
	e := NewEngine("", nil)
	e.SetConfigs("test-key", []Config{{Kind: Requests, Value: 2, WindowSeconds: 1}})
	ctx := context.Background()

	e.Record(ctx, "test-key", Usage{})
	e.Record(ctx, "test-key", Usage{})

	if e.Check(ctx, "test-key").Allowed {
		t.Fatal("expected rate limited before window expiry")
	}

	time.Sleep(1100 * time.Millisecond)

	if !e.Check(ctx, "test-key").Allowed {
		t.Fatal("expected allowed after window expiry")
	}
	current, _, _, _ := e.Snapshot("test-key", Requests)
	if current != 0 {
		t.Fatalf("expected expired events pruned, got current=%v", current)
	}
}

func TestZeroWindowNeverExpires(t *testing.T) {
	e := NewEngine("", nil)
	e.SetConfigs("s", []Config{{Kind: Requests, Value: 1, WindowSeconds: 0}})
	ctx := context.Background()

	e.Record(ctx, "s", Usage{})
	if e.Check(ctx, "s").Allowed {
		t.Fatal("zero window should behave as manual-only and stay denied")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	e1 := NewEngine(path, nil)
	e1.SetConfigs("test-key", []Config{{Kind: Requests, Value: 10, WindowSeconds: 60}})
	for i := 0; i < 3; i++ {
		e1.Record(ctx, "test-key", Usage{})
	}
	if err := e1.PersistState(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	e2 := NewEngine(path, nil)
	e2.SetConfigs("test-key", []Config{{Kind: Requests, Value: 10, WindowSeconds: 60}})
	e2.LoadState(ctx)

	current, _, _, ok := e2.Snapshot("test-key", Requests)
	if !ok || current != 3 {
		t.Fatalf("expected restored current=3, got %v ok=%v", current, ok)
	}
}

func TestLoadStateDiscardsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(path, nil)
	e.LoadState(context.Background()) // must not panic
}
