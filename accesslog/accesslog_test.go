package accesslog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestTracker(t *testing.T) *SQLTracker {
	t.Helper()
	tr, err := NewSQLiteTracker(":memory:")
	if err != nil {
		t.Fatalf("new sqlite tracker: %v", err)
	}
	t.Cleanup(func() { _ = tr.db.Close() })
	return tr
}

func TestWriteAndList(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	g := Generation{
		ID:               uuid.NewString(),
		ClientID:         "client-a",
		APIKeyMasked:     MaskAPIKey("sk-abcdefghijklmnop"),
		Model:            "gpt-4o",
		Provider:         "openai",
		FinishReason:     "stop",
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		CostUSD:          0.002,
	}
	if err := tr.Write(ctx, g); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := tr.List(ctx, Query{ClientID: "client-a"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 1 || len(res.Data) != 1 {
		t.Fatalf("expected 1 generation, got total=%d data=%d", res.Total, len(res.Data))
	}
	if res.Data[0].Model != "gpt-4o" {
		t.Fatalf("expected model gpt-4o, got %s", res.Data[0].Model)
	}
}

func TestPruneRemovesOldRecords(t *testing.T) {
	tr := newTestTracker(t)
	tr.Retention = time.Hour
	ctx := context.Background()

	old := Generation{ID: uuid.NewString(), ClientID: "client-a", CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := Generation{ID: uuid.NewString(), ClientID: "client-a", CreatedAt: time.Now()}
	if err := tr.Write(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := tr.Write(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	if err := tr.PruneNow(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	res, err := tr.List(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 {
		t.Fatalf("expected 1 record after prune, got %d", res.Total)
	}
	if res.Data[0].ID != fresh.ID {
		t.Fatalf("expected the fresh record to survive, got %s", res.Data[0].ID)
	}
}

func TestMaskAPIKeyShortSecret(t *testing.T) {
	if got := MaskAPIKey("short"); got != "****" {
		t.Fatalf("expected fully masked short secret, got %q", got)
	}
}

func TestNoopTrackerDiscardsWrites(t *testing.T) {
	var n NoopTracker
	if err := n.Write(context.Background(), Generation{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	res, err := n.List(context.Background(), Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Data) != 0 {
		t.Fatalf("expected empty list from noop tracker")
	}
}
