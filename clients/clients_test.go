package clients

import (
	"context"
	"testing"

	"github.com/localrouter/localrouter/credstore"
)

func TestCreateAndVerifyCredentials(t *testing.T) {
	ctx := context.Background()
	m := NewManager(credstore.NewMemStore())

	id, secret, err := m.Create(ctx, "c1", "strategy-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c, ok := m.VerifyCredentials(ctx, id, secret)
	if !ok || c.ID != id {
		t.Fatal("expected valid credentials to verify")
	}

	if _, ok := m.VerifyCredentials(ctx, id, "wrong-secret"); ok {
		t.Fatal("expected wrong secret to fail verification")
	}
}

func TestDisabledClientDoesNotVerify(t *testing.T) {
	ctx := context.Background()
	m := NewManager(credstore.NewMemStore())
	id, secret, _ := m.Create(ctx, "c1", "s1")

	if err := m.SetEnabled(id, false); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.VerifyCredentials(ctx, id, secret); ok {
		t.Fatal("disabled client must not verify")
	}
	if _, ok := m.VerifySecret(ctx, secret); ok {
		t.Fatal("disabled client must not verify via bearer mode")
	}
}

func TestVerifySecretBearerMode(t *testing.T) {
	ctx := context.Background()
	m := NewManager(credstore.NewMemStore())
	id, secret, _ := m.Create(ctx, "c1", "s1")

	c, ok := m.VerifySecret(ctx, secret)
	if !ok || c.ID != id {
		t.Fatal("expected bearer-mode verification to succeed")
	}
}

func TestRotateSecretInvalidatesOld(t *testing.T) {
	ctx := context.Background()
	m := NewManager(credstore.NewMemStore())
	id, oldSecret, _ := m.Create(ctx, "c1", "s1")

	newSecret, err := m.RotateSecret(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if newSecret == oldSecret {
		t.Fatal("expected a different secret after rotation")
	}
	if _, ok := m.VerifyCredentials(ctx, id, oldSecret); ok {
		t.Fatal("old secret must no longer verify")
	}
	if _, ok := m.VerifyCredentials(ctx, id, newSecret); !ok {
		t.Fatal("new secret must verify")
	}
}

func TestDeleteRemovesClientAndSecret(t *testing.T) {
	ctx := context.Background()
	m := NewManager(credstore.NewMemStore())
	id, secret, _ := m.Create(ctx, "c1", "s1")

	if err := m.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(id); ok {
		t.Fatal("expected client removed from memory")
	}
	if _, ok := m.VerifyCredentials(ctx, id, secret); ok {
		t.Fatal("expected secret deleted from credential store")
	}
}

func TestAddExistingIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(credstore.NewMemStore())
	c := newEmptyClient("bootstrap", "s1")

	secret1, err := m.AddExisting(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	secret2, err := m.AddExisting(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if secret1 == secret2 {
		t.Fatal("expected a fresh secret on each AddExisting call")
	}
	if len(m.List()) != 1 {
		t.Fatal("expected duplicate in-memory insertion to be skipped")
	}
}
