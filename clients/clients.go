// Package clients implements the Client Manager (spec §2.D / §4.7): the
// authoritative in-memory registry of clients and the authentication
// oracle for both client-id+secret and bearer-secret-only auth modes.
package clients

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localrouter/localrouter/credstore"
	"github.com/localrouter/localrouter/permissions"
)

const credentialService = "client-secrets"

// Client is the in-memory record for one gateway client (spec §3).
type Client struct {
	ID         string
	Name       string
	Enabled    bool
	StrategyID string

	ModelPermissions     *permissions.Map
	MCPServerPermissions *permissions.Map
	SkillPermissions     *permissions.Map

	MCPDeferredLoading bool
	MCPSamplingEnabled bool

	GuardrailsEnabled *bool // Option<bool>: nil means "inherit default"

	CreatedAt time.Time
}

func newEmptyClient(name, strategyID string) *Client {
	return &Client{
		ID:                   uuid.NewString(),
		Name:                 name,
		Enabled:              true,
		StrategyID:           strategyID,
		ModelPermissions:     permissions.NewMap(),
		MCPServerPermissions: permissions.NewMap(),
		SkillPermissions:     permissions.NewMap(),
		CreatedAt:            time.Now(),
	}
}

// Manager owns the set of client records. Every mutating operation is
// single-writer for the whole client list (one RWMutex, per spec §5);
// reads may be concurrent.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client

	store credstore.Store
}

// NewManager creates a Manager backed by store for secret persistence.
func NewManager(store credstore.Store) *Manager {
	return &Manager{
		clients: make(map[string]*Client),
		store:   store,
	}
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return "lr-" + hex.EncodeToString(b), nil
}

// Create registers a brand-new client and returns its id and secret. The
// secret is stored only in the credential store, never kept in the
// in-memory record.
func (m *Manager) Create(ctx context.Context, name, strategyID string) (clientID, secret string, err error) {
	c := newEmptyClient(name, strategyID)
	secret, err = generateSecret()
	if err != nil {
		return "", "", err
	}
	if err := m.store.Store(ctx, credentialService, c.ID, secret); err != nil {
		return "", "", credstore.Wrap(err)
	}

	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()

	return c.ID, secret, nil
}

// AddExisting idempotently registers a config-driven client bootstrap: it
// always generates and stores a fresh secret, but skips duplicate
// in-memory insertion if a record with this id is already present.
func (m *Manager) AddExisting(ctx context.Context, c *Client) (secret string, err error) {
	secret, err = generateSecret()
	if err != nil {
		return "", err
	}
	if err := m.store.Store(ctx, credentialService, c.ID, secret); err != nil {
		return "", credstore.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[c.ID]; !exists {
		m.clients[c.ID] = c
	}
	return secret, nil
}

// Delete removes a client from memory and deletes its stored secret.
func (m *Manager) Delete(ctx context.Context, clientID string) error {
	m.mu.Lock()
	delete(m.clients, clientID)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, credentialService, clientID); err != nil {
		return credstore.Wrap(err)
	}
	return nil
}

// Get returns the client record for id, if present (regardless of
// enabled state).
func (m *Manager) Get(clientID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	return c, ok
}

// List returns a snapshot of all registered clients.
func (m *Manager) List() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// VerifyCredentials authenticates by (client-id, secret) using a
// constant-time comparison, returning the client only if it is enabled.
func (m *Manager) VerifyCredentials(ctx context.Context, clientID, secret string) (*Client, bool) {
	c, ok := m.Get(clientID)
	if !ok || !c.Enabled {
		return nil, false
	}
	stored, found, err := m.store.Get(ctx, credentialService, clientID)
	if err != nil || !found {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) != 1 {
		return nil, false
	}
	return c, true
}

// VerifySecret authenticates bearer-token mode: a linear scan over enabled
// clients comparing each stored secret. O(n), but n is typically
// single-digit; this trades efficiency for configuration simplicity, per
// spec §4.7's explicit tradeoff note.
func (m *Manager) VerifySecret(ctx context.Context, secret string) (*Client, bool) {
	for _, c := range m.List() {
		if !c.Enabled {
			continue
		}
		stored, found, err := m.store.Get(ctx, credentialService, c.ID)
		if err != nil || !found {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) == 1 {
			return c, true
		}
	}
	return nil, false
}

// RotateSecret generates and stores a fresh secret for clientID.
func (m *Manager) RotateSecret(ctx context.Context, clientID string) (newSecret string, err error) {
	if _, ok := m.Get(clientID); !ok {
		return "", fmt.Errorf("client not found: %s", clientID)
	}
	newSecret, err = generateSecret()
	if err != nil {
		return "", err
	}
	if err := m.store.Store(ctx, credentialService, clientID, newSecret); err != nil {
		return "", credstore.Wrap(err)
	}
	return newSecret, nil
}

// --------------------------------------------------------------- mutators --

func (m *Manager) mutate(clientID string, fn func(*Client)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return fmt.Errorf("client not found: %s", clientID)
	}
	fn(c)
	return nil
}

func (m *Manager) SetEnabled(clientID string, enabled bool) error {
	return m.mutate(clientID, func(c *Client) { c.Enabled = enabled })
}

func (m *Manager) Rename(clientID, name string) error {
	return m.mutate(clientID, func(c *Client) { c.Name = name })
}

func (m *Manager) SetStrategyID(clientID, strategyID string) error {
	return m.mutate(clientID, func(c *Client) { c.StrategyID = strategyID })
}

func (m *Manager) SetMCPDeferredLoading(clientID string, deferred bool) error {
	return m.mutate(clientID, func(c *Client) { c.MCPDeferredLoading = deferred })
}

func (m *Manager) SetMCPSamplingEnabled(clientID string, enabled bool) error {
	return m.mutate(clientID, func(c *Client) { c.MCPSamplingEnabled = enabled })
}

func (m *Manager) SetGuardrailsEnabled(clientID string, enabled *bool) error {
	return m.mutate(clientID, func(c *Client) { c.GuardrailsEnabled = enabled })
}
