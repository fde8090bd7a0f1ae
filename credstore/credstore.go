// Package credstore defines the credential-store contract (spec §6): an
// external collaborator that persists secrets keyed by (service, account).
// The core never implements real keychain access; it only consumes this
// interface, translating any underlying failure into an opaque
// "keychain access failed" error at the boundary.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/localrouter/localrouter/lrerrors"
)

// Store is the credential-store contract.
type Store interface {
	Store(ctx context.Context, service, account, secret string) error
	Get(ctx context.Context, service, account string) (string, bool, error)
	Delete(ctx context.Context, service, account string) error
}

// Wrap translates any error from the underlying store into the opaque,
// user-visible "keychain access failed" error, per spec §6. The original
// error is preserved as the cause for logs, never shown to the caller.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return lrerrors.Wrap(lrerrors.Internal, "keychain access failed", err)
}

// MemStore is an in-memory reference implementation of Store, suitable for
// tests and for environments with no real OS keychain (the core treats the
// keychain as an external collaborator; this is a stand-in, not a
// production secret store).
type MemStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemStore creates an empty in-memory credential store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string)}
}

func memKey(service, account string) string { return service + "\x00" + account }

func (m *MemStore) Store(ctx context.Context, service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[memKey(service, account)] = secret
	return nil
}

func (m *MemStore) Get(ctx context.Context, service, account string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[memKey(service, account)]
	return v, ok, nil
}

func (m *MemStore) Delete(ctx context.Context, service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, memKey(service, account))
	return nil
}

// FileStore is a JSON-file-backed Store for single-node local
// deployments that have no OS keychain available (e.g. a headless
// server). Every mutation rewrites the whole file, mirroring
// ratelimit.Engine's persistence pattern (load-best-effort-at-startup,
// write-whole-file-on-change); acceptable here since a deployment's
// client-secret count is small.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// NewFileStore opens (or creates) a JSON secret file at path. A missing
// or corrupt file is treated as empty, never as a startup error -- the
// first Store call will create it.
func NewFileStore(path string) *FileStore {
	fs := &FileStore{path: path, data: make(map[string]string)}
	fs.load()
	return fs
}

func (f *FileStore) load() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &f.data)
}

func (f *FileStore) persist() error {
	data, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential file: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create credential file dir: %w", err)
		}
	}
	return os.WriteFile(f.path, data, 0o600)
}

func (f *FileStore) Store(ctx context.Context, service, account, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[memKey(service, account)] = secret
	return f.persist()
}

func (f *FileStore) Get(ctx context.Context, service, account string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[memKey(service, account)]
	return v, ok, nil
}

func (f *FileStore) Delete(ctx context.Context, service, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, memKey(service, account))
	return f.persist()
}
