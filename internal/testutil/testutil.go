package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/neshat73/proxycache/internal/config"
	"github.com/neshat73/proxycache/internal/meta"
	"github.com/neshat73/proxycache/internal/store"
)

// NewMetaStore creates a meta store in a temporary directory.
// The store is automatically closed when the test completes.
func NewMetaStore(t *testing.T) *meta.Store {
	t.Helper()
	s, err := meta.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create test meta store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewTestStore creates a SQLite request log in a temporary directory.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewTestConfig returns a minimal valid config with temp directories.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MetaDir = t.TempDir()
	cfg.DataDir = t.TempDir()
	return cfg
}

// FakeSlotClient records slot RPCs and answers them with configurable
// results. It satisfies the slot manager's client interface.
type FakeSlotClient struct {
	mu        sync.Mutex
	restores  []string
	saves     []string
	RestoreOK bool
	SaveOK    bool
}

// NewFakeSlotClient returns a FakeSlotClient whose RPCs succeed.
func NewFakeSlotClient() *FakeSlotClient {
	return &FakeSlotClient{RestoreOK: true, SaveOK: true}
}

// RestoreSlot records the restore and returns RestoreOK.
func (f *FakeSlotClient) RestoreSlot(ctx context.Context, localSlot int, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, key)
	return f.RestoreOK
}

// SaveSlot records the save and returns SaveOK.
func (f *FakeSlotClient) SaveSlot(ctx context.Context, localSlot int, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, key)
	return f.SaveOK
}

// Restores returns the restore keys recorded so far.
func (f *FakeSlotClient) Restores() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.restores))
	copy(out, f.restores)
	return out
}

// Saves returns the save keys recorded so far.
func (f *FakeSlotClient) Saves() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.saves))
	copy(out, f.saves)
	return out
}
