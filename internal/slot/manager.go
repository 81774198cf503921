// Package slot arbitrates the global pool of backend KV slots. A slot is
// held for the entire restore → chat → save span of one request; selection
// is free-or-oldest and the per-slot lock is the real arbiter.
package slot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// GSlot identifies a slot globally as a (backend, local slot) pair.
type GSlot struct {
	Backend int
	Slot    int
}

func (g GSlot) String() string {
	return fmt.Sprintf("%d/%d", g.Backend, g.Slot)
}

// Client is the slice of the backend client the manager needs for the
// restore-before-use and save-after-use RPCs.
type Client interface {
	RestoreSlot(ctx context.Context, localSlot int, key string) bool
	SaveSlot(ctx context.Context, localSlot int, key string) bool
}

// Manager owns the slot table. lastUsed stays zero until a slot's first save,
// which is what marks it "free" for selection; the per-slot semaphore
// serializes restore/chat/save on a slot across requests.
type Manager struct {
	clients []Client
	slots   []GSlot
	logger  zerolog.Logger

	mu       sync.Mutex
	lastUsed map[GSlot]time.Time
	locks    map[GSlot]chan struct{}
}

// NewManager builds the pool from per-backend slot counts. clients[i] serves
// every slot of backend i.
func NewManager(counts []int, clients []Client, logger zerolog.Logger) *Manager {
	m := &Manager{
		clients:  clients,
		logger:   logger,
		lastUsed: make(map[GSlot]time.Time),
		locks:    make(map[GSlot]chan struct{}),
	}

	total := 0
	for beID, n := range counts {
		for s := 0; s < n; s++ {
			g := GSlot{Backend: beID, Slot: s}
			m.slots = append(m.slots, g)
			m.lastUsed[g] = time.Time{}
			m.locks[g] = make(chan struct{}, 1)
			total++
		}
	}

	logger.Info().Int("n_backends", len(counts)).Int("total_slots", total).Msg("slot manager ready")
	return m
}

// Len returns the pool size.
func (m *Manager) Len() int {
	return len(m.slots)
}

// selectSlot implements free-or-oldest: the first never-used slot in table
// order, otherwise the slot with the smallest lastUsed (ties broken by table
// order). The selection is optimistic; the slot lock, not the table mutex,
// arbitrates between overlapping acquires.
func (m *Manager) selectSlot() GSlot {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.slots {
		if m.lastUsed[g].IsZero() {
			return g
		}
	}

	best := m.slots[0]
	for _, g := range m.slots[1:] {
		if m.lastUsed[g].Before(m.lastUsed[best]) {
			best = g
		}
	}
	return best
}

// AcquireForRequest selects a slot, takes its lock (blocking until the lock
// is free or ctx expires), and, when restoreKey is non-empty, restores that
// snapshot into the slot. The caller holds the lock until Release. The
// restored flag reports the restore RPC outcome; a failed restore is a cache
// miss, not an error.
func (m *Manager) AcquireForRequest(ctx context.Context, restoreKey string) (GSlot, bool, error) {
	g := m.selectSlot()

	select {
	case m.locks[g] <- struct{}{}:
	case <-ctx.Done():
		return GSlot{}, false, ctx.Err()
	}

	restored := false
	if restoreKey != "" {
		// The acquire deadline bounds waiting for the lock, not the restore
		// RPC; moving a multi-gigabyte snapshot gets the slot-op ceiling of
		// the backend client instead.
		restored = m.clients[g.Backend].RestoreSlot(context.WithoutCancel(ctx), g.Slot, restoreKey)
		m.logger.Info().
			Stringer("g", g).
			Str("key", shortKey(restoreKey)).
			Bool("ok", restored).
			Msg("restore before chat")
	}

	return g, restored, nil
}

// SaveAfter persists the slot's KV tensors under key. lastUsed is bumped
// whether or not the RPC succeeds: a failed save still leaves the slot's
// in-memory state dirty, so the pool must not keep treating it as pristine.
func (m *Manager) SaveAfter(ctx context.Context, g GSlot, key string) bool {
	ok := m.clients[g.Backend].SaveSlot(ctx, g.Slot, key)

	m.mu.Lock()
	m.lastUsed[g] = time.Now()
	m.mu.Unlock()

	return ok
}

// Release frees the slot's lock if held; releasing an unheld slot is a no-op
// so error paths can release unconditionally.
func (m *Manager) Release(g GSlot) {
	select {
	case <-m.locks[g]:
	default:
	}
}

// LastUsed reports the slot's lastUsed stamp (zero means never saved to).
func (m *Manager) LastUsed(g GSlot) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed[g]
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
