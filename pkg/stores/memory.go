package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/resilience/pkg/state"
)

// MemoryBackend keeps everything in process memory. Nothing survives a
// restart and Cleanup never removes anything.
type MemoryBackend struct {
	mu        sync.RWMutex
	states    map[string]*state.Entry
	history   map[string][]*state.Entry
	snapshots map[string][]*state.Snapshot
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		states:    make(map[string]*state.Entry),
		history:   make(map[string][]*state.Entry),
		snapshots: make(map[string][]*state.Snapshot),
	}
}

// SaveState stores entry as current and appends it to the history.
func (b *MemoryBackend) SaveState(_ context.Context, resourceID string, entry *state.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.states[resourceID] = entry.Clone()
	b.history[resourceID] = append(b.history[resourceID], entry.Clone())
	return nil
}

// SaveSnapshot appends a snapshot.
func (b *MemoryBackend) SaveSnapshot(_ context.Context, resourceID string, snapshot *state.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.snapshots[resourceID] = append(b.snapshots[resourceID], snapshot.Clone())
	return nil
}

// LoadState returns the current entry or nil.
func (b *MemoryBackend) LoadState(_ context.Context, resourceID string) (*state.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.states[resourceID].Clone(), nil
}

// LoadHistory returns the history in chronological order.
func (b *MemoryBackend) LoadHistory(_ context.Context, resourceID string, limit int) ([]*state.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	history := tail(b.history[resourceID], limit)
	out := make([]*state.Entry, len(history))
	for i, e := range history {
		out[i] = e.Clone()
	}
	return out, nil
}

// LoadSnapshots returns snapshots in chronological order.
func (b *MemoryBackend) LoadSnapshots(_ context.Context, resourceID string, limit int) ([]*state.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snapshots := tail(b.snapshots[resourceID], limit)
	out := make([]*state.Snapshot, len(snapshots))
	for i, s := range snapshots {
		out[i] = s.Clone()
	}
	return out, nil
}

// ResourceIDs returns every resource with a current state, sorted.
func (b *MemoryBackend) ResourceIDs(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.states))
	for id := range b.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Cleanup is a no-op for the memory backend.
func (b *MemoryBackend) Cleanup(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// Stats reports record counts.
func (b *MemoryBackend) Stats(_ context.Context) (map[string]interface{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	historyCount, snapshotCount := 0, 0
	for _, h := range b.history {
		historyCount += len(h)
	}
	for _, s := range b.snapshots {
		snapshotCount += len(s)
	}
	return map[string]interface{}{
		"backend":        "memory",
		"state_count":    len(b.states),
		"history_count":  historyCount,
		"snapshot_count": snapshotCount,
	}, nil
}

// Close releases nothing.
func (b *MemoryBackend) Close() error {
	return nil
}

// tail returns the newest limit items of s; limit <= 0 returns all.
func tail[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}

var _ state.Backend = (*MemoryBackend)(nil)
