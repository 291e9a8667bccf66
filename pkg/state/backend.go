package state

import (
	"context"
	"time"
)

// Backend persists state entries, history and snapshots.
//
// LoadState returns (nil, nil) for unknown resources. LoadHistory and
// LoadSnapshots return records in chronological order; a positive limit
// keeps only the newest records.
type Backend interface {
	SaveState(ctx context.Context, resourceID string, entry *Entry) error
	SaveSnapshot(ctx context.Context, resourceID string, snapshot *Snapshot) error
	LoadState(ctx context.Context, resourceID string) (*Entry, error)
	LoadHistory(ctx context.Context, resourceID string, limit int) ([]*Entry, error)
	LoadSnapshots(ctx context.Context, resourceID string, limit int) ([]*Snapshot, error)
	ResourceIDs(ctx context.Context) ([]string, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Compactor is implemented by backends that can reclaim storage.
type Compactor interface {
	Compact(ctx context.Context) (map[string]interface{}, error)
}

// StatsReporter is implemented by backends that expose storage statistics.
type StatsReporter interface {
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// Repairer is implemented by backends that can detect and fix corrupt records.
type Repairer interface {
	Repair(ctx context.Context) (int, error)
}
