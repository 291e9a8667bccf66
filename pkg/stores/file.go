package stores

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/resilience/pkg/state"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

const (
	statesDir    = "states"
	historyDir   = "history"
	snapshotsDir = "snapshots"
	tempDir      = "temp"
	corruptDir   = "corrupt"
	blobExt      = ".blob"
)

// FileConfig configures a FileBackend.
type FileConfig struct {
	// Root is the directory holding states/, history/, snapshots/, temp/
	// and corrupt/.
	Root string `yaml:"root"`

	// KeepHistory is how many history entries cleanup retains per resource.
	KeepHistory int `yaml:"keep_history" validate:"gte=0"`

	// KeepSnapshots is how many snapshots cleanup retains per resource.
	KeepSnapshots int `yaml:"keep_snapshots" validate:"gte=0"`

	// TerminatedRetention is the cleanup cutoff used when none is given.
	TerminatedRetention time.Duration `yaml:"terminated_retention"`

	// TempFileGrace protects in-flight temp files from cleanup.
	TempFileGrace time.Duration `yaml:"temp_file_grace"`
}

// FileBackend stores one blob per resource and record type. Every write is
// staged in temp/ and renamed into place; each file has its own lock.
type FileBackend struct {
	cfg FileConfig
	log *telemetry.Logger
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

// NewFileBackend creates the directory layout under cfg.Root.
func NewFileBackend(cfg FileConfig, logger *telemetry.Logger) (*FileBackend, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("file backend root is required")
	}
	if cfg.KeepHistory <= 0 {
		cfg.KeepHistory = 100
	}
	if cfg.KeepSnapshots <= 0 {
		cfg.KeepSnapshots = 10
	}
	if cfg.TerminatedRetention <= 0 {
		cfg.TerminatedRetention = 30 * 24 * time.Hour
	}
	if cfg.TempFileGrace <= 0 {
		cfg.TempFileGrace = time.Minute
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	for _, dir := range []string{statesDir, historyDir, snapshotsDir, tempDir, corruptDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &FileBackend{
		cfg:   cfg,
		log:   logger.NewComponentLogger("file_backend"),
		now:   time.Now,
		locks: make(map[string]*fileLock),
	}, nil
}

// Root returns the backend's root directory.
func (b *FileBackend) Root() string {
	return b.cfg.Root
}

func (b *FileBackend) path(dir, resourceID string) string {
	return filepath.Join(b.cfg.Root, dir, url.PathEscape(resourceID)+blobExt)
}

// lock serialises access to path. The entry is dropped once no caller
// holds or waits for it.
func (b *FileBackend) lock(path string) func() {
	b.mu.Lock()
	l, ok := b.locks[path]
	if !ok {
		l = &fileLock{}
		b.locks[path] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(b.locks, path)
		}
		b.mu.Unlock()
	}
}

// writeAtomic stages data in temp/ and renames it over path. Callers hold
// the lock for path.
func (b *FileBackend) writeAtomic(path string, data []byte) error {
	tmp := filepath.Join(b.cfg.Root, tempDir, filepath.Base(path)+"."+uuid.NewString()+".tmp")

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(path), err)
	}
	return nil
}

// backupCorrupt moves a corrupt file to corrupt/<dir>.<id>.<ns>.<rand>.blob,
// outside every directory that is listed for resources.
func (b *FileBackend) backupCorrupt(path string, cause error) {
	name := fmt.Sprintf("%s.%s.%d.%s%s",
		filepath.Base(filepath.Dir(path)),
		strings.TrimSuffix(filepath.Base(path), blobExt),
		b.now().UnixNano(),
		uuid.NewString()[:8],
		blobExt)
	backup := filepath.Join(b.cfg.Root, corruptDir, name)

	log := b.log.WithField("file", path).WithError(cause)
	if err := os.Rename(path, backup); err != nil {
		log.WithField("backup_error", err.Error()).Error("corrupt state file could not be backed up")
		return
	}
	log.WithField("backup", backup).Warn("corrupt state file backed up")
}

// readBlob decodes path into v. A missing file reports found=false. A
// corrupt file is backed up and reported as ErrCorrupt.
func (b *FileBackend) readBlob(path string, kind state.BlobKind, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := state.DecodeBlob(data, kind, v); err != nil {
		b.backupCorrupt(path, err)
		return false, err
	}
	return true, nil
}

// SaveState writes the current entry and appends it to the history file.
func (b *FileBackend) SaveState(_ context.Context, resourceID string, entry *state.Entry) error {
	data, err := state.EncodeBlob(state.BlobEntry, entry)
	if err != nil {
		return err
	}

	statePath := b.path(statesDir, resourceID)
	unlock := b.lock(statePath)
	err = b.writeAtomic(statePath, data)
	unlock()
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", resourceID, err)
	}

	historyPath := b.path(historyDir, resourceID)
	unlock = b.lock(historyPath)
	defer unlock()

	var history []*state.Entry
	if _, err := b.readBlob(historyPath, state.BlobHistory, &history); err != nil && !errors.Is(err, state.ErrCorrupt) {
		return err
	}
	history = append(history, entry)

	data, err = state.EncodeBlob(state.BlobHistory, history)
	if err != nil {
		return err
	}
	if err := b.writeAtomic(historyPath, data); err != nil {
		return fmt.Errorf("failed to append history for %s: %w", resourceID, err)
	}
	return nil
}

// SaveSnapshot appends a snapshot to the resource's snapshot file.
func (b *FileBackend) SaveSnapshot(_ context.Context, resourceID string, snapshot *state.Snapshot) error {
	path := b.path(snapshotsDir, resourceID)
	unlock := b.lock(path)
	defer unlock()

	var snapshots []*state.Snapshot
	if _, err := b.readBlob(path, state.BlobSnapshots, &snapshots); err != nil && !errors.Is(err, state.ErrCorrupt) {
		return err
	}
	snapshots = append(snapshots, snapshot)

	data, err := state.EncodeBlob(state.BlobSnapshots, snapshots)
	if err != nil {
		return err
	}
	if err := b.writeAtomic(path, data); err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", resourceID, err)
	}
	return nil
}

// LoadState returns the current entry. A corrupt state file is backed up
// and the newest history entry is returned in its place, if there is one.
func (b *FileBackend) LoadState(ctx context.Context, resourceID string) (*state.Entry, error) {
	path := b.path(statesDir, resourceID)
	unlock := b.lock(path)
	defer unlock()

	var entry state.Entry
	found, err := b.readBlob(path, state.BlobEntry, &entry)
	if found {
		return &entry, nil
	}
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, state.ErrCorrupt) {
		return nil, err
	}

	history, herr := b.LoadHistory(ctx, resourceID, 1)
	if herr != nil || len(history) == 0 {
		b.log.WithResourceID(resourceID).Warn("state unrecoverable, no usable history")
		return nil, nil
	}

	recovered := history[0]
	if data, eerr := state.EncodeBlob(state.BlobEntry, recovered); eerr == nil {
		if werr := b.writeAtomic(path, data); werr != nil {
			b.log.WithResourceID(resourceID).WithError(werr).Warn("failed to rewrite recovered state")
		}
	}
	b.log.WithResourceID(resourceID).Info("state recovered from history")
	return recovered, nil
}

// LoadHistory returns the resource's history in chronological order. A
// corrupt history file yields an empty history.
func (b *FileBackend) LoadHistory(_ context.Context, resourceID string, limit int) ([]*state.Entry, error) {
	path := b.path(historyDir, resourceID)
	unlock := b.lock(path)
	defer unlock()

	var history []*state.Entry
	if _, err := b.readBlob(path, state.BlobHistory, &history); err != nil && !errors.Is(err, state.ErrCorrupt) {
		return nil, err
	}
	return tail(history, limit), nil
}

// LoadSnapshots returns the resource's snapshots in chronological order.
func (b *FileBackend) LoadSnapshots(_ context.Context, resourceID string, limit int) ([]*state.Snapshot, error) {
	path := b.path(snapshotsDir, resourceID)
	unlock := b.lock(path)
	defer unlock()

	var snapshots []*state.Snapshot
	if _, err := b.readBlob(path, state.BlobSnapshots, &snapshots); err != nil && !errors.Is(err, state.ErrCorrupt) {
		return nil, err
	}
	return tail(snapshots, limit), nil
}

// ResourceIDs lists resources that have a state file.
func (b *FileBackend) ResourceIDs(_ context.Context) ([]string, error) {
	return b.listIDs(statesDir)
}

func (b *FileBackend) listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.cfg.Root, dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, blobExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Cleanup removes stale temp files, deletes TERMINATED resources whose last
// transition is before olderThan, and trims history and snapshots of the
// rest. A zero olderThan uses TerminatedRetention.
func (b *FileBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	if olderThan.IsZero() {
		olderThan = b.now().Add(-b.cfg.TerminatedRetention)
	}

	removed := b.cleanTemp()

	ids, err := b.ResourceIDs(ctx)
	if err != nil {
		return removed, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		entry, err := b.LoadState(ctx, id)
		if err != nil {
			b.log.WithResourceID(id).WithError(err).Warn("cleanup skipped resource")
			continue
		}

		if entry != nil {
			if rs, ok := entry.State.ResourceState(); ok && rs == state.ResourceTerminated && entry.Timestamp.Before(olderThan) {
				removed += b.deleteResource(id)
				continue
			}
		}

		n, err := b.trim(id, b.cfg.KeepHistory, b.cfg.KeepSnapshots)
		if err != nil {
			b.log.WithResourceID(id).WithError(err).Warn("failed to trim resource files")
		}
		removed += n
	}

	return removed, nil
}

func (b *FileBackend) cleanTemp() int {
	dir := filepath.Join(b.cfg.Root, tempDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := b.now().Add(-b.cfg.TempFileGrace)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}

func (b *FileBackend) deleteResource(resourceID string) int {
	removed := 0
	for _, dir := range []string{statesDir, historyDir, snapshotsDir} {
		path := b.path(dir, resourceID)
		unlock := b.lock(path)
		if err := os.Remove(path); err == nil {
			removed++
		}
		unlock()
	}
	b.log.WithResourceID(resourceID).Debug("removed terminated resource")
	return removed
}

// trim keeps the newest keepHistory entries and keepSnapshots snapshots.
// It returns how many records were dropped.
func (b *FileBackend) trim(resourceID string, keepHistory, keepSnapshots int) (int, error) {
	dropped := 0

	historyPath := b.path(historyDir, resourceID)
	unlock := b.lock(historyPath)
	var history []*state.Entry
	found, err := b.readBlob(historyPath, state.BlobHistory, &history)
	if found && len(history) > keepHistory {
		dropped += len(history) - keepHistory
		err = b.rewrite(historyPath, state.BlobHistory, history[len(history)-keepHistory:])
	}
	unlock()
	if err != nil && !errors.Is(err, state.ErrCorrupt) {
		return dropped, err
	}

	snapshotPath := b.path(snapshotsDir, resourceID)
	unlock = b.lock(snapshotPath)
	defer unlock()
	var snapshots []*state.Snapshot
	found, err = b.readBlob(snapshotPath, state.BlobSnapshots, &snapshots)
	if found && len(snapshots) > keepSnapshots {
		dropped += len(snapshots) - keepSnapshots
		err = b.rewrite(snapshotPath, state.BlobSnapshots, snapshots[len(snapshots)-keepSnapshots:])
	}
	if err != nil && !errors.Is(err, state.ErrCorrupt) {
		return dropped, err
	}
	return dropped, nil
}

func (b *FileBackend) rewrite(path string, kind state.BlobKind, v interface{}) error {
	data, err := state.EncodeBlob(kind, v)
	if err != nil {
		return err
	}
	return b.writeAtomic(path, data)
}

// CompactHistory keeps only the newest maxEntries history entries of one
// resource. It reports whether anything was dropped.
func (b *FileBackend) CompactHistory(_ context.Context, resourceID string, maxEntries int) (bool, error) {
	if maxEntries <= 0 {
		maxEntries = 50
	}

	path := b.path(historyDir, resourceID)
	unlock := b.lock(path)
	defer unlock()

	var history []*state.Entry
	found, err := b.readBlob(path, state.BlobHistory, &history)
	if err != nil || !found || len(history) <= maxEntries {
		return false, err
	}
	if err := b.rewrite(path, state.BlobHistory, history[len(history)-maxEntries:]); err != nil {
		return false, err
	}
	return true, nil
}

// Compact compacts the history of every resource.
func (b *FileBackend) Compact(ctx context.Context) (map[string]interface{}, error) {
	ids, err := b.ResourceIDs(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]interface{})
	for _, id := range ids {
		ok, err := b.CompactHistory(ctx, id, 0)
		if err != nil {
			b.log.WithResourceID(id).WithError(err).Warn("history compaction failed")
			continue
		}
		if ok {
			results["compacted_"+id] = true
		}
	}
	return results, nil
}

// Repair scans every blob, backs up the ones that do not decode, and
// rebuilds missing state files from history. It returns how many
// resources were repaired.
func (b *FileBackend) Repair(ctx context.Context) (int, error) {
	repaired := 0

	for _, dir := range []struct {
		name string
		kind state.BlobKind
	}{
		{historyDir, state.BlobHistory},
		{snapshotsDir, state.BlobSnapshots},
	} {
		ids, err := b.listIDs(dir.name)
		if err != nil {
			return repaired, err
		}
		for _, id := range ids {
			path := b.path(dir.name, id)
			unlock := b.lock(path)
			var sink interface{}
			if dir.kind == state.BlobHistory {
				sink = &[]*state.Entry{}
			} else {
				sink = &[]*state.Snapshot{}
			}
			if _, err := b.readBlob(path, dir.kind, sink); errors.Is(err, state.ErrCorrupt) {
				repaired++
			}
			unlock()
		}
	}

	ids, err := b.ResourceIDs(ctx)
	if err != nil {
		return repaired, err
	}
	healthy := make(map[string]bool, len(ids))
	for _, id := range ids {
		path := b.path(statesDir, id)
		unlock := b.lock(path)
		var entry state.Entry
		_, err := b.readBlob(path, state.BlobEntry, &entry)
		unlock()
		if errors.Is(err, state.ErrCorrupt) {
			repaired++
			continue
		}
		healthy[id] = true
	}

	historyIDs, err := b.listIDs(historyDir)
	if err != nil {
		return repaired, err
	}
	for _, id := range historyIDs {
		if healthy[id] {
			continue
		}
		history, err := b.LoadHistory(ctx, id, 1)
		if err != nil || len(history) == 0 {
			b.log.WithResourceID(id).Warn("state could not be rebuilt from history")
			continue
		}
		path := b.path(statesDir, id)
		unlock := b.lock(path)
		if err := b.rewrite(path, state.BlobEntry, history[0]); err != nil {
			b.log.WithResourceID(id).WithError(err).Warn("failed to rebuild state from history")
		}
		unlock()
	}

	return repaired, nil
}

// Stats reports file counts and sizes per directory.
func (b *FileBackend) Stats(_ context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{"backend": "file"}
	var total int64
	for _, dir := range []string{statesDir, historyDir, snapshotsDir, tempDir, corruptDir} {
		entries, err := os.ReadDir(filepath.Join(b.cfg.Root, dir))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		var size int64
		for _, e := range entries {
			if info, err := e.Info(); err == nil {
				size += info.Size()
			}
		}
		stats[dir+"_files"] = len(entries)
		stats[dir+"_bytes"] = size
		total += size
	}
	stats["storage_size_bytes"] = total
	return stats, nil
}

// Close releases nothing; files are closed after every operation.
func (b *FileBackend) Close() error {
	return nil
}

var (
	_ state.Backend       = (*FileBackend)(nil)
	_ state.Compactor     = (*FileBackend)(nil)
	_ state.Repairer      = (*FileBackend)(nil)
	_ state.StatsReporter = (*FileBackend)(nil)
)
