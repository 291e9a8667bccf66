package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/resilience/pkg/faults"
	"github.com/openfroyo/resilience/pkg/health"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const (
	degradedResourceCount = 10000
	degradedBackendErrors = 100
	degradedDatabaseBytes = 100 * 1024 * 1024
)

// Manager is the single entry point for reading and changing resource
// state. Changes to one resource are serialised; different resources
// proceed in parallel.
type Manager struct {
	backend Backend
	cfg     ManagerConfig

	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  telemetry.Emitter
	now     func() time.Time

	cache *lru.Cache
	loads singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*resourceLock

	counters counters

	loopMu   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	cron     *cron.Cron
}

type resourceLock struct {
	mu   sync.Mutex
	refs int
}

type counters struct {
	setState           atomic.Int64
	getState           atomic.Int64
	getHistory         atomic.Int64
	cacheHits          atomic.Int64
	cacheMisses        atomic.Int64
	transitionFailures atomic.Int64
	backendErrors      atomic.Int64
	resourceCount      atomic.Int64
}

// NewManager creates a manager over backend.
func NewManager(backend Backend, cfg ManagerConfig, tel *telemetry.Telemetry) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("state backend is required")
	}
	defaults := DefaultManagerConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaults.CacheSize
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaults.SnapshotInterval
	}
	if cfg.Cleanup.Policy == "" {
		cfg.Cleanup.Policy = defaults.Cleanup.Policy
	}
	if cfg.Cleanup.TTL <= 0 {
		cfg.Cleanup.TTL = defaults.Cleanup.TTL
	}
	if err := cfg.Cleanup.Validate(); err != nil {
		return nil, err
	}

	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create state cache: %w", err)
	}

	tel = telemetry.OrNop(tel)
	return &Manager{
		backend: backend,
		cfg:     cfg,
		log:     tel.Logger.NewComponentLogger("state_manager"),
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
		events:  tel.Events,
		now:     time.Now,
		cache:   cache,
		locks:   make(map[string]*resourceLock),
	}, nil
}

// Backend returns the underlying storage backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

func (m *Manager) lockResource(resourceID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[resourceID]
	if !ok {
		l = &resourceLock{}
		m.locks[resourceID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, resourceID)
		}
		m.locksMu.Unlock()
	}
}

func (m *Manager) backendError(resourceID, operation string, err error) {
	m.counters.backendErrors.Add(1)
	m.metrics.RecordBackendError(operation)
	m.log.WithResourceID(resourceID).WithError(err).
		WithField("operation", operation).Error("state backend operation failed")
}

// cached returns the cached entry of resourceID, or nil. Callers must not
// modify it.
func (m *Manager) cached(resourceID string) *Entry {
	v, ok := m.cache.Get(resourceID)
	if !ok {
		return nil
	}
	m.counters.cacheHits.Add(1)
	m.metrics.RecordCacheLookup(true)
	return v.(*Entry)
}

// load returns the current entry of resourceID. With useCache the caller
// must hold the resource lock, so a backend read is cached only while no
// writer can store a newer entry behind it. Uncached reads of one resource
// share one backend call.
func (m *Manager) load(ctx context.Context, resourceID string, useCache bool) (*Entry, error) {
	if useCache {
		if e := m.cached(resourceID); e != nil {
			return e, nil
		}
	}
	m.counters.cacheMisses.Add(1)
	m.metrics.RecordCacheLookup(false)

	if !useCache {
		v, err, _ := m.loads.Do(resourceID, func() (interface{}, error) {
			return m.backend.LoadState(ctx, resourceID)
		})
		if err != nil {
			return nil, err
		}
		entry, _ := v.(*Entry)
		return entry, nil
	}

	entry, err := m.backend.LoadState(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		m.cache.Add(resourceID, entry.Clone())
	}
	return entry, nil
}

// SetState moves resourceID into st and records the transition. Invalid
// transitions return a validation error and leave the stored state alone.
// Persistence failures are logged and counted but do not fail the call.
func (m *Manager) SetState(ctx context.Context, resourceID string, st State, resourceType ResourceType, opts ...SetOption) (*Entry, error) {
	if st.IsZero() {
		return nil, faults.NewValidationError("state is required").WithResource(resourceID)
	}
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	m.counters.setState.Add(1)
	m.metrics.RecordStateOperation("set")

	ctx, span := m.tracer.StartStateSpan(ctx, "set", resourceID)
	defer span.End()

	unlock := m.lockResource(resourceID)
	defer unlock()

	log := m.log.WithResourceID(resourceID)

	current, err := m.load(ctx, resourceID, true)
	if err != nil {
		m.backendError(resourceID, "load_state", err)
	}

	if current != nil {
		if err := CheckTransition(current.State, st); err != nil {
			m.counters.transitionFailures.Add(1)
			m.metrics.RecordTransitionFailure()
			log.WithFields(map[string]interface{}{
				"from": current.State.String(),
				"to":   st.String(),
			}).Warn("invalid state transition")
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	metadata := o.metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	entry := &Entry{
		State:            st.clone(),
		ResourceType:     resourceType,
		Timestamp:        m.now(),
		Metadata:         cloneMap(metadata),
		Version:          1,
		TransitionReason: o.reason,
		FailureInfo:      cloneMap(o.failureInfo),
	}
	if current != nil {
		prev := current.State.String()
		entry.PreviousState = &prev
	}

	m.cache.Add(resourceID, entry.Clone())

	if err := m.backend.SaveState(ctx, resourceID, entry); err != nil {
		m.backendError(resourceID, "save_state", err)
	}

	m.maybeSnapshot(ctx, resourceID, entry)
	m.metrics.RecordStateTransition(string(resourceType), st.String())

	if current == nil || !current.State.Equal(st) {
		data := map[string]interface{}{
			"resource_id":       resourceID,
			"state":             st.String(),
			"resource_type":     string(resourceType),
			"metadata":          metadata,
			"transition_reason": o.reason,
			"failure_info":      o.failureInfo,
		}
		if entry.PreviousState != nil {
			data["previous_state"] = *entry.PreviousState
		}
		err := m.events.Emit(ctx, telemetry.Event{
			Type:          telemetry.EventResourceStateChanged,
			Source:        "state_manager",
			ResourceID:    resourceID,
			CorrelationID: o.correlationID,
			Data:          data,
		})
		if err != nil {
			log.WithError(err).Warn("failed to emit state change event")
		}
	}

	telemetry.RecordSuccess(span)
	return entry.Clone(), nil
}

func (m *Manager) maybeSnapshot(ctx context.Context, resourceID string, entry *Entry) {
	history, err := m.backend.LoadHistory(ctx, resourceID, 0)
	if err != nil {
		m.backendError(resourceID, "load_history", err)
		return
	}
	if n := len(history); n > 0 && n%m.cfg.SnapshotInterval == 0 {
		m.snapshot(ctx, resourceID, entry, "periodic")
	}
}

func (m *Manager) snapshot(ctx context.Context, resourceID string, entry *Entry, reason string) {
	snap := &Snapshot{
		State:         entry.State.clone(),
		StateMetadata: cloneMap(entry.Metadata),
		Timestamp:     m.now(),
		Metadata:      map[string]interface{}{"snapshot_reason": reason},
		ResourceType:  entry.ResourceType,
		Version:       1,
	}
	if err := m.backend.SaveSnapshot(ctx, resourceID, snap); err != nil {
		m.backendError(resourceID, "save_snapshot", err)
		return
	}
	m.log.WithResourceID(resourceID).WithField("snapshot_reason", reason).Debug("created snapshot")
}

// GetState returns the current entry of resourceID, or nil when it has
// none.
func (m *Manager) GetState(ctx context.Context, resourceID string, opts ...GetOption) (*Entry, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	m.counters.getState.Add(1)
	m.metrics.RecordStateOperation("get")

	if o.versions {
		history, err := m.backend.LoadHistory(ctx, resourceID, 0)
		if err != nil {
			m.backendError(resourceID, "load_history", err)
			return nil, fmt.Errorf("failed to load history for %s: %w", resourceID, err)
		}
		for _, e := range history {
			if e.Version == o.version {
				return e, nil
			}
		}
		return nil, nil
	}

	var entry *Entry
	if !o.noCache {
		entry = m.cached(resourceID)
	}
	var err error
	switch {
	case entry != nil:
	case o.noCache:
		entry, err = m.load(ctx, resourceID, false)
	default:
		unlock := m.lockResource(resourceID)
		entry, err = m.load(ctx, resourceID, true)
		unlock()
	}
	if err != nil {
		m.backendError(resourceID, "load_state", err)
		return nil, fmt.Errorf("failed to load state for %s: %w", resourceID, err)
	}
	return entry.Clone(), nil
}

// History returns the transition history of resourceID in chronological
// order. A positive limit keeps only the newest entries.
func (m *Manager) History(ctx context.Context, resourceID string, limit int) ([]*Entry, error) {
	m.counters.getHistory.Add(1)
	m.metrics.RecordStateOperation("history")

	history, err := m.backend.LoadHistory(ctx, resourceID, limit)
	if err != nil {
		m.backendError(resourceID, "load_history", err)
		return nil, fmt.Errorf("failed to load history for %s: %w", resourceID, err)
	}
	return history, nil
}

// Snapshots returns the snapshots of resourceID in chronological order.
func (m *Manager) Snapshots(ctx context.Context, resourceID string, limit int) ([]*Snapshot, error) {
	snaps, err := m.backend.LoadSnapshots(ctx, resourceID, limit)
	if err != nil {
		m.backendError(resourceID, "load_snapshots", err)
		return nil, fmt.Errorf("failed to load snapshots for %s: %w", resourceID, err)
	}
	return snaps, nil
}

// RecoverFromSnapshot replays a snapshot's state through SetState. A
// negative index counts from the newest snapshot, so -1 is the latest.
func (m *Manager) RecoverFromSnapshot(ctx context.Context, resourceID string, index int) (*Entry, error) {
	snaps, err := m.Snapshots(ctx, resourceID, 0)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no snapshots for %s: %w", resourceID, ErrNotFound)
	}

	i := index
	if i < 0 {
		i += len(snaps)
	}
	if i < 0 || i >= len(snaps) {
		return nil, fmt.Errorf("snapshot index %d out of range for %s (%d snapshots): %w",
			index, resourceID, len(snaps), ErrNotFound)
	}

	snap := snaps[i]
	return m.SetState(ctx, resourceID, snap.State, snap.ResourceType,
		WithMetadata(snap.StateMetadata),
		WithReason("recovered_from_snapshot"),
	)
}

// currentResource returns the current entry and its ResourceState. ok is
// false, with a warning logged, when the resource is missing or holds a
// different kind of state.
func (m *Manager) currentResource(ctx context.Context, resourceID, action string) (*Entry, ResourceState, bool) {
	log := m.log.WithResourceID(resourceID).WithField("action", action)

	current, err := m.GetState(ctx, resourceID)
	if err != nil {
		log.WithError(err).Warn("cannot read resource state")
		return nil, "", false
	}
	if current == nil {
		log.Warn("resource does not exist")
		return nil, "", false
	}
	rs, ok := current.State.ResourceState()
	if !ok {
		log.WithField("state", current.State.String()).Warn("resource does not hold a ResourceState")
		return nil, "", false
	}
	return current, rs, true
}

// MarkAsFailed moves a resource to FAILED. It returns nil when the
// resource is missing, not a ResourceState, or cannot fail from its
// current state.
func (m *Manager) MarkAsFailed(ctx context.Context, resourceID, reason string, errorInfo map[string]interface{}) (*Entry, error) {
	current, _, ok := m.currentResource(ctx, resourceID, "mark_failed")
	if !ok {
		return nil, nil
	}
	if !ValidateTransition(current.State, Resource(ResourceFailed)) {
		m.log.WithResourceID(resourceID).WithField("state", current.State.String()).
			Warn("cannot mark resource as failed from its current state")
		return nil, nil
	}

	failureInfo := map[string]interface{}{
		"timestamp": m.now().Format(time.RFC3339Nano),
		"reason":    reason,
	}
	for k, v := range errorInfo {
		failureInfo[k] = v
	}

	return m.SetState(ctx, resourceID, Resource(ResourceFailed), current.ResourceType,
		WithMetadata(current.Metadata),
		WithReason(reason),
		WithFailureInfo(failureInfo),
	)
}

// MarkAsRecovered moves a FAILED resource to RECOVERED. It returns nil for
// any resource that is not currently FAILED.
func (m *Manager) MarkAsRecovered(ctx context.Context, resourceID, reason string) (*Entry, error) {
	current, rs, ok := m.currentResource(ctx, resourceID, "mark_recovered")
	if !ok {
		return nil, nil
	}
	if rs != ResourceFailed {
		m.log.WithResourceID(resourceID).WithField("state", current.State.String()).
			Warn("cannot recover resource that is not FAILED")
		return nil, nil
	}

	return m.SetState(ctx, resourceID, Resource(ResourceRecovered), current.ResourceType,
		WithMetadata(current.Metadata),
		WithReason(reason),
	)
}

// TerminateResource moves a resource to TERMINATED and takes a final
// snapshot. An already terminated resource is returned unchanged.
func (m *Manager) TerminateResource(ctx context.Context, resourceID, reason string) (*Entry, error) {
	current, rs, ok := m.currentResource(ctx, resourceID, "terminate")
	if !ok {
		return nil, nil
	}
	if rs == ResourceTerminated {
		return current, nil
	}

	entry, err := m.SetState(ctx, resourceID, Resource(ResourceTerminated), current.ResourceType,
		WithMetadata(current.Metadata),
		WithReason(reason),
	)
	if err != nil {
		return nil, err
	}
	m.snapshot(ctx, resourceID, entry, "terminated")
	return entry, nil
}

// CountResourcesByState counts resources by the string form of their
// current state.
func (m *Manager) CountResourcesByState(ctx context.Context) (map[string]int, error) {
	ids, err := m.backend.ResourceIDs(ctx)
	if err != nil {
		m.backendError("", "resource_ids", err)
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	counts := make(map[string]int)
	for _, id := range ids {
		entry, err := m.GetState(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		counts[entry.State.String()]++
	}
	return counts, nil
}

// ResourcesByState returns the IDs of resources currently in st.
func (m *Manager) ResourcesByState(ctx context.Context, st State) ([]string, error) {
	ids, err := m.backend.ResourceIDs(ctx)
	if err != nil {
		m.backendError("", "resource_ids", err)
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	out := []string{}
	for _, id := range ids {
		entry, err := m.GetState(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		if entry.State.Equal(st) {
			out = append(out, id)
		}
	}
	return out, nil
}

// KeysByPrefix returns the IDs of resources that start with prefix.
func (m *Manager) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	ids, err := m.backend.ResourceIDs(ctx)
	if err != nil {
		m.backendError("", "resource_ids", err)
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	out := []string{}
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Metrics returns the operation counters, cache occupancy and backend
// statistics.
func (m *Manager) Metrics(ctx context.Context) map[string]interface{} {
	out := m.counterValues()
	if sr, ok := m.backend.(StatsReporter); ok {
		stats, err := sr.Stats(ctx)
		if err != nil {
			m.log.WithError(err).Warn("failed to read backend stats")
		}
		for k, v := range stats {
			out[k] = v
		}
	}
	out["cache_size"] = m.cache.Len()
	out["cache_capacity"] = m.cfg.CacheSize
	return out
}

func (m *Manager) counterValues() map[string]interface{} {
	return map[string]interface{}{
		"set_state_count":     m.counters.setState.Load(),
		"get_state_count":     m.counters.getState.Load(),
		"get_history_count":   m.counters.getHistory.Load(),
		"cache_hits":          m.counters.cacheHits.Load(),
		"cache_misses":        m.counters.cacheMisses.Load(),
		"transition_failures": m.counters.transitionFailures.Load(),
		"backend_errors":      m.counters.backendErrors.Load(),
		"resource_count":      m.counters.resourceCount.Load(),
	}
}

// HealthStatus reports DEGRADED when the manager tracks too many
// resources, has seen too many backend errors, or its database has grown
// too large.
func (m *Manager) HealthStatus(ctx context.Context) health.Status {
	metadata := m.counterValues()

	ids, err := m.backend.ResourceIDs(ctx)
	if err != nil {
		m.backendError("", "resource_ids", err)
		return health.NewStatus(health.Error, "state_manager",
			fmt.Sprintf("failed to list resources: %v", err), metadata)
	}
	m.counters.resourceCount.Store(int64(len(ids)))
	m.metrics.SetResourceCount(len(ids))
	metadata["resource_count"] = int64(len(ids))

	level := health.Healthy
	description := "state manager operating normally"

	if len(ids) > degradedResourceCount {
		level = health.Degraded
		description = "high resource count, performance may be affected"
	}
	if m.counters.backendErrors.Load() > degradedBackendErrors {
		level = health.Degraded
		description = "multiple backend errors detected"
	}

	if sr, ok := m.backend.(StatsReporter); ok {
		if stats, err := sr.Stats(ctx); err == nil {
			for k, v := range stats {
				metadata[k] = v
			}
			if size, ok := stats["database_size_bytes"].(int64); ok && size > degradedDatabaseBytes {
				level = health.Degraded
				description = "database size is large, consider optimization"
			}
		}
	}

	return health.NewStatus(level, "state_manager", description, metadata)
}

// CompactStorage asks the backend to reclaim space. Backends that cannot
// compact return an empty result.
func (m *Manager) CompactStorage(ctx context.Context) map[string]interface{} {
	c, ok := m.backend.(Compactor)
	if !ok {
		return map[string]interface{}{}
	}
	results, err := c.Compact(ctx)
	if results == nil {
		results = map[string]interface{}{}
	}
	if err != nil {
		m.log.WithError(err).Error("storage compaction failed")
		results["error"] = err.Error()
	}
	return results
}

// Close stops the cleanup loop and closes the backend.
func (m *Manager) Close(ctx context.Context) error {
	stopErr := m.Stop(ctx)
	return errors.Join(stopErr, m.backend.Close())
}
