package state_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/openfroyo/resilience/pkg/faults"
	"github.com/openfroyo/resilience/pkg/health"
	"github.com/openfroyo/resilience/pkg/state"
	"github.com/openfroyo/resilience/pkg/stores"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// setupManager creates a manager over a fresh memory backend and records
// every emitted event.
func setupManager(t *testing.T, cfg state.ManagerConfig) (*state.Manager, *stores.MemoryBackend, *eventLog) {
	t.Helper()

	backend := stores.NewMemoryBackend()
	tel := telemetry.NewNop()
	events := &eventLog{}
	tel.Events.Subscribe(events.record, nil)

	m, err := state.NewManager(backend, cfg, tel)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m, backend, events
}

type eventLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (l *eventLog) record(e telemetry.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(eventType string) []telemetry.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []telemetry.Event
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var (
	active     = state.Resource(state.ResourceActive)
	paused     = state.Resource(state.ResourcePaused)
	failed     = state.Resource(state.ResourceFailed)
	recovered  = state.Resource(state.ResourceRecovered)
	terminated = state.Resource(state.ResourceTerminated)
)

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	m, _, _ := setupManager(t, state.ManagerConfig{})
	ctx := context.Background()

	if _, err := m.SetState(ctx, "svc", active, state.TypeCompute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.SetState(ctx, "svc", failed, state.TypeCompute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := m.SetState(ctx, "svc", active, state.TypeCompute)
	if err == nil {
		t.Fatal("expected validation error for FAILED -> ACTIVE")
	}
	if !faults.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	current, err := m.GetState(ctx, "svc")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if !current.State.Equal(failed) {
		t.Errorf("expected stored state FAILED, got %s", current.State)
	}

	// the rejected call is not persisted either
	current, _ = m.GetState(ctx, "svc", state.NoCache())
	if !current.State.Equal(failed) {
		t.Errorf("expected persisted state FAILED, got %s", current.State)
	}

	if got := m.Metrics(ctx)["transition_failures"]; got != int64(1) {
		t.Errorf("expected 1 transition failure, got %v", got)
	}
}

func TestSetStateRecordsPreviousState(t *testing.T) {
	m, _, _ := setupManager(t, state.ManagerConfig{})
	ctx := context.Background()

	first, _ := m.SetState(ctx, "svc", active, state.TypeState)
	if first.PreviousState != nil {
		t.Errorf("expected no previous state, got %v", *first.PreviousState)
	}
	if first.Version != 1 {
		t.Errorf("expected version 1, got %d", first.Version)
	}

	second, _ := m.SetState(ctx, "svc", paused, state.TypeState,
		state.WithReason("maintenance"),
		state.WithMetadata(map[string]interface{}{"by": "ops"}))
	if second.PreviousState == nil || *second.PreviousState != "ResourceState.ACTIVE" {
		t.Errorf("unexpected previous state %v", second.PreviousState)
	}
	if second.TransitionReason == nil || *second.TransitionReason != "maintenance" {
		t.Errorf("unexpected reason %v", second.TransitionReason)
	}
	if second.Version != 1 {
		t.Errorf("expected version to stay 1, got %d", second.Version)
	}

	history, err := m.History(ctx, "svc", 0)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(history))
	}
}

func TestStateChangedEventOnlyOnChange(t *testing.T) {
	m, _, events := setupManager(t, state.ManagerConfig{})
	ctx := context.Background()

	_, _ = m.SetState(ctx, "svc", active, state.TypeState)
	_, _ = m.SetState(ctx, "svc", active, state.TypeState)
	_, _ = m.SetState(ctx, "svc", paused, state.TypeState, state.WithCorrelationID("req-1"))

	changed := events.ofType(telemetry.EventResourceStateChanged)
	if len(changed) != 2 {
		t.Fatalf("expected 2 state change events, got %d", len(changed))
	}
	last := changed[1]
	if last.Data["state"] != "ResourceState.PAUSED" || last.Data["previous_state"] != "ResourceState.ACTIVE" {
		t.Errorf("unexpected event payload %v", last.Data)
	}
	if last.CorrelationID != "req-1" || last.ResourceID != "svc" {
		t.Errorf("unexpected event envelope %+v", last)
	}
}

func TestPeriodicSnapshots(t *testing.T) {
	m, _, _ := setupManager(t, state.ManagerConfig{SnapshotInterval: 10})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		next := active
		if i%2 == 1 {
			next = paused
		}
		if _, err := m.SetState(ctx, "svc", next, state.TypeState); err != nil {
			t.Fatalf("transition %d failed: %v", i, err)
		}
	}

	snaps, err := m.Snapshots(ctx, "svc", 0)
	if err != nil {
		t.Fatalf("failed to load snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected snapshots at the 10th and 20th entries, got %d", len(snaps))
	}
	if snaps[0].Metadata["snapshot_reason"] != "periodic" {
		t.Errorf("unexpected snapshot metadata %v", snaps[0].Metadata)
	}
	// the 10th entry (index 9) is PAUSED
	if !snaps[0].State.Equal(paused) {
		t.Errorf("expected first snapshot PAUSED, got %s", snaps[0].State)
	}
}

func TestConcurrentSetStateDoesNotLoseUpdates(t *testing.T) {
	m, _, _ := setupManager(t, state.ManagerConfig{})
	ctx := context.Background()

	if _, err := m.SetState(ctx, "shared", active, state.TypeState); err != nil {
		t.Fatal(err)
	}

	const workers = 50
	targets := []state.State{active, paused, failed}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted = 1
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.SetState(ctx, "shared", targets[i%len(targets)], state.TypeState)
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !faults.IsValidation(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	history, err := m.History(ctx, "shared", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != accepted {
		t.Errorf("expected %d history entries, got %d", accepted, len(history))
	}

	final, _ := m.GetState(ctx, "shared")
	if !final.State.Equal(history[len(history)-1].State) {
		t.Errorf("current state %s differs from newest history entry %s", final.State, history[len(history)-1].State)
	}

	// every recorded step is a legal transition
	for i := 1; i < len(history); i++ {
		if !state.ValidateTransition(history[i-1].State, history[i].State) {
			t.Errorf("illegal step %s -> %s in history", history[i-1].State, history[i].State)
		}
	}
}

func TestGetStateAtVersion(t *testing.T) {
	m, _, _ := setupManager(t, state.ManagerConfig{})
	ctx := context.Background()

	_, _ = m.SetState(ctx, "svc", active, state.TypeState)
	_, _ = m.SetState(ctx, "svc", paused, state.TypeState)

	first, err := m.GetState(ctx, "svc", state.AtVersion(1))
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || !first.State.Equal(active) {
		t.Errorf("expected first version-1 entry ACTIVE, got %+v", first)
	}

	missing, _ := m.GetState(ctx, "svc", state.AtVersion(7))
	if missing != nil {
		t.Errorf("expected nil for unknown version, got %+v", missing)
	}
}

func TestMarkHelpers(t *testing.T) {
	m, _, _ := setupManager(t, state.ManagerConfig{})
	ctx := context.Background()

	if e, err := m.MarkAsFailed(ctx, "ghost", "boom", nil); e != nil || err != nil {
		t.Errorf("expected nil for missing resource, got %+v %v", e, err)
	}

	_, _ = m.SetState(ctx, "svc", active, state.TypeCache, state.WithMetadata(map[string]interface{}{"zone": "a"}))

	if e, _ := m.MarkAsRecovered(ctx, "svc", "not failed"); e != nil {
		t.Errorf("expected nil recovering an ACTIVE resource, got %+v", e)
	}

	e, err := m.MarkAsFailed(ctx, "svc", "disk full", map[string]interface{}{"code": 28})
	if err != nil || e == nil {
		t.Fatalf("mark failed: %+v %v", e, err)
	}
	if e.FailureInfo["reason"] != "disk full" || e.FailureInfo["code"] != 28 {
		t.Errorf("unexpected failure info %v", e.FailureInfo)
	}
	if e.Metadata["zone"] != "a" || e.ResourceType != state.TypeCache {
		t.Errorf("expected metadata and type carried over, got %+v", e)
	}

	e, err = m.MarkAsRecovered(ctx, "svc", "disk cleaned")
	if err != nil || e == nil || !e.State.Equal(recovered) {
		t.Fatalf("mark recovered: %+v %v", e, err)
	}

	e, err = m.TerminateResource(ctx, "svc", "decommissioned")
	if err != nil || e == nil || !e.State.Equal(terminated) {
		t.Fatalf("terminate: %+v %v", e, err)
	}
	snaps, _ := m.Snapshots(ctx, "svc", 1)
	if len(snaps) != 1 || snaps[0].Metadata["snapshot_reason"] != "terminated" {
		t.Errorf("expected final terminated snapshot, got %+v", snaps)
	}

	again, err := m.TerminateResource(ctx, "svc", "twice")
	if err != nil || again == nil || !again.State.Equal(terminated) {
		t.Errorf("terminating twice should return the current entry, got %+v %v", again, err)
	}

	_, _ = m.SetState(ctx, "iface", state.Interface(state.InterfaceActive), state.TypeAgent)
	if e, _ := m.TerminateResource(ctx, "iface", "wrong kind"); e != nil {
		t.Errorf("expected nil for interface state, got %+v", e)
	}
}

func TestRecoverFromSnapshot(t *testing.T) {
	m, _, _ := setupManager(t, state.ManagerConfig{SnapshotInterval: 2})
	ctx := context.Background()

	if _, err := m.RecoverFromSnapshot(ctx, "svc", -1); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("expected ErrNotFound without snapshots, got %v", err)
	}

	_, _ = m.SetState(ctx, "svc", active, state.TypeState, state.WithMetadata(map[string]interface{}{"v": "one"}))
	_, _ = m.SetState(ctx, "svc", paused, state.TypeState, state.WithMetadata(map[string]interface{}{"v": "two"}))
	_, _ = m.SetState(ctx, "svc", active, state.TypeState)

	if _, err := m.RecoverFromSnapshot(ctx, "svc", 5); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("expected ErrNotFound for out of range index, got %v", err)
	}

	e, err := m.RecoverFromSnapshot(ctx, "svc", -1)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if !e.State.Equal(paused) || e.Metadata["v"] != "two" {
		t.Errorf("expected PAUSED with snapshot metadata, got %+v", e)
	}
	if e.TransitionReason == nil || *e.TransitionReason != "recovered_from_snapshot" {
		t.Errorf("unexpected reason %v", e.TransitionReason)
	}
}

func TestQueriesByStateAndPrefix(t *testing.T) {
	m, _, _ := setupManager(t, state.ManagerConfig{})
	ctx := context.Background()

	_, _ = m.SetState(ctx, "agent:1", active, state.TypeAgent)
	_, _ = m.SetState(ctx, "agent:2", active, state.TypeAgent)
	_, _ = m.SetState(ctx, "cache:1", active, state.TypeCache)
	_, _ = m.SetState(ctx, "cache:1", paused, state.TypeCache)

	counts, err := m.CountResourcesByState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["ResourceState.ACTIVE"] != 2 || counts["ResourceState.PAUSED"] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}

	ids, _ := m.ResourcesByState(ctx, active)
	if len(ids) != 2 || ids[0] != "agent:1" || ids[1] != "agent:2" {
		t.Errorf("unexpected active resources %v", ids)
	}

	keys, _ := m.KeysByPrefix(ctx, "cache:")
	if len(keys) != 1 || keys[0] != "cache:1" {
		t.Errorf("unexpected keys %v", keys)
	}
}

// failingBackend fails every write.
// gatedBackend holds the next LoadState of one resource until release is
// closed.
type gatedBackend struct {
	*stores.MemoryBackend
	id      string
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBackend) LoadState(ctx context.Context, resourceID string) (*state.Entry, error) {
	if resourceID == b.id {
		select {
		case <-b.armed:
			close(b.entered)
			<-b.release
		default:
		}
	}
	return b.MemoryBackend.LoadState(ctx, resourceID)
}

func TestReadDuringWriteKeepsCacheCurrent(t *testing.T) {
	backend := &gatedBackend{
		MemoryBackend: stores.NewMemoryBackend(),
		id:            "svc",
		armed:         make(chan struct{}, 1),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	m, err := state.NewManager(backend, state.ManagerConfig{CacheSize: 1}, telemetry.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := m.SetState(ctx, "svc", active, state.TypeState); err != nil {
		t.Fatal(err)
	}
	// evict svc
	if _, err := m.SetState(ctx, "other", active, state.TypeState); err != nil {
		t.Fatal(err)
	}

	backend.armed <- struct{}{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := m.SetState(ctx, "svc", failed, state.TypeState); err != nil {
			t.Errorf("SetState(FAILED) error = %v", err)
		}
	}()
	<-backend.entered
	go func() {
		defer wg.Done()
		if _, err := m.GetState(ctx, "svc"); err != nil {
			t.Errorf("GetState error = %v", err)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	current, _ := m.GetState(ctx, "svc")
	if current == nil || !current.State.Equal(failed) {
		t.Fatalf("expected cached FAILED, got %+v", current)
	}
	if _, err := m.SetState(ctx, "svc", active, state.TypeState); !faults.IsValidation(err) {
		t.Errorf("expected FAILED -> ACTIVE to be rejected, got %v", err)
	}
}

type failingBackend struct {
	*stores.MemoryBackend
}

func (failingBackend) SaveState(context.Context, string, *state.Entry) error {
	return fmt.Errorf("disk unavailable")
}

func (failingBackend) Cleanup(context.Context, time.Time) (int, error) {
	return 0, fmt.Errorf("disk unavailable")
}

func TestBackendFailuresAreSoft(t *testing.T) {
	tel := telemetry.NewNop()
	events := &eventLog{}
	tel.Events.Subscribe(events.record, nil)

	m, err := state.NewManager(failingBackend{stores.NewMemoryBackend()}, state.ManagerConfig{}, tel)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	e, err := m.SetState(ctx, "svc", active, state.TypeState)
	if err != nil || e == nil {
		t.Fatalf("expected fail-soft SetState, got %+v %v", e, err)
	}

	// served from cache even though nothing was persisted
	cached, _ := m.GetState(ctx, "svc")
	if cached == nil || !cached.State.Equal(active) {
		t.Errorf("expected cached ACTIVE, got %+v", cached)
	}
	if got := m.Metrics(ctx)["backend_errors"]; got != int64(1) {
		t.Errorf("expected 1 backend error, got %v", got)
	}

	if _, err := m.Cleanup(ctx, true); err == nil {
		t.Error("expected cleanup error")
	} else if !faults.IsDegraded(err) {
		t.Errorf("expected degraded error, got %v", err)
	}
	if got := events.ofType(telemetry.EventResourceErrorOccurred); len(got) != 1 || got[0].Priority != telemetry.PriorityHigh {
		t.Errorf("expected one high priority error event, got %+v", got)
	}
}

func TestCleanupRemovesExpiredTerminated(t *testing.T) {
	backend, err := stores.NewFileBackend(stores.FileConfig{Root: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	tel := telemetry.NewNop()
	events := &eventLog{}
	tel.Events.Subscribe(events.record, nil)

	m, err := state.NewManager(backend, state.ManagerConfig{
		Cleanup: state.CleanupConfig{Policy: state.CleanupTTL, TTL: 2 * time.Hour},
	}, tel)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// an entry stamped 90 minutes ago survives a normal pass but not a forced one
	old := &state.Entry{State: terminated, Timestamp: time.Now().Add(-90 * time.Minute), Version: 1}
	if err := backend.SaveState(ctx, "old", old); err != nil {
		t.Fatal(err)
	}
	_, _ = m.SetState(ctx, "live", active, state.TypeState)

	if _, err := m.Cleanup(ctx, false); err != nil {
		t.Fatal(err)
	}
	if e, _ := m.GetState(ctx, "old"); e == nil {
		t.Fatal("entry inside the TTL was removed")
	}

	if _, err := m.Cleanup(ctx, true); err != nil {
		t.Fatal(err)
	}
	if e, _ := m.GetState(ctx, "old"); e != nil {
		t.Errorf("expected forced cleanup to remove old terminated resource, got %+v", e)
	}
	if e, _ := m.GetState(ctx, "live"); e == nil {
		t.Error("live resource was removed")
	}

	metrics := events.ofType(telemetry.EventMetricRecorded)
	if len(metrics) != 2 || metrics[1].Data["metric"] != "state_cleanup" || metrics[1].Data["forced"] != true {
		t.Errorf("unexpected cleanup metric events %+v", metrics)
	}
}

func TestHealthStatus(t *testing.T) {
	m, _, _ := setupManager(t, state.ManagerConfig{})
	ctx := context.Background()
	_, _ = m.SetState(ctx, "a", active, state.TypeState)

	s := m.HealthStatus(ctx)
	if s.Status != health.Healthy {
		t.Errorf("expected HEALTHY, got %s (%s)", s.Status, s.Description)
	}
	if s.Source != "state_manager" || s.Metadata["resource_count"] != int64(1) {
		t.Errorf("unexpected status %+v", s)
	}
}

func TestCleanupLoopStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _, events := setupManager(t, state.ManagerConfig{
		Cleanup: state.CleanupConfig{Policy: state.CleanupAggressive, Interval: 10 * time.Millisecond},
	})
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("expected error starting twice")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(events.ofType(telemetry.EventMetricRecorded)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cleanup loop never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestCleanupSchedule(t *testing.T) {
	if _, err := state.NewManager(stores.NewMemoryBackend(), state.ManagerConfig{
		Cleanup: state.CleanupConfig{Schedule: "not a cron"},
	}, nil); err == nil {
		t.Error("expected invalid schedule to be rejected")
	}

	m, err := state.NewManager(stores.NewMemoryBackend(), state.ManagerConfig{
		Cleanup: state.CleanupConfig{Schedule: "@every 1h"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("close failed: %v", err)
	}
}
