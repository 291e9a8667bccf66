package stores

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/openfroyo/resilience/pkg/state"
)

type backendFactory struct {
	name string
	open func(t *testing.T) state.Backend
}

func backendFactories() []backendFactory {
	return []backendFactory{
		{"memory", func(t *testing.T) state.Backend { return NewMemoryBackend() }},
		{"file", func(t *testing.T) state.Backend { return setupFileBackend(t, FileConfig{}) }},
		{"sqlite", func(t *testing.T) state.Backend { return setupSQLiteBackend(t, SQLiteConfig{}) }},
	}
}

func setupFileBackend(t *testing.T, cfg FileConfig) *FileBackend {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	b, err := NewFileBackend(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create file backend: %v", err)
	}
	return b
}

// setupSQLiteBackend creates a migrated SQLite backend in a temp directory.
func setupSQLiteBackend(t *testing.T, cfg SQLiteConfig) *SQLiteBackend {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "state.db")
	}
	b, err := OpenSQLiteBackend(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("failed to open sqlite backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func strPtr(s string) *string { return &s }

func TestBackendStateRoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	for _, f := range backendFactories() {
		t.Run(f.name, func(t *testing.T) {
			b := f.open(t)
			ctx := context.Background()

			entry := &state.Entry{
				State:            state.Resource(state.ResourceFailed),
				ResourceType:     state.TypeCompute,
				Timestamp:        ts,
				Metadata:         map[string]interface{}{"owner": "ops", "attempt": float64(2)},
				Version:          1,
				PreviousState:    strPtr("ResourceState.ACTIVE"),
				TransitionReason: strPtr("disk full"),
				FailureInfo:      map[string]interface{}{"code": "ENOSPC"},
			}
			if err := b.SaveState(ctx, "worker/1", entry); err != nil {
				t.Fatalf("failed to save state: %v", err)
			}

			got, err := b.LoadState(ctx, "worker/1")
			if err != nil {
				t.Fatalf("failed to load state: %v", err)
			}
			if got == nil {
				t.Fatal("expected entry, got nil")
			}
			if !got.State.Equal(entry.State) {
				t.Errorf("expected state %s, got %s", entry.State, got.State)
			}
			if got.ResourceType != state.TypeCompute {
				t.Errorf("expected resource type %s, got %s", state.TypeCompute, got.ResourceType)
			}
			if !got.Timestamp.Equal(ts) {
				t.Errorf("expected timestamp %v, got %v", ts, got.Timestamp)
			}
			if !reflect.DeepEqual(got.Metadata, entry.Metadata) {
				t.Errorf("expected metadata %v, got %v", entry.Metadata, got.Metadata)
			}
			if got.PreviousState == nil || *got.PreviousState != "ResourceState.ACTIVE" {
				t.Errorf("unexpected previous state %v", got.PreviousState)
			}
			if got.TransitionReason == nil || *got.TransitionReason != "disk full" {
				t.Errorf("unexpected transition reason %v", got.TransitionReason)
			}
			if got.FailureInfo["code"] != "ENOSPC" {
				t.Errorf("unexpected failure info %v", got.FailureInfo)
			}

			missing, err := b.LoadState(ctx, "nope")
			if err != nil {
				t.Fatalf("unexpected error for unknown resource: %v", err)
			}
			if missing != nil {
				t.Errorf("expected nil for unknown resource, got %+v", missing)
			}
		})
	}
}

func TestBackendFailureInfoRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		info map[string]interface{}
	}{
		{"nil", nil},
		{"empty", map[string]interface{}{}},
	}

	for _, f := range backendFactories() {
		for _, tt := range tests {
			t.Run(f.name+"/"+tt.name, func(t *testing.T) {
				b := f.open(t)
				ctx := context.Background()

				err := b.SaveState(ctx, "svc", &state.Entry{
					State:       state.Resource(state.ResourceActive),
					Timestamp:   time.Unix(1700000000, 0),
					Version:     1,
					FailureInfo: tt.info,
				})
				if err != nil {
					t.Fatal(err)
				}
				got, err := b.LoadState(ctx, "svc")
				if err != nil || got == nil {
					t.Fatalf("failed to load state: %v", err)
				}
				if !reflect.DeepEqual(got.FailureInfo, tt.info) {
					t.Errorf("expected failure info %#v, got %#v", tt.info, got.FailureInfo)
				}
			})
		}
	}
}

func TestBackendCustomStateRoundTrip(t *testing.T) {
	custom := state.Custom(map[string]interface{}{
		"phase":  "draining",
		"empty":  map[string]interface{}{},
		"list":   []interface{}{},
		"absent": nil,
		"nested": map[string]interface{}{"inner": []interface{}{float64(1), nil, "x"}},
	})

	for _, f := range backendFactories() {
		t.Run(f.name, func(t *testing.T) {
			b := f.open(t)
			ctx := context.Background()

			err := b.SaveState(ctx, "circuit_breaker_db", &state.Entry{
				State:        custom,
				ResourceType: state.TypeCircuitBreaker,
				Timestamp:    time.Unix(1700000000, 0),
				Version:      1,
			})
			if err != nil {
				t.Fatalf("failed to save state: %v", err)
			}

			got, err := b.LoadState(ctx, "circuit_breaker_db")
			if err != nil || got == nil {
				t.Fatalf("failed to load state: %v", err)
			}
			if !got.State.IsCustom() {
				t.Fatalf("expected custom state, got %s", got.State)
			}
			if !got.State.Equal(custom) {
				t.Errorf("expected %s, got %s", custom, got.State)
			}
		})
	}
}

func TestBackendHistoryAndSnapshots(t *testing.T) {
	sequence := []state.ResourceState{
		state.ResourceActive, state.ResourcePaused, state.ResourceActive, state.ResourceFailed,
	}

	for _, f := range backendFactories() {
		t.Run(f.name, func(t *testing.T) {
			b := f.open(t)
			ctx := context.Background()
			base := time.Unix(1700000000, 0)

			for i, rs := range sequence {
				err := b.SaveState(ctx, "svc", &state.Entry{
					State:        state.Resource(rs),
					ResourceType: state.TypeState,
					Timestamp:    base.Add(time.Duration(i) * time.Second),
					Version:      1,
				})
				if err != nil {
					t.Fatalf("failed to save state %d: %v", i, err)
				}
			}

			history, err := b.LoadHistory(ctx, "svc", 0)
			if err != nil {
				t.Fatalf("failed to load history: %v", err)
			}
			if len(history) != len(sequence) {
				t.Fatalf("expected %d history entries, got %d", len(sequence), len(history))
			}
			for i, rs := range sequence {
				if !history[i].State.Equal(state.Resource(rs)) {
					t.Errorf("history[%d]: expected %s, got %s", i, rs, history[i].State)
				}
			}

			recent, err := b.LoadHistory(ctx, "svc", 2)
			if err != nil {
				t.Fatalf("failed to load limited history: %v", err)
			}
			if len(recent) != 2 || !recent[1].State.Equal(state.Resource(state.ResourceFailed)) {
				t.Errorf("expected newest two entries ending in FAILED, got %v", recent)
			}

			for i := 0; i < 3; i++ {
				err := b.SaveSnapshot(ctx, "svc", &state.Snapshot{
					State:         state.Resource(state.ResourceActive),
					StateMetadata: map[string]interface{}{"n": float64(i)},
					Timestamp:     base.Add(time.Duration(i) * time.Minute),
					Metadata:      map[string]interface{}{"snapshot_reason": "periodic"},
					ResourceType:  state.TypeState,
					Version:       1,
				})
				if err != nil {
					t.Fatalf("failed to save snapshot: %v", err)
				}
			}

			snaps, err := b.LoadSnapshots(ctx, "svc", 2)
			if err != nil {
				t.Fatalf("failed to load snapshots: %v", err)
			}
			if len(snaps) != 2 {
				t.Fatalf("expected 2 snapshots, got %d", len(snaps))
			}
			if snaps[1].StateMetadata["n"] != float64(2) {
				t.Errorf("expected newest snapshot last, got %v", snaps[1].StateMetadata)
			}
			if snaps[0].Metadata["snapshot_reason"] != "periodic" {
				t.Errorf("unexpected snapshot metadata %v", snaps[0].Metadata)
			}

			ids, err := b.ResourceIDs(ctx)
			if err != nil {
				t.Fatalf("failed to list resources: %v", err)
			}
			if !reflect.DeepEqual(ids, []string{"svc"}) {
				t.Errorf("expected [svc], got %v", ids)
			}
		})
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		cfg     Config
		want    interface{}
		wantErr bool
	}{
		{Config{}, &MemoryBackend{}, false},
		{Config{Type: BackendFile}, &FileBackend{}, false},
		{Config{Type: BackendSQLite}, &SQLiteBackend{}, false},
		{Config{Type: "etcd"}, nil, true},
	}

	for _, tt := range tests {
		b, err := Open(ctx, tt.cfg, dir, nil)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.cfg.Type)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.cfg.Type, err)
		}
		if reflect.TypeOf(b) != reflect.TypeOf(tt.want) {
			t.Errorf("%s: expected %T, got %T", tt.cfg.Type, tt.want, b)
		}
		_ = b.Close()
	}

	if fb, err := Open(ctx, Config{Type: BackendFile}, dir, nil); err == nil {
		if got := fb.(*FileBackend).Root(); got != filepath.Join(dir, "state") {
			t.Errorf("expected root under base dir, got %s", got)
		}
	}
}
