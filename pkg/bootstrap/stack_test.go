package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/openfroyo/resilience/pkg/circuit"
	"github.com/openfroyo/resilience/pkg/config"
	"github.com/openfroyo/resilience/pkg/monitor"
	"github.com/openfroyo/resilience/pkg/stores"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func hostMemory(total, used float64) monitor.SystemMemorySampler {
	return monitor.SamplerFunc(func(context.Context) (monitor.SystemMemory, error) {
		return monitor.SystemMemory{TotalMB: total, UsedMB: used, AvailableMB: total - used}, nil
	})
}

func newTestStack(t *testing.T, cfg *config.Config) *Stack {
	t.Helper()
	s, err := New(context.Background(), cfg,
		WithTelemetry(telemetry.NewNop()),
		WithMonitorOptions(monitor.WithSampler(hostMemory(4096, 1024))),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func shutdown(t *testing.T, s *Stack) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestStackStartAndShutdown(t *testing.T) {
	s := newTestStack(t, config.Default())
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("expected error starting twice")
	}
	// a failed start stops every running loop
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart after rollback: %v", err)
	}

	s.Circuits.GetOrCreate(ctx, "db", "", nil)
	if err := s.System.CheckOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Health.Component(circuit.ResourcePrefix + "db"); !ok {
		t.Error("expected circuit health to reach the tracker")
	}
	if _, ok := s.Health.Component(monitor.ComponentStateManager); !ok {
		t.Error("expected state manager health to reach the tracker")
	}

	shutdown(t, s)
}

func TestStackPersistsCircuitsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.State.Backend = stores.Config{Type: stores.BackendFile}
	cfg.BaseDir = dir

	first := newTestStack(t, cfg)
	ctx := context.Background()
	first.Circuits.GetOrCreate(ctx, "db", "", nil)
	first.Circuits.GetOrCreate(ctx, "api", "", nil)
	if err := first.Circuits.RegisterDependency(ctx, "api", "db"); err != nil {
		t.Fatal(err)
	}
	first.Circuits.Trip("db", "maintenance")
	first.Circuits.Wait()
	shutdown(t, first)

	if _, err := os.Stat(filepath.Join(dir, "state")); err != nil {
		t.Fatalf("expected file backend under base dir: %v", err)
	}

	second := newTestStack(t, cfg)
	defer shutdown(t, second)

	db := second.Circuits.GetOrCreate(ctx, "db", "", nil)
	if db.State() != circuit.StateOpen {
		t.Errorf("expected db restored OPEN, got %s", db.State())
	}
	if deps := second.Circuits.Dependencies("db"); len(deps) != 1 || deps[0] != "api" {
		t.Errorf("expected dependency edge restored, got %v", deps)
	}
}

func TestStackApply(t *testing.T) {
	s := newTestStack(t, config.Default())
	defer shutdown(t, s)

	next := config.Default()
	next.Circuits.Default.FailureThreshold = 2
	next.Circuits.Components = map[string]circuit.Config{
		"database": {FailureThreshold: 9, RecoveryTimeout: time.Minute, HalfOpenMaxTries: 2, FailureWindow: time.Minute},
	}
	next.Memory.Thresholds.WarningPercent = 50
	s.Apply(next)

	ctx := context.Background()
	if got := s.Circuits.GetOrCreate(ctx, "cache", "", nil).Config().FailureThreshold; got != 2 {
		t.Errorf("expected reloaded default threshold 2, got %d", got)
	}
	if got := s.Circuits.GetOrCreate(ctx, "orders-db", "database", nil).Config().FailureThreshold; got != 9 {
		t.Errorf("expected component threshold 9, got %d", got)
	}
	if got := s.Memory.Thresholds().WarningPercent; got != 50 {
		t.Errorf("expected warning 50, got %v", got)
	}
	if s.Config() != next {
		t.Error("expected Config to return the applied configuration")
	}
}

func TestStackWatchAppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.yaml")
	if err := os.WriteFile(path, []byte("memory:\n  thresholds:\n    warning_percent: 70\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestStack(t, cfg)
	defer shutdown(t, s)
	if err := s.Watch(context.Background(), path); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("memory:\n  thresholds:\n    warning_percent: 40\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.Memory.Thresholds().WarningPercent != 40 {
		if time.Now().After(deadline) {
			t.Fatal("threshold was not hot-reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.State.Backend.Type = "postgres"
	if _, err := New(context.Background(), cfg, WithTelemetry(telemetry.NewNop())); err == nil {
		t.Error("expected error for unknown backend")
	}
}
