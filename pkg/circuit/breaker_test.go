package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/openfroyo/resilience/pkg/faults"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }

func succeeding(context.Context) error { return nil }

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewBreaker("db", cfg, WithClock(clk)), clk
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, FailureWindow: time.Minute})

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected errBoom, got %v", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", got)
	}

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("operation ran while circuit was open")
	}

	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError, got %T", err)
	}
	if openErr.RetryAfter != time.Minute {
		t.Errorf("expected retry after 1m, got %s", openErr.RetryAfter)
	}
}

func TestBreakerHalfOpensBeforeRunningProbe(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})

	_ = b.Execute(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatal("expected OPEN")
	}

	clk.Advance(29 * time.Second)
	if err := b.Execute(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection before recovery timeout, got %v", err)
	}

	clk.Advance(time.Second)
	var during State
	err := b.Execute(context.Background(), func(context.Context) error {
		during = b.State()
		return nil
	})
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if during != StateHalfOpen {
		t.Errorf("expected HALF_OPEN during probe, got %s", during)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("expected CLOSED after successful probe, got %s", got)
	}
}

func TestBreakerRecoveryScenario(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureThreshold: 2, RecoveryTimeout: time.Second})

	var mu sync.Mutex
	var seen []State
	b.AddListener(func(_ string, _, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}
	if err := b.Execute(context.Background(), succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	clk.Advance(1100 * time.Millisecond)
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}

	recoveries := b.RecoveryDurations()
	if len(recoveries) != 1 || recoveries[0] != 1100*time.Millisecond {
		t.Errorf("expected one 1.1s recovery, got %v", recoveries)
	}
}

func TestBreakerHalfOpenNeedsEnoughSuccesses(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxTries: 2})

	_ = b.Execute(context.Background(), failing)
	clk.Advance(time.Second)

	_ = b.Execute(context.Background(), succeeding)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after one success, got %s", got)
	}
	_ = b.Execute(context.Background(), succeeding)
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected CLOSED after two successes, got %s", got)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureThreshold: 5, RecoveryTimeout: time.Second})

	b.Trip("test")
	clk.Advance(time.Second)
	_ = b.Execute(context.Background(), failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected OPEN after failed probe, got %s", got)
	}
}

func TestBreakerLimitsConcurrentProbes(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxTries: 1})
	_ = b.Execute(context.Background(), failing)
	clk.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Execute(context.Background(), succeeding)
	var openErr *OpenError
	if !errors.As(err, &openErr) || openErr.State != StateHalfOpen {
		t.Errorf("expected half-open rejection, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("expected CLOSED, got %s", got)
	}
}

func TestBreakerForgetsFailuresOutsideWindow(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureThreshold: 3, FailureWindow: 10 * time.Second})

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	clk.Advance(10 * time.Second)
	_ = b.Execute(context.Background(), failing)

	if got := b.State(); got != StateClosed {
		t.Fatalf("expected CLOSED, got %s", got)
	}
	if got := b.Snapshot().FailureCount; got != 1 {
		t.Errorf("expected failure count 1, got %d", got)
	}
}

func TestBreakerErrorClassification(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1})

	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatal("cancellation must not count as a failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	err = b.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !faults.IsTimeout(err) {
		t.Errorf("expected timeout error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout error should wrap DeadlineExceeded, got %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("expected OPEN after timeout, got %s", b.State())
	}

	ignore := NewBreaker("cache", Config{FailureThreshold: 1}, WithFailurePredicate(func(err error) bool {
		return !errors.Is(err, errBoom)
	}))
	_ = ignore.Execute(context.Background(), failing)
	if ignore.State() != StateClosed {
		t.Error("errors rejected by the predicate must not count")
	}
}

func TestBreakerTimeoutUsesInjectedClock(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureThreshold: 5})

	ctx, cancel := context.WithDeadline(context.Background(), clk.Now().Add(30*time.Second))
	defer cancel()
	err := b.Execute(ctx, func(context.Context) error { return context.DeadlineExceeded })

	var rerr *faults.ResourceError
	if !errors.As(err, &rerr) || !faults.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if got := rerr.Details["timeout_seconds"]; got != 30.0 {
		t.Errorf("expected 30s measured on the breaker clock, got %v", got)
	}
}

func TestBreakerTripAndReset(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig())

	if b.Reset() {
		t.Error("reset of a closed circuit should report false")
	}
	if !b.Trip("maintenance") {
		t.Error("expected trip to report true")
	}
	if b.Trip("again") {
		t.Error("trip of an open circuit should report false")
	}
	if got := b.Snapshot().LastReason; got != "maintenance" {
		t.Errorf("expected reason maintenance, got %q", got)
	}
	if !b.Reset() {
		t.Error("expected reset to report true")
	}
	if b.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", b.State())
	}
}

func TestBreakerListenerPanicIsRecovered(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig())

	called := false
	b.AddListener(func(string, State, State) { panic("listener bug") })
	b.AddListener(func(string, State, State) { called = true })

	if !b.Trip("test") {
		t.Fatal("expected trip")
	}
	if !called {
		t.Error("listener after a panicking one was not called")
	}
}

func TestBreakerStateDurations(t *testing.T) {
	b, clk := newTestBreaker(t, DefaultConfig())

	clk.Advance(5 * time.Second)
	b.Trip("test")
	clk.Advance(3 * time.Second)

	d := b.StateDurations()
	if d[StateClosed] != 5*time.Second {
		t.Errorf("expected 5s closed, got %s", d[StateClosed])
	}
	if d[StateOpen] != 3*time.Second {
		t.Errorf("expected 3s open, got %s", d[StateOpen])
	}
}

func TestBreakerRestoreIsSilent(t *testing.T) {
	b, clk := newTestBreaker(t, Config{RecoveryTimeout: 10 * time.Second})
	notified := false
	b.AddListener(func(string, State, State) { notified = true })

	b.Restore(Snapshot{State: StateOpen, FailureCount: 4})
	if notified {
		t.Error("restore must not notify listeners")
	}
	snap := b.Snapshot()
	if snap.State != StateOpen || snap.FailureCount != 4 {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	clk.Advance(10 * time.Second)
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Errorf("expected restored circuit to recover, got %v", err)
	}
}
