package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/openfroyo/resilience/pkg/faults"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// State is the position of a circuit in its state machine.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// gaugeValue maps a state onto the circuit state gauge.
func (s State) gaugeValue() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// errorWindow bounds how long failure timestamps are kept for error density.
const errorWindow = time.Hour

// Config tunes a single circuit.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" validate:"gt=0"`
	HalfOpenMaxTries int           `yaml:"half_open_max_tries" json:"half_open_max_tries" validate:"gte=1"`
	FailureWindow    time.Duration `yaml:"failure_window" json:"failure_window" validate:"gt=0"`
}

// DefaultConfig returns the default circuit configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxTries: 1,
		FailureWindow:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxTries <= 0 {
		c.HalfOpenMaxTries = d.HalfOpenMaxTries
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	return c
}

// Listener is told about every state change of a circuit.
type Listener func(name string, from, to State)

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock sets the time source.
func WithClock(clk clock.Clock) BreakerOption {
	return func(b *Breaker) { b.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(log *telemetry.Logger) BreakerOption {
	return func(b *Breaker) { b.log = log }
}

// WithMetrics records call outcomes and transitions.
func WithMetrics(m *telemetry.Metrics) BreakerOption {
	return func(b *Breaker) { b.metrics = m }
}

// WithFailurePredicate decides which errors count as failures. Errors for
// which it returns false are passed through untouched.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) { b.isFailure = fn }
}

func defaultFailurePredicate(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Breaker guards calls to one dependency.
type Breaker struct {
	name      string
	cfg       Config
	clock     clock.Clock
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	isFailure func(error) bool

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailure       time.Time
	lastStateChange   time.Time
	halfOpenSuccesses int
	inFlightProbes    int
	generation        uint64
	lastReason        string

	openedAt       time.Time
	recoveries     []time.Duration
	stateDurations map[State]time.Duration
	failureTimes   []time.Time

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewBreaker creates a closed circuit.
func NewBreaker(name string, cfg Config, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:           name,
		cfg:            cfg.withDefaults(),
		clock:          clock.WallClock,
		log:            telemetry.NewNopLogger(),
		isFailure:      defaultFailurePredicate,
		state:          StateClosed,
		stateDurations: make(map[State]time.Duration),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithCircuit(name)
	b.lastStateChange = b.clock.Now()
	return b
}

// Name returns the circuit name.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state without applying the lazy OPEN to
// HALF_OPEN transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type transition struct {
	from, to State
	reason   string
}

// Execute runs op unless the circuit rejects it. Failures of op are
// returned unchanged, except deadline errors which are wrapped in a
// timeout error.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	b.mu.Lock()
	var pending []transition
	pending = b.refreshLocked(pending)

	if rejection := b.admitLocked(); rejection != nil {
		b.mu.Unlock()
		b.fire(pending)
		b.metrics.RecordCircuitCall(b.name, "rejected", 0)
		return rejection
	}
	probe := b.state == StateHalfOpen
	gen := b.generation
	if probe {
		b.inFlightProbes++
	}
	b.mu.Unlock()
	b.fire(pending)

	start := b.clock.Now()
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = deadline.Sub(start)
	}

	err := op(ctx)
	elapsed := b.clock.Now().Sub(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = faults.NewTimeoutError(b.name, "execute", timeout, err)
	}

	b.mu.Lock()
	pending = pending[:0]
	if probe && gen == b.generation {
		b.inFlightProbes--
	}
	result := "success"
	switch {
	case err == nil:
		if b.state == StateHalfOpen && gen == b.generation {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxTries {
				pending = append(pending, b.moveLocked(StateClosed, "recovery_confirmed"))
			}
		}
	case b.isFailure(err):
		result = "failure"
		pending = b.recordFailureLocked(pending)
	default:
		result = "ignored"
	}
	b.mu.Unlock()
	b.fire(pending)

	b.metrics.RecordCircuitCall(b.name, result, elapsed)
	return err
}

// refreshLocked applies time-driven changes: OPEN becomes HALF_OPEN once
// the recovery timeout has elapsed, and stale failures are forgotten.
func (b *Breaker) refreshLocked(pending []transition) []transition {
	now := b.clock.Now()
	if b.state == StateOpen && now.Sub(b.lastStateChange) >= b.cfg.RecoveryTimeout {
		pending = append(pending, b.moveLocked(StateHalfOpen, "recovery_timeout_elapsed"))
	}
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) >= b.cfg.FailureWindow {
		b.failureCount = 0
	}
	return pending
}

func (b *Breaker) admitLocked() error {
	switch b.state {
	case StateOpen:
		retry := b.cfg.RecoveryTimeout - b.clock.Now().Sub(b.lastStateChange)
		if retry < 0 {
			retry = 0
		}
		return &OpenError{Name: b.name, State: StateOpen, Reason: b.lastReason, RetryAfter: retry}
	case StateHalfOpen:
		if b.inFlightProbes >= b.cfg.HalfOpenMaxTries {
			return &OpenError{Name: b.name, State: StateHalfOpen, Reason: "max half-open probes in flight"}
		}
	}
	return nil
}

func (b *Breaker) recordFailureLocked(pending []transition) []transition {
	now := b.clock.Now()
	b.failureCount++
	b.lastFailure = now
	b.failureTimes = append(b.failureTimes, now)
	b.pruneFailuresLocked(now)

	switch b.state {
	case StateHalfOpen:
		pending = append(pending, b.moveLocked(StateOpen, "probe_failed"))
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			pending = append(pending, b.moveLocked(StateOpen, "failure_threshold_exceeded"))
		}
	}
	return pending
}

func (b *Breaker) pruneFailuresLocked(now time.Time) {
	cutoff := now.Add(-errorWindow)
	i := 0
	for i < len(b.failureTimes) && !b.failureTimes[i].After(cutoff) {
		i++
	}
	b.failureTimes = b.failureTimes[i:]
}

// moveLocked changes state and updates the reliability bookkeeping.
func (b *Breaker) moveLocked(to State, reason string) transition {
	now := b.clock.Now()
	from := b.state
	b.stateDurations[from] += now.Sub(b.lastStateChange)

	b.state = to
	b.lastStateChange = now
	b.lastReason = reason
	b.generation++
	b.halfOpenSuccesses = 0
	b.inFlightProbes = 0

	switch to {
	case StateOpen:
		if from == StateClosed || b.openedAt.IsZero() {
			b.openedAt = now
		}
	case StateClosed:
		b.failureCount = 0
		if !b.openedAt.IsZero() {
			b.recoveries = append(b.recoveries, now.Sub(b.openedAt))
			b.openedAt = time.Time{}
		}
	}
	return transition{from: from, to: to, reason: reason}
}

func (b *Breaker) fire(pending []transition) {
	for _, tr := range pending {
		b.metrics.SetCircuitState(b.name, tr.to.gaugeValue())
		b.metrics.RecordCircuitTransition(b.name, string(tr.from), string(tr.to))

		entry := b.log.WithFields(map[string]interface{}{
			"from":   string(tr.from),
			"to":     string(tr.to),
			"reason": tr.reason,
		})
		if tr.to == StateOpen {
			entry.Warn("circuit opened")
		} else {
			entry.Info("circuit state changed")
		}

		b.listenersMu.RLock()
		listeners := append([]Listener(nil), b.listeners...)
		b.listenersMu.RUnlock()
		for _, fn := range listeners {
			b.notify(fn, tr)
		}
	}
}

func (b *Breaker) notify(fn Listener, tr transition) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", fmt.Sprint(r)).Error("circuit listener panicked")
		}
	}()
	fn(b.name, tr.from, tr.to)
}

// Trip forces the circuit OPEN. It reports false if it was already open.
func (b *Breaker) Trip(reason string) bool {
	if reason == "" {
		reason = "manual trip"
	}
	b.mu.Lock()
	if b.state == StateOpen {
		b.mu.Unlock()
		return false
	}
	tr := b.moveLocked(StateOpen, reason)
	b.mu.Unlock()
	b.fire([]transition{tr})
	return true
}

// Reset forces the circuit CLOSED. It reports false if it was already closed.
func (b *Breaker) Reset() bool {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return false
	}
	tr := b.moveLocked(StateClosed, "manual reset")
	b.mu.Unlock()
	b.fire([]transition{tr})
	return true
}

// AddListener registers fn for state changes. Listeners run synchronously
// after the circuit lock is released; panics are recovered and logged.
func (b *Breaker) AddListener(fn Listener) {
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenersMu.Unlock()
}

// Snapshot is a point-in-time copy of a circuit's state.
type Snapshot struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	FailureCount      int       `json:"failure_count"`
	LastFailure       time.Time `json:"last_failure,omitempty"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastReason        string    `json:"last_reason,omitempty"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	InFlightProbes    int       `json:"in_flight_probes"`
	RecentFailures    int       `json:"recent_failures"`
	Config            Config    `json:"config"`
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneFailuresLocked(b.clock.Now())
	return Snapshot{
		Name:              b.name,
		State:             b.state,
		FailureCount:      b.failureCount,
		LastFailure:       b.lastFailure,
		LastStateChange:   b.lastStateChange,
		LastReason:        b.lastReason,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		InFlightProbes:    b.inFlightProbes,
		RecentFailures:    len(b.failureTimes),
		Config:            b.cfg,
	}
}

// Restore loads persisted state without notifying listeners. The state
// change time is reset to now so an OPEN circuit waits a full recovery
// timeout.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if s.State != "" && s.State != b.state {
		b.stateDurations[b.state] += now.Sub(b.lastStateChange)
		b.state = s.State
		b.generation++
		b.halfOpenSuccesses = 0
		b.inFlightProbes = 0
		if s.State != StateClosed {
			b.openedAt = now
		}
	}
	b.lastStateChange = now
	b.failureCount = s.FailureCount
	b.lastFailure = s.LastFailure
	b.lastReason = s.LastReason
	b.metrics.SetCircuitState(b.name, b.state.gaugeValue())
}

// RecoveryDurations returns how long each past outage lasted, from the
// first OPEN transition to the following CLOSED one.
func (b *Breaker) RecoveryDurations() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Duration(nil), b.recoveries...)
}

// StateDurations returns the total time spent in each state, including
// the time spent so far in the current one.
func (b *Breaker) StateDurations() map[State]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[State]time.Duration, len(b.stateDurations)+1)
	for k, v := range b.stateDurations {
		out[k] = v
	}
	out[b.state] += b.clock.Now().Sub(b.lastStateChange)
	return out
}
