package circuit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/openfroyo/resilience/pkg/health"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// ResourcePrefix prefixes circuit names in health components and persisted
// resource IDs.
const ResourcePrefix = "circuit_breaker_"

const maxStateHistory = 100

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Default         Config            `yaml:"default" json:"default"`
	Components      map[string]Config `yaml:"components" json:"components,omitempty" validate:"omitempty,dive"`
	MonitorInterval time.Duration     `yaml:"monitor_interval" json:"monitor_interval" validate:"gte=0"`
	Persist         bool              `yaml:"persist" json:"persist"`
}

// DefaultRegistryConfig returns the default registry configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Default:         DefaultConfig(),
		Components:      map[string]Config{},
		MonitorInterval: 30 * time.Second,
		Persist:         true,
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHealthReporter sends circuit health to r.
func WithHealthReporter(r health.Reporter) RegistryOption {
	return func(reg *Registry) { reg.health = r }
}

// WithPersister saves circuit state through p.
func WithPersister(p StatePersister) RegistryOption {
	return func(reg *Registry) { reg.persister = p }
}

// WithRegistryClock sets the time source for the registry and every
// circuit it creates.
func WithRegistryClock(clk clock.Clock) RegistryOption {
	return func(reg *Registry) { reg.clock = clk }
}

// StateChange is one recorded transition of a circuit.
type StateChange struct {
	Timestamp time.Time `json:"timestamp"`
	From      State     `json:"from"`
	To        State     `json:"to"`
}

type circuitMeta struct {
	registered time.Time
	tripCount  int
	lastTrip   time.Time
	lastReset  time.Time
	lastLoaded time.Time
}

// Status summarises one circuit.
type Status struct {
	State           State          `json:"state" yaml:"state"`
	FailureCount    int            `json:"failure_count" yaml:"failure_count"`
	LastFailure     *time.Time     `json:"last_failure" yaml:"last_failure"`
	ErrorDensity    float64        `json:"error_density" yaml:"error_density"`
	AvgRecoveryTime *time.Duration `json:"avg_recovery_time" yaml:"avg_recovery_time"`
	Children        []string       `json:"children,omitempty" yaml:"children,omitempty"`
	TripCount       int            `json:"trip_count" yaml:"trip_count"`
}

// Registry owns every circuit in the process, the dependency graph
// between them and the cascade of trips from parents to children.
type Registry struct {
	cfg       RegistryConfig
	clock     clock.Clock
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    telemetry.Emitter
	health    health.Reporter
	persister StatePersister

	mu       sync.RWMutex
	circuits map[string]*Breaker
	meta     map[string]*circuitMeta
	children map[string][]string
	parents  map[string][]string
	history  map[string][]StateChange
	pending  map[string]record

	// tasksMu guards the cascade counter; tasksIdle is signalled when it
	// drops to zero.
	tasksMu   sync.Mutex
	tasksIdle *sync.Cond
	tasks     int
	draining  bool

	loopMu   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, tel *telemetry.Telemetry, opts ...RegistryOption) *Registry {
	defaults := DefaultRegistryConfig()
	cfg.Default = cfg.Default.withDefaults()
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaults.MonitorInterval
	}
	if cfg.Components == nil {
		cfg.Components = map[string]Config{}
	}

	tel = telemetry.OrNop(tel)
	r := &Registry{
		cfg:      cfg,
		clock:    clock.WallClock,
		log:      tel.Logger.NewComponentLogger("circuit_registry"),
		metrics:  tel.Metrics,
		tracer:   tel.Tracer,
		events:   tel.Events,
		circuits: make(map[string]*Breaker),
		meta:     make(map[string]*circuitMeta),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
		history:  make(map[string][]StateChange),
		pending:  make(map[string]record),
	}
	r.tasksIdle = sync.NewCond(&r.tasksMu)
	for _, opt := range opts {
		opt(r)
	}
	if !cfg.Persist {
		r.persister = nil
	}
	return r
}

// SetDefaultConfig replaces the configuration used for new circuits.
func (r *Registry) SetDefaultConfig(cfg Config) {
	r.mu.Lock()
	r.cfg.Default = cfg.withDefaults()
	r.mu.Unlock()
}

// RegisterComponentConfig sets the configuration for new circuits created
// on behalf of component.
func (r *Registry) RegisterComponentConfig(component string, cfg Config) {
	r.mu.Lock()
	r.cfg.Components[component] = cfg.withDefaults()
	r.mu.Unlock()
}

// GetOrCreate returns the circuit called name, creating it if needed. A
// new circuit uses cfg when given, else the configuration registered for
// component, else the default.
func (r *Registry) GetOrCreate(ctx context.Context, name, component string, cfg *Config) *Breaker {
	r.mu.RLock()
	b, ok := r.circuits[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	if b, ok := r.circuits[name]; ok {
		r.mu.Unlock()
		return b
	}

	effective := r.cfg.Default
	if cfg != nil {
		effective = cfg.withDefaults()
	} else if c, ok := r.cfg.Components[component]; ok && component != "" {
		effective = c.withDefaults()
	}

	b = NewBreaker(name, effective,
		WithClock(r.clock),
		WithLogger(r.log),
		WithMetrics(r.metrics),
	)
	b.AddListener(r.onStateChange)
	r.circuits[name] = b
	r.meta[name] = &circuitMeta{registered: r.clock.Now()}

	rec, hasPending := r.pending[name]
	delete(r.pending, name)
	r.mu.Unlock()

	r.metrics.SetCircuitState(name, StateClosed.gaugeValue())
	r.log.WithCircuit(name).WithField("component", component).Info("circuit created")

	if hasPending {
		r.apply(name, b, rec)
	}
	r.reportHealth(ctx, name, b.Snapshot(), fmt.Sprintf("Circuit breaker %s initialized", name))
	return b
}

// Circuit returns the circuit called name.
func (r *Registry) Circuit(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.circuits[name]
	return b, ok
}

// Names returns every circuit name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependencies returns the direct children of name.
func (r *Registry) Dependencies(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.children[name]...)
}

// Parents returns the circuits that name depends on.
func (r *Registry) Parents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.parents[name]...)
}

// History returns the recorded transitions of name, oldest first.
func (r *Registry) History(name string) []StateChange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]StateChange(nil), r.history[name]...)
}

// RegisterDependency makes child depend on parent: when parent opens,
// child is tripped. Both circuits must exist and the edge must not close
// a cycle.
func (r *Registry) RegisterDependency(ctx context.Context, child, parent string) error {
	r.mu.Lock()
	if _, ok := r.circuits[child]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("child %s: %w", child, ErrCircuitNotFound)
	}
	if _, ok := r.circuits[parent]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("parent %s: %w", parent, ErrCircuitNotFound)
	}
	if contains(r.children[parent], child) {
		r.mu.Unlock()
		return nil
	}
	if cycle := r.pathLocked(child, parent); cycle != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(append([]string{parent}, cycle...), " -> "))
	}
	r.addEdgeLocked(child, parent)
	r.mu.Unlock()

	r.log.WithFields(map[string]interface{}{
		"child":  child,
		"parent": parent,
	}).Info("circuit dependency registered")

	r.save(ctx, parent)
	r.save(ctx, child)
	return nil
}

func (r *Registry) addEdgeLocked(child, parent string) {
	if !contains(r.children[parent], child) {
		r.children[parent] = append(r.children[parent], child)
	}
	if !contains(r.parents[child], parent) {
		r.parents[child] = append(r.parents[child], parent)
	}
}

// pathLocked returns the chain of children leading from start to target,
// or nil when target is unreachable.
func (r *Registry) pathLocked(start, target string) []string {
	visited := make(map[string]bool)
	var visit func(node string, path []string) []string
	visit = func(node string, path []string) []string {
		path = append(path, node)
		if node == target {
			return path
		}
		visited[node] = true
		for _, next := range r.children[node] {
			if visited[next] {
				continue
			}
			if found := visit(next, path); found != nil {
				return found
			}
		}
		return nil
	}
	return visit(start, nil)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// onStateChange is registered on every circuit. It records the change,
// publishes it, persists it and cascades OPEN to children.
func (r *Registry) onStateChange(name string, from, to State) {
	ctx := context.Background()
	now := r.clock.Now()

	r.mu.Lock()
	h := append(r.history[name], StateChange{Timestamp: now, From: from, To: to})
	if len(h) > maxStateHistory {
		h = h[len(h)-maxStateHistory:]
	}
	r.history[name] = h
	if m, ok := r.meta[name]; ok {
		if to == StateOpen {
			m.tripCount++
			m.lastTrip = now
		}
		if from == StateOpen && to == StateClosed {
			m.lastReset = now
		}
	}
	children := append([]string(nil), r.children[name]...)
	b := r.circuits[name]
	r.mu.Unlock()

	priority := telemetry.PriorityNormal
	level := telemetry.EventLevelInfo
	if to == StateOpen {
		priority = telemetry.PriorityHigh
		level = telemetry.EventLevelWarning
	}
	if err := r.events.Emit(ctx, telemetry.Event{
		Type:       telemetry.EventSystemHealthChanged,
		Source:     "circuit_registry",
		ResourceID: ResourcePrefix + name,
		Priority:   priority,
		Level:      level,
		Message:    fmt.Sprintf("circuit %s changed from %s to %s", name, from, to),
		Data: map[string]interface{}{
			"component": "circuit_breaker",
			"circuit":   name,
			"old_state": string(from),
			"new_state": string(to),
			"timestamp": now,
		},
	}); err != nil {
		r.log.WithError(err).Warn("failed to emit circuit state event")
	}

	if b != nil {
		r.reportHealth(ctx, name, b.Snapshot(), "")
	}

	if to == StateOpen && len(children) > 0 {
		r.log.WithCircuit(name).WithField("children", children).Warn("cascading trip to dependent circuits")
		for _, child := range children {
			r.cascade(name, child)
		}
	}

	r.save(ctx, name)
}

// cascade trips child in a tracked goroutine. While the registry is
// stopping the trip runs inline so Stop can drain every cascade.
func (r *Registry) cascade(parent, child string) {
	b, ok := r.Circuit(child)
	if !ok {
		return
	}
	reason := "cascade from " + parent

	r.tasksMu.Lock()
	if r.draining {
		r.tasksMu.Unlock()
		b.Trip(reason)
		return
	}
	r.tasks++
	r.tasksMu.Unlock()

	go func() {
		defer r.taskDone()
		b.Trip(reason)
	}()
}

func (r *Registry) taskDone() {
	r.tasksMu.Lock()
	r.tasks--
	if r.tasks == 0 {
		r.tasksIdle.Broadcast()
	}
	r.tasksMu.Unlock()
}

// Execute runs op through the circuit called name, creating it with the
// default configuration if needed.
func (r *Registry) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	ctx, span := r.tracer.StartCircuitSpan(ctx, name)
	defer span.End()

	err := r.GetOrCreate(ctx, name, "", nil).Execute(ctx, op)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// Trip forces name OPEN. It reports false when the circuit was already
// open or does not exist.
func (r *Registry) Trip(name, reason string) bool {
	b, ok := r.Circuit(name)
	if !ok {
		return false
	}
	return b.Trip(reason)
}

// Reset forces name CLOSED. It reports false when the circuit was already
// closed or does not exist.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Circuit(name)
	if !ok {
		return false
	}
	return b.Reset()
}

// ResetAll closes every circuit and returns how many changed.
func (r *Registry) ResetAll() int {
	n := 0
	for _, name := range r.Names() {
		if r.Reset(name) {
			n++
		}
	}
	return n
}

// StatusSummary returns the status of every circuit.
func (r *Registry) StatusSummary() map[string]Status {
	out := make(map[string]Status)
	for _, name := range r.Names() {
		b, ok := r.Circuit(name)
		if !ok {
			continue
		}
		out[name] = r.status(name, b)
	}
	return out
}

func (r *Registry) status(name string, b *Breaker) Status {
	snap := b.Snapshot()
	s := Status{
		State:           snap.State,
		FailureCount:    snap.FailureCount,
		ErrorDensity:    errorDensity(snap.RecentFailures),
		AvgRecoveryTime: averageDuration(b.RecoveryDurations()),
		Children:        r.Dependencies(name),
	}
	if !snap.LastFailure.IsZero() {
		t := snap.LastFailure
		s.LastFailure = &t
	}
	r.mu.RLock()
	if m, ok := r.meta[name]; ok {
		s.TripCount = m.tripCount
	}
	r.mu.RUnlock()
	return s
}

// errorDensity is failures per minute over the error window.
func errorDensity(failures int) float64 {
	if failures == 0 {
		return 0
	}
	return float64(failures) * 60 / errorWindow.Seconds()
}

func averageDuration(ds []time.Duration) *time.Duration {
	if len(ds) == 0 {
		return nil
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	avg := total / time.Duration(len(ds))
	return &avg
}

func healthLevel(s State) health.Level {
	switch s {
	case StateOpen:
		return health.Unhealthy
	case StateHalfOpen:
		return health.Degraded
	default:
		return health.Healthy
	}
}

func (r *Registry) reportHealth(ctx context.Context, name string, snap Snapshot, description string) {
	if r.health == nil {
		return
	}
	if description == "" {
		description = fmt.Sprintf("Circuit %s is %s", name, snap.State)
		if snap.State == StateOpen {
			description = fmt.Sprintf("Circuit %s is OPEN with %d failures", name, snap.FailureCount)
		}
	}
	r.health.Update(ctx, ResourcePrefix+name, health.Status{
		Status:      healthLevel(snap.State),
		Source:      ResourcePrefix + name,
		Description: description,
		Metadata: map[string]interface{}{
			"state":         string(snap.State),
			"failure_count": snap.FailureCount,
		},
		Timestamp: r.clock.Now(),
	})
}

// CheckCircuits pushes the health and reliability metrics of every
// circuit to the health reporter.
func (r *Registry) CheckCircuits(ctx context.Context) {
	ctx, span := r.tracer.StartMonitorSpan(ctx, "circuit_registry")
	defer span.End()

	now := r.clock.Now()
	for _, name := range r.Names() {
		b, ok := r.Circuit(name)
		if !ok {
			continue
		}
		snap := b.Snapshot()
		r.metrics.SetCircuitState(name, snap.State.gaugeValue())
		if r.health == nil {
			continue
		}

		durations := make(map[string]float64)
		for st, d := range b.StateDurations() {
			durations[string(st)] = d.Seconds()
		}
		var lastFailure interface{}
		if !snap.LastFailure.IsZero() {
			lastFailure = snap.LastFailure
		}
		var avgRecovery interface{}
		if avg := averageDuration(b.RecoveryDurations()); avg != nil {
			avgRecovery = avg.Seconds()
		}

		description := fmt.Sprintf("Circuit %s is %s", name, snap.State)
		if snap.State == StateOpen {
			description = fmt.Sprintf("Circuit %s is OPEN with %d failures", name, snap.FailureCount)
		}
		r.health.Update(ctx, ResourcePrefix+name, health.Status{
			Status:      healthLevel(snap.State),
			Source:      ResourcePrefix + name,
			Description: description,
			Metadata: map[string]interface{}{
				"state":             string(snap.State),
				"failure_count":     snap.FailureCount,
				"last_failure":      lastFailure,
				"error_density":     errorDensity(snap.RecentFailures),
				"time_in_state":     now.Sub(snap.LastStateChange).Seconds(),
				"state_durations":   durations,
				"avg_recovery_time": avgRecovery,
			},
			Timestamp: now,
		})
	}
	telemetry.RecordSuccess(span)
}

// Start launches the monitor loop.
func (r *Registry) Start(ctx context.Context) error {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("circuit monitor already running")
	}

	r.tasksMu.Lock()
	r.draining = false
	r.tasksMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.cancel = cancel
	r.loopDone = done

	go func() {
		defer close(done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-r.clock.After(r.cfg.MonitorInterval):
				r.CheckCircuits(loopCtx)
			}
		}
	}()

	r.log.WithField("interval", r.cfg.MonitorInterval.String()).Info("circuit monitor started")
	return nil
}

// Stop halts the monitor loop, waits for pending cascades and saves every
// circuit.
func (r *Registry) Stop(ctx context.Context) error {
	r.loopMu.Lock()
	cancel, done := r.cancel, r.loopDone
	r.cancel, r.loopDone = nil, nil
	r.loopMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("timed out stopping circuit monitor: %w", ctx.Err())
		}
	}

	r.tasksMu.Lock()
	r.draining = true
	r.tasksMu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for circuit cascades: %w", ctx.Err())
	}

	if err := r.SaveAll(ctx); err != nil {
		return err
	}
	r.log.Info("circuit monitor stopped")
	return nil
}

// Wait blocks until every in-flight cascade has finished. Cascades started
// while Wait is blocked are waited for too.
func (r *Registry) Wait() {
	r.tasksMu.Lock()
	for r.tasks > 0 {
		r.tasksIdle.Wait()
	}
	r.tasksMu.Unlock()
}
