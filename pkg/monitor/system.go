package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/openfroyo/resilience/pkg/circuit"
	"github.com/openfroyo/resilience/pkg/health"
	"github.com/openfroyo/resilience/pkg/state"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// Health components reported by the system monitor.
const (
	ComponentTrackedMemory = "tracked_resource_memory"
	ComponentStateManager  = "state_manager"
)

// SystemConfig configures a SystemMonitor.
type SystemConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval" json:"check_interval" validate:"gte=0"`
	MemoryThreshold float64       `yaml:"memory_threshold" json:"memory_threshold" validate:"gte=0,lte=1"`
	MetricWindow    time.Duration `yaml:"metric_window" json:"metric_window" validate:"gte=0"`
}

// DefaultSystemConfig returns the default system monitor configuration.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		CheckInterval:   60 * time.Second,
		MemoryThreshold: 0.85,
		MetricWindow:    600 * time.Second,
	}
}

// SystemDeps are the components a SystemMonitor coordinates. Memory and
// Health are required.
type SystemDeps struct {
	Memory   *MemoryMonitor
	Health   *health.Tracker
	Circuits *circuit.Registry
	State    *state.Manager
}

// MemorySummary is the memory section of a SystemSnapshot.
type MemorySummary struct {
	TrackedMB     float64            `json:"tracked_mb" yaml:"tracked_mb"`
	TotalMB       float64            `json:"total_mb" yaml:"total_mb"`
	Ratio         float64            `json:"ratio" yaml:"ratio"`
	ResourceCount int                `json:"resource_count" yaml:"resource_count"`
	Components    map[string]float64 `json:"components" yaml:"components"`
	System        *SystemMemory      `json:"system,omitempty" yaml:"system,omitempty"`
	// Error is set when host memory could not be sampled.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// HealthSummary is the health section of a SystemSnapshot.
type HealthSummary struct {
	Status      health.Level            `json:"status" yaml:"status"`
	Description string                  `json:"description" yaml:"description"`
	Components  map[string]health.Level `json:"components" yaml:"components"`
}

// ResourceGroup aggregates tracked resources sharing an ID prefix.
type ResourceGroup struct {
	Count   int     `json:"count" yaml:"count"`
	TotalMB float64 `json:"total_mb" yaml:"total_mb"`
}

// SystemSnapshot is one consolidated view of memory, health, circuits and
// resources.
type SystemSnapshot struct {
	Timestamp time.Time                 `json:"timestamp" yaml:"timestamp"`
	Memory    MemorySummary             `json:"memory" yaml:"memory"`
	Health    HealthSummary             `json:"health" yaml:"health"`
	Circuits  map[string]circuit.Status `json:"circuits" yaml:"circuits"`
	Resources map[string]ResourceGroup  `json:"resources" yaml:"resources"`
	States    map[string]int            `json:"states,omitempty" yaml:"states,omitempty"`
}

// SystemMonitor runs the periodic health and metrics pass over the
// memory monitor, the circuit registry and the state manager.
type SystemMonitor struct {
	cfg     SystemConfig
	deps    SystemDeps
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  telemetry.Emitter
	clock   clock.Clock
	sampler SystemMemorySampler

	windowMu sync.Mutex
	window   []SystemSnapshot

	loopMu   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewSystemMonitor creates a system monitor over deps.
func NewSystemMonitor(cfg SystemConfig, deps SystemDeps, tel *telemetry.Telemetry, opts ...Option) (*SystemMonitor, error) {
	if deps.Memory == nil {
		return nil, errors.New("system monitor requires a memory monitor")
	}
	if deps.Health == nil {
		return nil, errors.New("system monitor requires a health tracker")
	}

	defaults := DefaultSystemConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = defaults.MemoryThreshold
	}
	if cfg.MetricWindow <= 0 {
		cfg.MetricWindow = defaults.MetricWindow
	}

	o := options{clock: clock.WallClock, sampler: deps.Memory.sampler}
	for _, opt := range opts {
		opt(&o)
	}

	tel = telemetry.OrNop(tel)
	return &SystemMonitor{
		cfg:     cfg,
		deps:    deps,
		log:     tel.Logger.NewComponentLogger("system_monitor"),
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
		events:  tel.Events,
		clock:   o.clock,
		sampler: o.sampler,
	}, nil
}

// CheckOnce runs one monitoring pass.
func (s *SystemMonitor) CheckOnce(ctx context.Context) error {
	ctx, span := s.tracer.StartMonitorSpan(ctx, "system")
	defer span.End()

	s.checkMemory(ctx)
	if s.deps.Circuits != nil {
		s.deps.Circuits.CheckCircuits(ctx)
	}
	if s.deps.State != nil {
		s.deps.Health.Update(ctx, ComponentStateManager, s.deps.State.HealthStatus(ctx))
	}

	system := s.deps.Health.SystemHealth()
	if err := s.events.Emit(ctx, telemetry.Event{
		Type:     telemetry.EventSystemHealthChanged,
		Source:   "system_monitor",
		Priority: telemetry.PriorityLow,
		Level:    telemetry.EventLevelInfo,
		Message:  system.Description,
		Data: map[string]interface{}{
			"component":   "system",
			"status":      string(system.Status),
			"description": system.Description,
			"metadata":    system.Metadata,
		},
	}); err != nil {
		s.log.WithError(err).Warn("failed to emit system health")
	}

	snap := s.CollectSystemMetrics(ctx)
	s.remember(snap)
	if err := s.events.Emit(ctx, telemetry.Event{
		Type:     telemetry.EventMetricRecorded,
		Source:   "system_monitor",
		Priority: telemetry.PriorityLow,
		Data: map[string]interface{}{
			"metric": "system_snapshot",
			"value":  1.0,
			"data": map[string]interface{}{
				"memory_usage":   snap.Memory.Ratio,
				"health_status":  string(snap.Health.Status),
				"circuit_count":  len(snap.Circuits),
				"resource_count": snap.Memory.ResourceCount,
			},
		},
	}); err != nil {
		s.log.WithError(err).Warn("failed to emit system snapshot")
	}

	if snap.Memory.Error != "" {
		err := fmt.Errorf("failed to sample host memory: %s", snap.Memory.Error)
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

func (s *SystemMonitor) checkMemory(ctx context.Context) {
	ratio := s.deps.Memory.TrackedRatio()
	level := health.Healthy
	if ratio > s.cfg.MemoryThreshold {
		level = health.Degraded
	}
	s.deps.Health.Update(ctx, ComponentTrackedMemory, health.Status{
		Status:      level,
		Source:      "memory_monitor",
		Description: fmt.Sprintf("Memory usage at %.1f%%", ratio*100),
		Metadata:    map[string]interface{}{"usage_percentage": ratio},
	})
}

// CollectSystemMetrics builds a SystemSnapshot. Sections that fail are
// reported inside the snapshot rather than as an error.
func (s *SystemMonitor) CollectSystemMetrics(ctx context.Context) SystemSnapshot {
	mem := s.deps.Memory
	snap := SystemSnapshot{
		Timestamp: s.clock.Now(),
		Circuits:  map[string]circuit.Status{},
		Resources: map[string]ResourceGroup{},
	}

	resources := mem.Resources()
	snap.Memory = MemorySummary{
		TrackedMB:     mem.TotalTrackedMB(),
		TotalMB:       mem.Thresholds().TotalMemoryMB,
		ResourceCount: len(resources),
		Components:    mem.ComponentUsages(),
	}
	snap.Memory.Ratio = mem.TrackedRatio()
	if sys, err := s.sampler.Sample(ctx); err != nil {
		snap.Memory.Error = err.Error()
	} else {
		snap.Memory.System = &sys
	}

	system := s.deps.Health.SystemHealth()
	snap.Health = HealthSummary{
		Status:      system.Status,
		Description: system.Description,
		Components:  map[string]health.Level{},
	}
	for name, st := range s.deps.Health.Components() {
		snap.Health.Components[name] = st.Status
	}

	if s.deps.Circuits != nil {
		snap.Circuits = s.deps.Circuits.StatusSummary()
	}

	for id, size := range resources {
		g := snap.Resources[resourceGroup(id)]
		g.Count++
		g.TotalMB += size
		snap.Resources[resourceGroup(id)] = g
	}

	if s.deps.State != nil {
		counts, err := s.deps.State.CountResourcesByState(ctx)
		if err != nil {
			s.log.WithError(err).Warn("failed to count resources by state")
		} else {
			snap.States = counts
		}
	}
	return snap
}

// resourceGroup returns the text before the first ':' or '_' of id.
func resourceGroup(id string) string {
	if i := strings.IndexAny(id, ":_"); i > 0 {
		return id[:i]
	}
	return "other"
}

func (s *SystemMonitor) remember(snap SystemSnapshot) {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	s.window = append(s.window, snap)
	cutoff := snap.Timestamp.Add(-s.cfg.MetricWindow)
	i := sort.Search(len(s.window), func(i int) bool {
		return s.window[i].Timestamp.After(cutoff)
	})
	s.window = append([]SystemSnapshot(nil), s.window[i:]...)
}

// RecentMetrics returns the snapshots collected within the metric window,
// oldest first.
func (s *SystemMonitor) RecentMetrics() []SystemSnapshot {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	return append([]SystemSnapshot(nil), s.window...)
}

// Start launches the monitoring loop. It does not start the coordinated
// components; each has its own Start.
func (s *SystemMonitor) Start(ctx context.Context) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("system monitor already running")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.loopDone = done

	go func() {
		defer close(done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-s.clock.After(s.cfg.CheckInterval):
				if err := s.CheckOnce(loopCtx); err != nil {
					s.log.WithError(err).Error("system monitoring pass failed")
					reportMonitoringError(loopCtx, s.events, s.log, "system_monitor", err, s.clock.Now())
				}
			}
		}
	}()

	s.log.WithField("interval", s.cfg.CheckInterval.String()).Info("system monitoring started")
	return nil
}

// Stop halts the monitoring loop.
func (s *SystemMonitor) Stop(ctx context.Context) error {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.loopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.log.Info("system monitoring stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out stopping system monitor: %w", ctx.Err())
	}
}
