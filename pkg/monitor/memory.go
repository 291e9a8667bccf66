package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/openfroyo/resilience/pkg/faults"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// Alert levels carried in resource_alert_created events.
const (
	LevelWarning  = "WARNING"
	LevelCritical = "CRITICAL"
)

// Alert types carried in resource_alert_created events.
const (
	AlertResourceMemory  = "resource_memory"
	AlertComponentMemory = "component_memory"
	AlertSystemMemory    = "memory"
)

// Thresholds bound memory use. Percentages apply to TotalMemoryMB for
// component totals and to host memory for the system poll.
type Thresholds struct {
	WarningPercent   float64 `yaml:"warning_percent" json:"warning_percent" validate:"gt=0,lte=100"`
	CriticalPercent  float64 `yaml:"critical_percent" json:"critical_percent" validate:"gt=0,lte=100,gtefield=WarningPercent"`
	PerResourceMaxMB float64 `yaml:"per_resource_max_mb" json:"per_resource_max_mb" validate:"gt=0"`
	// TotalMemoryMB of zero takes the default.
	TotalMemoryMB    float64 `yaml:"total_memory_mb" json:"total_memory_mb" validate:"gte=0"`
}

// DefaultThresholds returns the default memory thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningPercent:   70,
		CriticalPercent:  90,
		PerResourceMaxMB: 100,
		TotalMemoryMB:    1024,
	}
}

// withDefaults fills every unset or non-positive field from base.
func (t Thresholds) withDefaults(base Thresholds) Thresholds {
	if t.WarningPercent <= 0 {
		t.WarningPercent = base.WarningPercent
	}
	if t.CriticalPercent <= 0 {
		t.CriticalPercent = base.CriticalPercent
	}
	if t.PerResourceMaxMB <= 0 {
		t.PerResourceMaxMB = base.PerResourceMaxMB
	}
	if t.TotalMemoryMB <= 0 {
		t.TotalMemoryMB = base.TotalMemoryMB
	}
	return t
}

// LimitMB returns the component total in megabytes that triggers level.
func (t Thresholds) LimitMB(level string) float64 {
	switch level {
	case LevelCritical:
		return t.TotalMemoryMB * t.CriticalPercent / 100
	case LevelWarning:
		return t.TotalMemoryMB * t.WarningPercent / 100
	}
	return t.TotalMemoryMB
}

// MemoryConfig configures a MemoryMonitor.
type MemoryConfig struct {
	Thresholds    Thresholds            `yaml:"thresholds" json:"thresholds"`
	Components    map[string]Thresholds `yaml:"components" json:"components,omitempty" validate:"omitempty,dive"`
	CheckInterval time.Duration         `yaml:"check_interval" json:"check_interval" validate:"gte=0"`
}

// DefaultMemoryConfig returns the default memory monitor configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Thresholds:    DefaultThresholds(),
		Components:    map[string]Thresholds{},
		CheckInterval: 60 * time.Second,
	}
}

// Option configures a monitor.
type Option func(*options)

type options struct {
	clock   clock.Clock
	sampler SystemMemorySampler
}

// WithClock sets the time source for the monitor loop.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithSampler sets the host memory sampler. Without one the monitor reads
// /proc/meminfo.
func WithSampler(s SystemMemorySampler) Option {
	return func(o *options) { o.sampler = s }
}

type tracked struct {
	sizeMB    float64
	component string
}

// MemoryMonitor tracks the size of resources per component and raises
// alerts when sizes cross their thresholds.
type MemoryMonitor struct {
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  telemetry.Emitter
	clock   clock.Clock
	sampler SystemMemorySampler

	mu            sync.RWMutex
	thresholds    Thresholds
	components    map[string]Thresholds
	resources     map[string]tracked
	checkInterval time.Duration

	loopMu   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewMemoryMonitor creates a monitor. When no sampler is given and
// /proc cannot be opened the system poll reports errors but tracking
// keeps working.
func NewMemoryMonitor(cfg MemoryConfig, tel *telemetry.Telemetry, opts ...Option) *MemoryMonitor {
	o := options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}

	tel = telemetry.OrNop(tel)
	m := &MemoryMonitor{
		log:           tel.Logger.NewComponentLogger("memory_monitor"),
		metrics:       tel.Metrics,
		tracer:        tel.Tracer,
		events:        tel.Events,
		clock:         o.clock,
		sampler:       o.sampler,
		thresholds:    cfg.Thresholds.withDefaults(DefaultThresholds()),
		components:    make(map[string]Thresholds),
		resources:     make(map[string]tracked),
		checkInterval: cfg.CheckInterval,
	}
	if m.checkInterval <= 0 {
		m.checkInterval = DefaultMemoryConfig().CheckInterval
	}
	for name, t := range cfg.Components {
		m.components[name] = t.withDefaults(m.thresholds)
	}

	if m.sampler == nil {
		proc, err := NewProcSampler()
		if err != nil {
			m.log.WithError(err).Warn("system memory sampling unavailable")
			m.sampler = SamplerFunc(func(context.Context) (SystemMemory, error) { return SystemMemory{}, err })
		} else {
			m.sampler = proc
		}
	}
	return m
}

// SetThresholds replaces the default thresholds.
func (m *MemoryMonitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	m.thresholds = t.withDefaults(DefaultThresholds())
	m.mu.Unlock()
}

// Thresholds returns the default thresholds.
func (m *MemoryMonitor) Thresholds() Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// RegisterComponentThresholds sets the thresholds used for component.
// Unset fields take the monitor's current defaults.
func (m *MemoryMonitor) RegisterComponentThresholds(component string, t Thresholds) {
	m.mu.Lock()
	m.components[component] = t.withDefaults(m.thresholds)
	m.mu.Unlock()
}

// Components returns the names of components with their own thresholds.
func (m *MemoryMonitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.components))
	for name := range m.components {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryMonitor) thresholdsFor(component string) Thresholds {
	if t, ok := m.components[component]; ok {
		return t
	}
	return m.thresholds
}

// TrackResource records the size of resourceID, alerting when it exceeds
// the per-resource limit and when the component total crosses a level.
func (m *MemoryMonitor) TrackResource(ctx context.Context, resourceID string, sizeMB float64, component string) {
	m.mu.Lock()
	m.resources[resourceID] = tracked{sizeMB: sizeMB, component: component}
	limits := m.thresholdsFor(component)
	total := m.componentUsageLocked(component)
	m.mu.Unlock()

	m.metrics.SetTrackedMemory(component, total)

	if sizeMB > limits.PerResourceMaxMB {
		m.log.WithResourceID(resourceID).WithFields(map[string]interface{}{
			"size_mb":      sizeMB,
			"threshold_mb": limits.PerResourceMaxMB,
			"component":    component,
		}).Warn("resource memory exceeds threshold")
		m.alert(ctx, LevelWarning, AlertResourceMemory, resourceID,
			fmt.Sprintf("resource %s memory %.1fMB exceeds %.1fMB", resourceID, sizeMB, limits.PerResourceMaxMB),
			map[string]interface{}{
				"resource_id":  resourceID,
				"size_mb":      sizeMB,
				"component_id": component,
				"threshold_mb": limits.PerResourceMaxMB,
			})
	}

	m.checkComponent(ctx, component, total, limits)
}

func (m *MemoryMonitor) checkComponent(ctx context.Context, component string, total float64, limits Thresholds) {
	if limits.TotalMemoryMB <= 0 {
		return
	}
	level := ""
	switch {
	case total > limits.LimitMB(LevelCritical):
		level = LevelCritical
	case total > limits.LimitMB(LevelWarning):
		level = LevelWarning
	default:
		return
	}

	m.log.WithFields(map[string]interface{}{
		"component": component,
		"total_mb":  total,
		"level":     level,
	}).Warn("component memory threshold crossed")
	m.alert(ctx, level, AlertComponentMemory, "",
		fmt.Sprintf("component %s memory %s: %.1fMB", component, level, total),
		map[string]interface{}{
			"component_id": component,
			"total_mb":     total,
			"threshold_mb": limits.LimitMB(level),
		})
}

func (m *MemoryMonitor) alert(ctx context.Context, level, alertType, resourceID, message string, data map[string]interface{}) {
	m.metrics.RecordMemoryAlert(alertType, level)

	data["alert_type"] = alertType
	data["level"] = level
	data["timestamp"] = m.clock.Now()

	priority := telemetry.PriorityNormal
	eventLevel := telemetry.EventLevelWarning
	if level == LevelCritical {
		priority = telemetry.PriorityHigh
		eventLevel = telemetry.EventLevelError
	}
	if err := m.events.Emit(ctx, telemetry.Event{
		Type:       telemetry.EventResourceAlertCreated,
		Source:     "memory_monitor",
		ResourceID: resourceID,
		Priority:   priority,
		Level:      eventLevel,
		Message:    message,
		Data:       data,
	}); err != nil {
		m.log.WithError(err).Error("failed to emit memory alert")
	}
}

// UntrackResource stops tracking resourceID.
func (m *MemoryMonitor) UntrackResource(_ context.Context, resourceID string) {
	m.mu.Lock()
	r, ok := m.resources[resourceID]
	delete(m.resources, resourceID)
	total := m.componentUsageLocked(r.component)
	m.mu.Unlock()

	if ok {
		m.metrics.SetTrackedMemory(r.component, total)
		m.log.WithResourceID(resourceID).Debug("resource untracked")
	}
}

// ResourceSize returns the tracked size of resourceID.
func (m *MemoryMonitor) ResourceSize(resourceID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[resourceID]
	return r.sizeMB, ok
}

// Resources returns the tracked size of every resource.
func (m *MemoryMonitor) Resources() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.resources))
	for id, r := range m.resources {
		out[id] = r.sizeMB
	}
	return out
}

// ComponentUsage returns the total size tracked for component.
func (m *MemoryMonitor) ComponentUsage(component string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.componentUsageLocked(component)
}

func (m *MemoryMonitor) componentUsageLocked(component string) float64 {
	var total float64
	for _, r := range m.resources {
		if r.component == component {
			total += r.sizeMB
		}
	}
	return total
}

// ComponentUsages returns the total tracked size per component.
func (m *MemoryMonitor) ComponentUsages() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64)
	for _, r := range m.resources {
		out[r.component] += r.sizeMB
	}
	return out
}

// TotalTrackedMB returns the sum of every tracked resource.
func (m *MemoryMonitor) TotalTrackedMB() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, r := range m.resources {
		total += r.sizeMB
	}
	return total
}

// TrackedRatio returns tracked memory as a fraction of the configured
// total.
func (m *MemoryMonitor) TrackedRatio() float64 {
	total := m.Thresholds().TotalMemoryMB
	if total <= 0 {
		return 0
	}
	return m.TotalTrackedMB() / total
}

// EnsureWithinLimit returns an exhaustion error when sizeMB exceeds the
// per-resource limit for component. The error is fatal beyond one and a
// half times the limit.
func (m *MemoryMonitor) EnsureWithinLimit(resourceID string, sizeMB float64, component string) error {
	m.mu.RLock()
	limit := m.thresholdsFor(component).PerResourceMaxMB
	m.mu.RUnlock()

	if sizeMB <= limit {
		return nil
	}
	return faults.NewExhaustionError(resourceID, "memory", sizeMB, limit).
		WithOperation("track_resource").
		WithDetail("component_id", component)
}

// CheckOnce samples host memory, raises alerts against the default
// thresholds, re-checks every component with its own thresholds and
// emits a system_memory metric.
func (m *MemoryMonitor) CheckOnce(ctx context.Context) error {
	ctx, span := m.tracer.StartMonitorSpan(ctx, "memory")
	defer span.End()

	sys, err := m.sampler.Sample(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("failed to sample system memory: %w", err)
	}

	ratio := sys.UsedRatio()
	m.metrics.SetSystemMemoryRatio(ratio)

	limits := m.Thresholds()
	level := ""
	switch {
	case ratio*100 >= limits.CriticalPercent:
		level = LevelCritical
	case ratio*100 >= limits.WarningPercent:
		level = LevelWarning
	}
	if level != "" {
		m.log.WithFields(map[string]interface{}{
			"used_percent": ratio * 100,
			"level":        level,
		}).Warn("system memory threshold crossed")
		m.alert(ctx, level, AlertSystemMemory, "",
			fmt.Sprintf("system memory %s: %.1f%%", level, ratio*100),
			map[string]interface{}{
				"percent":  ratio,
				"total_mb": sys.TotalMB,
				"used_mb":  sys.UsedMB,
			})
	}

	for _, component := range m.Components() {
		m.mu.RLock()
		total := m.componentUsageLocked(component)
		t := m.thresholdsFor(component)
		m.mu.RUnlock()
		m.checkComponent(ctx, component, total, t)
	}

	m.mu.RLock()
	count := len(m.resources)
	m.mu.RUnlock()

	if err := m.events.Emit(ctx, telemetry.Event{
		Type:     telemetry.EventMetricRecorded,
		Source:   "memory_monitor",
		Priority: telemetry.PriorityLow,
		Data: map[string]interface{}{
			"metric":         "system_memory",
			"value":          ratio,
			"total_mb":       sys.TotalMB,
			"used_mb":        sys.UsedMB,
			"used_percent":   ratio,
			"resource_count": count,
			"tracked_mb":     m.TotalTrackedMB(),
			"timestamp":      m.clock.Now(),
		},
	}); err != nil {
		m.log.WithError(err).Warn("failed to emit memory metric")
	}

	telemetry.RecordSuccess(span)
	return nil
}

// Start launches the periodic system poll. The first check runs
// immediately.
func (m *MemoryMonitor) Start(ctx context.Context) error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("memory monitor already running")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.cancel = cancel
	m.loopDone = done

	go func() {
		defer close(done)
		for {
			m.poll(loopCtx)
			select {
			case <-loopCtx.Done():
				return
			case <-m.clock.After(m.checkInterval):
			}
		}
	}()

	m.log.WithField("interval", m.checkInterval.String()).Info("memory monitoring started")
	return nil
}

func (m *MemoryMonitor) poll(ctx context.Context) {
	if err := m.CheckOnce(ctx); err != nil {
		m.log.WithError(err).Error("memory check failed")
		reportMonitoringError(ctx, m.events, m.log, "memory_monitor", err, m.clock.Now())
	}
}

// Stop halts the poll loop.
func (m *MemoryMonitor) Stop(ctx context.Context) error {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		m.log.Info("memory monitoring stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out stopping memory monitor: %w", ctx.Err())
	}
}

func reportMonitoringError(ctx context.Context, events telemetry.Emitter, log *telemetry.Logger, component string, err error, now time.Time) {
	if emitErr := events.Emit(ctx, telemetry.Event{
		Type:     telemetry.EventMonitoringError,
		Source:   component,
		Priority: telemetry.PriorityHigh,
		Level:    telemetry.EventLevelError,
		Message:  err.Error(),
		Data: map[string]interface{}{
			"error":     err.Error(),
			"component": component,
			"timestamp": now,
		},
	}); emitErr != nil {
		log.WithError(emitErr).Warn("failed to emit monitoring error")
	}
}
