package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/resilience/pkg/telemetry"
)

// Subscriber is notified of every component update.
type Subscriber func(component string, status Status)

// Tracker stores the latest status of every component.
type Tracker struct {
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	events  telemetry.Emitter
	now     func() time.Time

	mu          sync.RWMutex
	components  map[string]Status
	subscribers map[int]Subscriber
	nextSubID   int
}

// NewTracker creates an empty tracker.
func NewTracker(tel *telemetry.Telemetry) *Tracker {
	tel = telemetry.OrNop(tel)
	return &Tracker{
		log:         tel.Logger.NewComponentLogger("health_tracker"),
		metrics:     tel.Metrics,
		events:      tel.Events,
		now:         time.Now,
		components:  make(map[string]Status),
		subscribers: make(map[int]Subscriber),
	}
}

// Update records status for component, notifies subscribers and emits
// system_health_changed.
func (t *Tracker) Update(ctx context.Context, component string, status Status) {
	if status.Timestamp.IsZero() {
		status.Timestamp = t.now()
	}
	if status.Source == "" {
		status.Source = component
	}

	t.mu.Lock()
	previous, existed := t.components[component]
	t.components[component] = status
	subs := make([]Subscriber, 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	t.metrics.SetComponentHealth(component, float64(status.Status.Severity()))
	system := t.SystemHealth()
	t.metrics.SetSystemHealth(float64(system.Status.Severity()))

	for _, fn := range subs {
		t.notify(fn, component, status)
	}

	if existed && previous.Status != status.Status {
		t.log.WithFields(map[string]interface{}{
			"health_component": component,
			"from":             string(previous.Status),
			"to":               string(status.Status),
		}).Info("component health changed")
	}

	priority := telemetry.PriorityNormal
	level := telemetry.EventLevelInfo
	switch status.Status {
	case Critical, Unhealthy:
		priority = telemetry.PriorityHigh
		level = telemetry.EventLevelError
	case Degraded, Error:
		level = telemetry.EventLevelWarning
	}

	err := t.events.Emit(ctx, telemetry.Event{
		Type:     telemetry.EventSystemHealthChanged,
		Source:   "health_tracker",
		Priority: priority,
		Level:    level,
		Message:  fmt.Sprintf("%s is %s", component, status.Status),
		Data: map[string]interface{}{
			"component":     component,
			"status":        string(status.Status),
			"description":   status.Description,
			"metadata":      status.Metadata,
			"system_status": string(system.Status),
		},
	})
	if err != nil {
		t.log.WithError(err).Warn("failed to emit health event")
	}
}

func (t *Tracker) notify(fn Subscriber, component string, status Status) {
	defer func() {
		if r := recover(); r != nil {
			t.log.WithFields(map[string]interface{}{
				"health_component": component,
				"panic":            r,
			}).Error("health subscriber panicked")
		}
	}()
	fn(component, status)
}

// Subscribe registers fn for every update. The returned func removes it.
func (t *Tracker) Subscribe(fn Subscriber) func() {
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

// Component returns the latest status of component.
func (t *Tracker) Component(component string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.components[component]
	return s, ok
}

// Components returns a copy of every component's latest status.
func (t *Tracker) Components() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.components))
	for k, v := range t.components {
		out[k] = v
	}
	return out
}

// Remove forgets component.
func (t *Tracker) Remove(component string) {
	t.mu.Lock()
	delete(t.components, component)
	t.mu.Unlock()
}

// SystemHealth reduces all components to one status. The worst of
// CRITICAL, UNHEALTHY and DEGRADED wins; components reporting ERROR count
// as DEGRADED. With no components the result is UNKNOWN.
func (t *Tracker) SystemHealth() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.components) == 0 {
		return Status{
			Status:      Unknown,
			Source:      "system",
			Description: "no components reporting",
			Timestamp:   t.now(),
		}
	}

	counts := make(map[string]int)
	var worst []string
	worstLevel := Healthy
	for name, s := range t.components {
		level := s.Status
		if level == Error {
			level = Degraded
		}
		if level == Unknown {
			level = Healthy
		}
		counts[string(s.Status)]++
		switch {
		case level.Severity() > worstLevel.Severity():
			worstLevel = level
			worst = []string{name}
		case level == worstLevel && level != Healthy:
			worst = append(worst, name)
		}
	}
	sort.Strings(worst)

	description := "all components healthy"
	if worstLevel != Healthy {
		description = fmt.Sprintf("%d component(s) %s: %v", len(worst), worstLevel, worst)
	}

	return Status{
		Status:      worstLevel,
		Source:      "system",
		Description: description,
		Metadata: map[string]interface{}{
			"component_count": len(t.components),
			"status_counts":   counts,
			"affected":        worst,
		},
		Timestamp: t.now(),
	}
}

var _ Reporter = (*Tracker)(nil)
