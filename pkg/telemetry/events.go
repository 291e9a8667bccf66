package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notification from the resilience layer to whatever
// orchestrates it: state changes, health changes, alerts and samples.
type Event struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	ResourceID    string                 `json:"resource_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TraceID       string                 `json:"trace_id,omitempty"`
	Priority      Priority               `json:"priority"`
	Message       string                 `json:"message,omitempty"`
	Level         string                 `json:"level"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// Priority hints how urgently consumers should react to an event.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Event types.
const (
	EventResourceStateChanged  = "resource_state_changed"
	EventSystemHealthChanged   = "system_health_changed"
	EventResourceAlertCreated  = "resource_alert_created"
	EventMetricRecorded        = "metric_recorded"
	EventMonitoringError       = "monitoring_error_occurred"
	EventResourceErrorOccurred = "resource_error_occurred"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var errPublisherStopped = errors.New("event publisher stopped")

// Emitter accepts events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event Event) error

func (f EmitterFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventSubscriber handles one delivered event.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers, either inline or through
// a bounded buffer drained by one goroutine.
type EventPublisher struct {
	cfg EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	onPanic func(event Event, recovered interface{})

	queue   chan Event
	stopped chan struct{}
	stop    sync.Once
	drained sync.WaitGroup
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if cfg.Enabled && cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	ep := &EventPublisher{cfg: cfg, stopped: make(chan struct{})}
	if cfg.Enabled && cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.drained.Add(1)
		go ep.run()
	}
	return ep, nil
}

// OnSubscriberPanic sets the hook called with the value recovered from a
// panicking subscriber.
func (ep *EventPublisher) OnSubscriberPanic(fn func(event Event, recovered interface{})) {
	ep.mu.Lock()
	ep.onPanic = fn
	ep.mu.Unlock()
}

// Subscribe registers fn for events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Emit publishes event, stamping it with the trace id found in ctx.
func (ep *EventPublisher) Emit(ctx context.Context, event Event) error {
	if event.TraceID == "" {
		event.TraceID = TraceID(ctx)
	}
	return ep.Publish(event)
}

// Publish fills in the id, timestamp, priority and level when unset and
// hands the event to subscribers. In async mode a full buffer drops the
// event and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Priority == "" {
		event.Priority = PriorityNormal
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.stopped:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

func (ep *EventPublisher) run() {
	defer ep.drained.Done()

	batch := make([]Event, 0, ep.cfg.MaxBatchSize)
	for {
		select {
		case event := <-ep.queue:
			batch = append(batch[:0], event)
			for len(batch) < ep.cfg.MaxBatchSize && len(ep.queue) > 0 {
				batch = append(batch, <-ep.queue)
			}
			for _, e := range batch {
				ep.deliver(e)
			}
		case <-ep.stopped:
			for len(ep.queue) > 0 {
				ep.deliver(<-ep.queue)
			}
			return
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := slices.Clone(ep.subs)
	onPanic := ep.onPanic
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		ep.call(s.fn, event, onPanic)
	}
}

// call isolates one subscriber so its panic does not starve the rest.
func (ep *EventPublisher) call(fn EventSubscriber, event Event, onPanic func(Event, interface{})) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(event, r)
		}
	}()
	fn(event)
}

// Shutdown stops accepting events and waits until the buffer is drained.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}
	ep.stop.Do(func() { close(ep.stopped) })

	done := make(chan struct{})
	go func() {
		ep.drained.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool {
		return slices.Contains(types, event.Type)
	}
}

// FilterByPriority accepts events at or above floor.
func FilterByPriority(floor Priority) EventFilter {
	rank := map[Priority]int{PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2}
	return func(event Event) bool {
		return rank[event.Priority] >= rank[floor]
	}
}
