package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:      true,
		BufferSize:   100,
		MaxBatchSize: 10,
		EnableAsync:  true,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	received := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		received++
		mu.Unlock()
	}, nil)

	for i := 0; i < 25; i++ {
		if err := ep.Publish(Event{Type: EventMetricRecorded}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 25 {
		t.Errorf("expected 25 delivered events, got %d", received)
	}
}

func TestEventPublisherRecoversSubscriberPanic(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})

	var panics int
	ep.OnSubscriberPanic(func(Event, interface{}) { panics++ })

	delivered := false
	ep.Subscribe(func(Event) { panic("boom") }, nil)
	ep.Subscribe(func(Event) { delivered = true }, nil)

	if err := ep.Publish(Event{Type: EventSystemHealthChanged}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if panics != 1 {
		t.Errorf("expected 1 recovered panic, got %d", panics)
	}
	if !delivered {
		t.Error("second subscriber did not receive the event")
	}
}

func TestPublishFillsDefaults(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})

	var got Event
	ep.Subscribe(func(e Event) { got = e }, nil)
	_ = ep.Publish(Event{Type: EventResourceAlertCreated})

	if got.ID == "" {
		t.Error("expected generated ID")
	}
	if got.Priority != PriorityNormal {
		t.Errorf("expected normal priority, got %s", got.Priority)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestDisabledPublisherIsNoop(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	if err := ep.Publish(Event{Type: "x"}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestFilterByPriority(t *testing.T) {
	high := FilterByPriority(PriorityNormal)
	tests := []struct {
		priority Priority
		want     bool
	}{
		{PriorityLow, false},
		{PriorityNormal, true},
		{PriorityHigh, true},
	}
	for _, tt := range tests {
		if got := high(Event{Priority: tt.priority}); got != tt.want {
			t.Errorf("priority %s: got %v, want %v", tt.priority, got, tt.want)
		}
	}
}

func TestEmitStampsTraceID(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})

	var got Event
	ep.Subscribe(func(e Event) { got = e }, nil)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	if err := ep.Emit(ctx, Event{Type: EventResourceStateChanged}); err != nil {
		t.Fatal(err)
	}
	if got.TraceID == "" || got.TraceID != span.SpanContext().TraceID().String() {
		t.Errorf("expected trace id %s, got %q", span.SpanContext().TraceID(), got.TraceID)
	}

	_ = ep.Emit(context.Background(), Event{Type: EventResourceStateChanged})
	if got.TraceID != "" {
		t.Errorf("expected no trace id without a span, got %q", got.TraceID)
	}
}
