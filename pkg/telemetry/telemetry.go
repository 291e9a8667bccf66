package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Telemetry is the observability bundle handed to every component.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry validates cfg and builds each part of the bundle.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel := &Telemetry{Config: cfg}
	var err error
	if tel.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if tel.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if tel.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if tel.Events, err = NewEventPublisher(cfg.Events); err != nil {
		_ = tel.Tracer.Shutdown(context.Background())
		return nil, err
	}

	log := tel.Logger.NewComponentLogger("events")
	tel.Events.OnSubscriberPanic(func(event Event, recovered interface{}) {
		log.WithFields(map[string]interface{}{
			"event_type": event.Type,
			"panic":      recovered,
		}).Error("event subscriber panicked")
	})
	return tel, nil
}

// NewNop returns a bundle that logs nothing, records no metrics or spans
// and delivers events synchronously, so a subscriber has seen an event
// before the emitting call returns.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false
	cfg.Events.EnableAsync = false

	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// OrNop returns t, or NewNop when t is nil.
func OrNop(t *Telemetry) *Telemetry {
	if t == nil {
		return NewNop()
	}
	return t
}

// StartMetricsServer serves the Prometheus endpoint when metrics are
// enabled. Serve failures are logged.
func (t *Telemetry) StartMetricsServer() error {
	log := t.Logger.NewComponentLogger("metrics")
	return t.Metrics.StartMetricsServer(func(err error) {
		log.WithError(err).Error("metrics server stopped")
	})
}

// Shutdown drains events, flushes spans and stops the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.StopMetricsServer(ctx),
	)
}
