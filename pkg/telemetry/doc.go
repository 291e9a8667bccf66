// Package telemetry provides observability instrumentation for the
// resilience layer.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing behind a
// single Telemetry bundle that every component receives at construction.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests and tools that do not care about output use telemetry.NewNop,
// which delivers events synchronously so subscribers observe them before
// the emitting call returns.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("state_manager")
//	logger.WithResourceID("agent:planner").Info("state changed")
//	logger.WithError(err).Error("backend save failed")
//
// # Tracing
//
//	ctx, span := tel.Tracer.StartStateSpan(ctx, "set", resourceID)
//	defer span.End()
//
// Supported exporters: "otlp" (OTLP/gRPC), "stdout", "none".
//
// # Metrics
//
// Key metrics exposed (namespace froyo_resilience by default):
//
//   - state_operations_total{operation}
//   - state_transitions_total{resource_type,state}
//   - state_cache_requests_total{result}
//   - state_backend_errors_total{operation}
//   - circuit_state{circuit}
//   - circuit_calls_total{circuit,result}
//   - memory_tracked_megabytes{component}
//   - health_component_severity{component}
//
// # Events
//
// Components publish resource_state_changed, system_health_changed,
// resource_alert_created, metric_recorded, monitoring_error_occurred and
// resource_error_occurred events through the Emitter interface:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Println(event.Type, event.Data)
//	}, telemetry.FilterByType(telemetry.EventResourceAlertCreated))
//
// Events emitted with a context that holds a span carry its trace id.
package telemetry
