package state

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openfroyo/resilience/pkg/faults"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// Cleanup removes TERMINATED resources older than the configured TTL and
// trims history. force halves the TTL.
func (m *Manager) Cleanup(ctx context.Context, force bool) (int, error) {
	ctx, span := m.tracer.StartStateSpan(ctx, "cleanup", "")
	defer span.End()

	ttl := m.cfg.Cleanup.TTL
	if force {
		ttl /= 2
	}
	olderThan := m.now().Add(-ttl)

	removed, err := m.backend.Cleanup(ctx, olderThan)
	if err != nil {
		m.backendError("", "cleanup", err)
		telemetry.RecordError(span, err)

		ferr := faults.NewOperationError(faults.SeverityDegraded, "state cleanup failed", err).
			WithOperation("cleanup").
			WithResource("state_manager")
		if emitErr := m.events.Emit(ctx, telemetry.Event{
			Type:     telemetry.EventResourceErrorOccurred,
			Source:   "state_manager",
			Priority: telemetry.PriorityHigh,
			Level:    telemetry.EventLevelError,
			Message:  ferr.Error(),
			Data: map[string]interface{}{
				"component_id": "state_manager",
				"operation":    "cleanup",
				"error_type":   "cleanup_error",
				"severity":     string(faults.SeverityDegraded),
				"message":      err.Error(),
			},
		}); emitErr != nil {
			m.log.WithError(emitErr).Warn("failed to emit cleanup error event")
		}
		return 0, ferr
	}

	// removed resources may still be cached
	m.cache.Purge()

	if ids, err := m.backend.ResourceIDs(ctx); err == nil {
		m.counters.resourceCount.Store(int64(len(ids)))
		m.metrics.SetResourceCount(len(ids))
	}
	m.metrics.RecordCleanup(removed)

	m.log.WithFields(map[string]interface{}{
		"removed": removed,
		"forced":  force,
	}).Info("state cleanup completed")

	if err := m.events.Emit(ctx, telemetry.Event{
		Type:   telemetry.EventMetricRecorded,
		Source: "state_manager",
		Data: map[string]interface{}{
			"metric": "state_cleanup",
			"value":  float64(removed),
			"forced": force,
		},
	}); err != nil {
		m.log.WithError(err).Warn("failed to emit cleanup metric")
	}

	telemetry.RecordSuccess(span)
	return removed, nil
}

// Start launches the background cleanup loop. It runs on the cron
// schedule when one is configured and on the policy interval otherwise.
// The none policy starts nothing.
func (m *Manager) Start(ctx context.Context) error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.cancel != nil {
		return fmt.Errorf("state cleanup already running")
	}
	if m.cfg.Cleanup.Policy == CleanupNone {
		m.log.Info("state cleanup disabled")
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if m.cfg.Cleanup.Schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(m.cfg.Cleanup.Schedule, func() { m.runCleanup(loopCtx) }); err != nil {
			cancel()
			return fmt.Errorf("failed to schedule cleanup: %w", err)
		}
		c.Start()
		m.cron = c
		m.cancel = cancel
		m.log.WithField("schedule", m.cfg.Cleanup.Schedule).Info("state cleanup scheduled")
		return nil
	}

	interval := m.cfg.Cleanup.interval()
	done := make(chan struct{})
	m.cancel = cancel
	m.loopDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.runCleanup(loopCtx)
			}
		}
	}()

	m.log.WithFields(map[string]interface{}{
		"policy":   string(m.cfg.Cleanup.Policy),
		"interval": interval.String(),
	}).Info("state cleanup started")
	return nil
}

func (m *Manager) runCleanup(ctx context.Context) {
	if _, err := m.Cleanup(ctx, false); err != nil {
		m.log.WithError(err).Error("scheduled state cleanup failed")
	}
}

// Stop halts the cleanup loop and waits for a running pass to finish, or
// for ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	m.loopMu.Lock()
	cancel, done, c := m.cancel, m.loopDone, m.cron
	m.cancel, m.loopDone, m.cron = nil, nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	var wait <-chan struct{} = done
	if c != nil {
		wait = c.Stop().Done()
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out stopping state cleanup: %w", ctx.Err())
	}
}
