// Package bootstrap assembles the resilience components from a config.Config
// and runs their background loops as one unit.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/resilience/pkg/circuit"
	"github.com/openfroyo/resilience/pkg/config"
	"github.com/openfroyo/resilience/pkg/health"
	"github.com/openfroyo/resilience/pkg/monitor"
	"github.com/openfroyo/resilience/pkg/state"
	"github.com/openfroyo/resilience/pkg/stores"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// Stack holds every component built from one configuration.
type Stack struct {
	Telemetry *telemetry.Telemetry
	Backend   state.Backend
	State     *state.Manager
	Health    *health.Tracker
	Circuits  *circuit.Registry
	Memory    *monitor.MemoryMonitor
	System    *monitor.SystemMonitor

	log          *telemetry.Logger
	ownTelemetry bool

	mu      sync.Mutex
	cfg     *config.Config
	started []stopper
	watcher *config.Watcher
}

type stopper struct {
	name string
	stop func(context.Context) error
}

type options struct {
	tel     *telemetry.Telemetry
	monitor []monitor.Option
	circuit []circuit.RegistryOption
}

// Option customises New.
type Option func(*options)

// WithTelemetry supplies a telemetry bundle instead of building one from
// the configuration. The caller keeps ownership of it.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithMonitorOptions passes options to both monitors.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *options) { o.monitor = append(o.monitor, opts...) }
}

// WithRegistryOptions passes extra options to the circuit registry.
func WithRegistryOptions(opts ...circuit.RegistryOption) Option {
	return func(o *options) { o.circuit = append(o.circuit, opts...) }
}

// New builds the stack. Persisted circuit records are loaded before New
// returns. Nothing is started.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Stack, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stack{cfg: cfg, Telemetry: o.tel}
	if s.Telemetry == nil {
		tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		s.Telemetry = tel
		s.ownTelemetry = true
	}
	tel := s.Telemetry
	s.log = tel.Logger.NewComponentLogger("bootstrap")

	backend, err := stores.Open(ctx, cfg.State.Backend, cfg.BaseDir, tel.Logger.NewComponentLogger("state_store"))
	if err != nil {
		s.closeTelemetry(ctx)
		return nil, fmt.Errorf("failed to open state backend: %w", err)
	}
	s.Backend = backend

	s.State, err = state.NewManager(backend, cfg.State.ManagerConfig, tel)
	if err != nil {
		_ = backend.Close()
		s.closeTelemetry(ctx)
		return nil, fmt.Errorf("failed to create state manager: %w", err)
	}

	s.Health = health.NewTracker(tel)

	regOpts := append([]circuit.RegistryOption{
		circuit.WithHealthReporter(s.Health),
		circuit.WithPersister(s.State),
	}, o.circuit...)
	s.Circuits = circuit.NewRegistry(cfg.Circuits, tel, regOpts...)
	if n, err := s.Circuits.LoadState(ctx); err != nil {
		s.log.WithError(err).Warn("failed to load persisted circuits")
	} else if n > 0 {
		s.log.WithField("circuits", n).Info("loaded persisted circuits")
	}

	s.Memory = monitor.NewMemoryMonitor(cfg.Memory, tel, o.monitor...)
	s.System, err = monitor.NewSystemMonitor(cfg.System, monitor.SystemDeps{
		Memory:   s.Memory,
		Health:   s.Health,
		Circuits: s.Circuits,
		State:    s.State,
	}, tel, o.monitor...)
	if err != nil {
		_ = s.State.Close(ctx)
		s.closeTelemetry(ctx)
		return nil, fmt.Errorf("failed to create system monitor: %w", err)
	}

	s.log.WithField("backend", string(cfg.State.Backend.Type)).Info("resilience stack ready")
	return s, nil
}

// Config returns the configuration last applied to the stack.
func (s *Stack) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches state cleanup, the circuit monitor, the memory monitor and
// the system monitor, in that order. If one fails the others are stopped.
func (s *Stack) Start(ctx context.Context) error {
	steps := []struct {
		name  string
		start func(context.Context) error
		stop  func(context.Context) error
	}{
		{"state_cleanup", s.State.Start, s.State.Stop},
		{"circuit_monitor", s.Circuits.Start, s.Circuits.Stop},
		{"memory_monitor", s.Memory.Start, s.Memory.Stop},
		{"system_monitor", s.System.Start, s.System.Stop},
	}

	for _, step := range steps {
		if err := step.start(ctx); err != nil {
			stopErr := s.stopStarted(ctx)
			return errors.Join(fmt.Errorf("failed to start %s: %w", step.name, err), stopErr)
		}
		s.mu.Lock()
		s.started = append(s.started, stopper{name: step.name, stop: step.stop})
		s.mu.Unlock()
	}

	s.log.Info("resilience stack started")
	return nil
}

// stopStarted stops the system monitor first since its pass reads the other
// components, then stops the rest together.
func (s *Stack) stopStarted(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = nil
	s.mu.Unlock()

	var errs []error
	var rest []stopper
	for _, st := range started {
		if st.name == "system_monitor" {
			if err := st.stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop %s: %w", st.name, err))
			}
			continue
		}
		rest = append(rest, st)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range rest {
		g.Go(func() error {
			if err := st.stop(gctx); err != nil {
				return fmt.Errorf("failed to stop %s: %w", st.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Apply hot-reloads circuit defaults and memory thresholds from cfg. Other
// settings need a restart and are ignored.
func (s *Stack) Apply(cfg *config.Config) {
	s.mu.Lock()
	prev := s.cfg
	if prev != nil && prev.ReloadableEqual(cfg) {
		s.cfg = cfg
		s.mu.Unlock()
		return
	}
	s.cfg = cfg
	s.mu.Unlock()

	s.Circuits.SetDefaultConfig(cfg.Circuits.Default)
	for name, cc := range cfg.Circuits.Components {
		s.Circuits.RegisterComponentConfig(name, cc)
	}
	s.Memory.SetThresholds(cfg.Memory.Thresholds)
	for name, th := range cfg.Memory.Components {
		s.Memory.RegisterComponentThresholds(name, th)
	}

	s.log.WithFields(map[string]interface{}{
		"circuit_components": len(cfg.Circuits.Components),
		"memory_components":  len(cfg.Memory.Components),
	}).Info("applied configuration reload")
}

// Watch applies every valid change to path until Shutdown.
func (s *Stack) Watch(ctx context.Context, path string) error {
	w, err := config.Watch(ctx, path, s.Apply, config.WithLogger(s.Telemetry.Logger))
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.watcher
	s.watcher = w
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Shutdown stops the loops, saves circuit state, closes the backend and
// flushes telemetry the stack created.
func (s *Stack) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	circuitsRunning := false
	for _, st := range s.started {
		circuitsRunning = circuitsRunning || st.name == "circuit_monitor"
	}
	s.mu.Unlock()

	var errs []error
	if w != nil {
		errs = append(errs, w.Close())
	}
	errs = append(errs, s.stopStarted(ctx))

	// a running registry saves on Stop
	if !circuitsRunning {
		if err := s.Circuits.SaveAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to save circuits: %w", err))
		}
	}
	if err := s.State.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close state manager: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.log.WithError(err).Error("resilience stack shutdown incomplete")
	} else {
		s.log.Info("resilience stack stopped")
	}
	s.closeTelemetry(ctx)
	return err
}

func (s *Stack) closeTelemetry(ctx context.Context) {
	if !s.ownTelemetry {
		return
	}
	if err := s.Telemetry.Shutdown(ctx); err != nil {
		s.Telemetry.Logger.WithError(err).Warn("telemetry shutdown failed")
	}
}
