package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/resilience/pkg/circuit"
	"github.com/openfroyo/resilience/pkg/monitor"
	"github.com/openfroyo/resilience/pkg/state"
	"github.com/openfroyo/resilience/pkg/stores"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

// Config is the resilience layer configuration file.
type Config struct {
	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// State configures the storage backend and the state manager.
	State StateConfig `yaml:"state"`

	// Circuits configures the circuit breaker registry.
	Circuits circuit.RegistryConfig `yaml:"circuits"`

	// Memory configures the memory monitor.
	Memory monitor.MemoryConfig `yaml:"memory"`

	// System configures the system monitor.
	System monitor.SystemConfig `yaml:"system"`

	// BaseDir resolves relative storage paths. Load sets it to the
	// directory holding the file.
	BaseDir string `yaml:"-"`
}

// StateConfig selects the backend and tunes the state manager.
type StateConfig struct {
	Backend stores.Config `yaml:"backend"`

	state.ManagerConfig `yaml:",inline"`
}

// Default returns the built-in configuration. It keeps state in memory.
func Default() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		State: StateConfig{
			Backend:       stores.Config{Type: stores.BackendMemory},
			ManagerConfig: state.DefaultManagerConfig(),
		},
		Circuits: circuit.DefaultRegistryConfig(),
		Memory:   monitor.DefaultMemoryConfig(),
		System:   monitor.DefaultSystemConfig(),
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	cfg.BaseDir = filepath.Dir(abs)
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Per
// component circuit and memory settings inherit unset fields from the
// section defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	cfg.inheritDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) inheritDefaults() {
	def := c.Circuits.Default
	for name, cc := range c.Circuits.Components {
		if cc.FailureThreshold == 0 {
			cc.FailureThreshold = def.FailureThreshold
		}
		if cc.RecoveryTimeout == 0 {
			cc.RecoveryTimeout = def.RecoveryTimeout
		}
		if cc.HalfOpenMaxTries == 0 {
			cc.HalfOpenMaxTries = def.HalfOpenMaxTries
		}
		if cc.FailureWindow == 0 {
			cc.FailureWindow = def.FailureWindow
		}
		c.Circuits.Components[name] = cc
	}

	th := c.Memory.Thresholds
	for name, mt := range c.Memory.Components {
		if mt.WarningPercent == 0 {
			mt.WarningPercent = th.WarningPercent
		}
		if mt.CriticalPercent == 0 {
			mt.CriticalPercent = th.CriticalPercent
		}
		if mt.PerResourceMaxMB == 0 {
			mt.PerResourceMaxMB = th.PerResourceMaxMB
		}
		if mt.TotalMemoryMB == 0 {
			mt.TotalMemoryMB = th.TotalMemoryMB
		}
		c.Memory.Components[name] = mt
	}
}

var validate = validator.New()

// Validate checks struct constraints, the telemetry settings and the
// cleanup schedule.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if err := c.State.Cleanup.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("state: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ReloadableEqual reports whether the settings applied on hot reload are
// unchanged between c and other.
func (c *Config) ReloadableEqual(other *Config) bool {
	if c.Circuits.Default != other.Circuits.Default || c.Memory.Thresholds != other.Memory.Thresholds {
		return false
	}
	if len(c.Circuits.Components) != len(other.Circuits.Components) ||
		len(c.Memory.Components) != len(other.Memory.Components) {
		return false
	}
	for k, v := range c.Circuits.Components {
		if ov, ok := other.Circuits.Components[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range c.Memory.Components {
		if ov, ok := other.Memory.Components[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// defaultDebounce is how long Watch waits for writes to settle.
const defaultDebounce = 500 * time.Millisecond
