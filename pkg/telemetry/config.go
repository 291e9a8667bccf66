package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config is the telemetry section of the resilience configuration.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	// Environment is attached to every span, e.g. development or production.
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path opened for append.
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`

	// With sampling on, SamplingInitial messages per second pass and then
	// one in every SamplingThereafter.
	EnableSampling     bool `yaml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP gRPC collector address.
	Endpoint           string            `yaml:"endpoint"`
	SamplingRate       float64           `yaml:"sampling_rate"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout"`
	Headers            map[string]string `yaml:"headers"`
	Insecure           bool              `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus registry and its endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`
	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`
	// EnableAsync delivers from a buffer of BufferSize events on a
	// background goroutine, MaxBatchSize at a time.
	EnableAsync  bool `yaml:"enable_async"`
	BufferSize   int  `yaml:"buffer_size"`
	MaxBatchSize int  `yaml:"max_batch_size"`
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs info to stderr on the console, exposes metrics on
// :9090 and publishes events asynchronously. Tracing is off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "froyo-resilience",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "froyo_resilience",
			DefaultHistogramBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		Events: EventsConfig{
			Enabled:      true,
			EnableAsync:  true,
			BufferSize:   1000,
			MaxBatchSize: 100,
		},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName != "", "service name is required")
	check(c.ServiceVersion != "", "service version is required")
	check(slices.Contains(logLevels, c.Logging.Level), "invalid log level %q", c.Logging.Level)
	check(slices.Contains(logFormats, c.Logging.Format), "invalid log format %q (want console or json)", c.Logging.Format)
	check(!c.Logging.EnableSampling || (c.Logging.SamplingInitial > 0 && c.Logging.SamplingThereafter > 0),
		"log sampling needs positive sampling_initial and sampling_thereafter")
	check(!c.Tracing.Enabled || slices.Contains(spanExporters, c.Tracing.Exporter), "invalid trace exporter %q", c.Tracing.Exporter)
	check(!c.Tracing.Enabled || c.Tracing.Exporter != "otlp" || c.Tracing.Endpoint != "", "otlp exporter needs an endpoint")
	check(c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1, "trace sampling rate must be within [0, 1], got %v", c.Tracing.SamplingRate)
	check(!c.Metrics.Enabled || c.Metrics.ListenAddress != "", "metrics listen address is required when metrics are enabled")
	check(!c.Events.Enabled || c.Events.BufferSize > 0, "event buffer size must be positive, got %d", c.Events.BufferSize)

	return errors.Join(errs...)
}
