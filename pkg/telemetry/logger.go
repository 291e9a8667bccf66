package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger carrying resilience fields such as the
// component, circuit or resource a message is about.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger builds the root logger described by cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	lc := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		lc = lc.Caller()
	}
	zlog := lc.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog}, nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
	}
	return f, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	}
	return time.RFC3339
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func (l *Logger) child(c zerolog.Context) *Logger {
	return &Logger{zlog: c.Logger()}
}

// NewComponentLogger tags every message with the owning component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(l.zlog.With().Str("component", component))
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.child(l.zlog.With().Fields(fields))
}

// WithField returns a logger with one additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(l.zlog.With().Interface(key, value))
}

// WithResourceID tags messages with the tracked resource.
func (l *Logger) WithResourceID(resourceID string) *Logger {
	return l.child(l.zlog.With().Str("resource_id", resourceID))
}

// WithCircuit tags messages with a circuit name.
func (l *Logger) WithCircuit(name string) *Logger {
	return l.child(l.zlog.With().Str("circuit", name))
}

// WithCorrelationID tags messages with the id shared by cascaded events.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return l.child(l.zlog.With().Str("correlation_id", id))
}

// WithError attaches err to every message.
func (l *Logger) WithError(err error) *Logger {
	return l.child(l.zlog.With().Err(err))
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }

func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }

func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }

func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
