package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/resilience/pkg/bootstrap"
	"github.com/openfroyo/resilience/pkg/config"
)

// shutdownTimeout bounds how long a command waits for the stack to stop.
const shutdownTimeout = 30 * time.Second

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		log.Debug().Msg("No config file given, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", configPath).Msg("Loaded configuration")
	return cfg, nil
}

// openStack builds the stack for a one-shot command. Metrics, async event
// delivery and info logging are turned off.
func openStack(ctx context.Context) (*bootstrap.Stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.Metrics.Enabled = false
	cfg.Telemetry.Events.EnableAsync = false
	if !verbose {
		cfg.Telemetry.Logging.Level = "warn"
	}
	return bootstrap.New(ctx, cfg)
}

// withStack runs fn against a freshly opened stack and shuts it down.
func withStack(ctx context.Context, fn func(*bootstrap.Stack) error) (err error) {
	stack, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if shutdownErr := stack.Shutdown(sctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()
	return fn(stack)
}

// render writes v in the json or yaml output format. YAML goes through the
// JSON encoding so custom JSON marshallers are honoured.
func render(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if output == "json" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

// table writes a header and rows in aligned columns.
func table(w io.Writer, header string, rows [][]interface{}) error {
	tw := tabwriter.NewWriter(w, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, cell)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// mapRows returns one key/value row per entry, sorted by key.
func mapRows[V any](m map[string]V) [][]interface{} {
	rows := make([][]interface{}, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		rows = append(rows, []interface{}{k, m[k]})
	}
	return rows
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
