package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/resilience/pkg/bootstrap"
	"github.com/openfroyo/resilience/pkg/telemetry"
)

func newMonitorCommand() *cobra.Command {
	var (
		metrics     bool
		metricsAddr string
		noWatch     bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the monitoring loops until interrupted",
		Long: `Start the resilience stack and run its background loops:

  - state cleanup on the configured policy or cron schedule
  - circuit breaker health checks
  - memory threshold checks against tracked resources and the host
  - the system monitor that aggregates health and metrics

Circuit state is loaded from the backend on start and saved on shutdown.
When a config file is given it is watched, and changes to circuit defaults
and memory thresholds are applied without a restart.`,
		Example: `  # Run with defaults (in-memory state)
  resctl monitor

  # Run against a config file and serve Prometheus metrics
  resctl monitor --config resilience.yaml --metrics --metrics-addr :9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}
			if metrics {
				cfg.Telemetry.Metrics.Enabled = true
				if metricsAddr != "" {
					cfg.Telemetry.Metrics.ListenAddress = metricsAddr
				}
			}

			stack, err := bootstrap.New(ctx, cfg)
			if err != nil {
				return err
			}
			logAlerts(stack.Telemetry)

			if err := run(ctx, stack, metrics, !noWatch && configPath != ""); err != nil {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				_ = stack.Shutdown(sctx)
				return err
			}

			<-ctx.Done()
			log.Info().Msg("Shutting down")

			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return stack.Shutdown(sctx)
		},
	}

	cmd.Flags().BoolVar(&metrics, "metrics", false, "serve Prometheus metrics")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (overrides config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")

	return cmd
}

func run(ctx context.Context, stack *bootstrap.Stack, metrics, watch bool) error {
	if metrics {
		if err := stack.Telemetry.StartMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		cfg := stack.Config().Telemetry.Metrics
		log.Info().Str("address", cfg.ListenAddress).Str("path", cfg.Path).Msg("Serving metrics")
	}

	if err := stack.Start(ctx); err != nil {
		return err
	}

	if watch {
		if err := stack.Watch(ctx, configPath); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
	}

	log.Info().Msg("Monitoring started, press Ctrl+C to stop")
	return nil
}

// logAlerts prints high priority events so an operator watching the
// terminal sees trips and memory alerts.
func logAlerts(tel *telemetry.Telemetry) {
	alerts := tel.Logger.NewComponentLogger("alerts")
	tel.Events.Subscribe(func(e telemetry.Event) {
		l := alerts.WithFields(map[string]interface{}{
			"event_type": e.Type,
			"source":     e.Source,
		})
		if e.ResourceID != "" {
			l = l.WithResourceID(e.ResourceID)
		}
		msg := e.Message
		if msg == "" {
			msg = e.Type
		}
		l.Warn(msg)
	}, telemetry.FilterByPriority(telemetry.PriorityHigh))
}
