package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/resilience/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var showEffective bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file.

This command checks:
  - YAML syntax
  - Value ranges for circuits, memory thresholds and monitors
  - Telemetry settings
  - The cleanup cron schedule`,
		Example: `  # Validate the file given with --config
  resctl validate --config resilience.yaml

  # Validate a file and print the configuration with defaults filled in
  resctl validate resilience.yaml --show`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration file given")
			}

			log.Debug().Str("path", path).Msg("Validating configuration")

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			if showEffective {
				data, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEffective, "show", false, "print the effective configuration")

	return cmd
}
