package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/resilience/pkg/bootstrap"
	"github.com/openfroyo/resilience/pkg/circuit"
)

func newCircuitsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "circuits",
		Aliases: []string{"circuit", "cb"},
		Short:   "Inspect and control persisted circuit breakers",
		Long: `Inspect and control the circuit breakers persisted in the state backend.

Tripping a circuit cascades to every circuit that depends on it. Changes
are written back to the backend and picked up by a monitor started later.`,
	}

	cmd.AddCommand(newCircuitsStatusCommand())
	cmd.AddCommand(newCircuitsTripCommand())
	cmd.AddCommand(newCircuitsResetCommand())
	cmd.AddCommand(newCircuitsDependCommand())

	return cmd
}

// loadCircuits creates every persisted circuit so its record is applied.
func loadCircuits(ctx context.Context, s *bootstrap.Stack) ([]string, error) {
	ids, err := s.State.KeysByPrefix(ctx, circuit.ResourcePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list circuits: %w", err)
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		name := strings.TrimPrefix(id, circuit.ResourcePrefix)
		s.Circuits.GetOrCreate(ctx, name, "", nil)
		names = append(names, name)
	}
	return names, nil
}

func requireCircuit(ctx context.Context, s *bootstrap.Stack, name string) error {
	if _, err := loadCircuits(ctx, s); err != nil {
		return err
	}
	if _, ok := s.Circuits.Circuit(name); !ok {
		return fmt.Errorf("%w: %s", circuit.ErrCircuitNotFound, name)
	}
	return nil
}

func newCircuitsStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [name...]",
		Short: "Show circuit state, failures and dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStack(ctx, func(s *bootstrap.Stack) error {
				if _, err := loadCircuits(ctx, s); err != nil {
					return err
				}
				summary := s.Circuits.StatusSummary()
				if len(args) > 0 {
					picked := make(map[string]circuit.Status, len(args))
					for _, name := range args {
						st, ok := summary[name]
						if !ok {
							return fmt.Errorf("%w: %s", circuit.ErrCircuitNotFound, name)
						}
						picked[name] = st
					}
					summary = picked
				}

				if output != "table" {
					return render(cmd.OutOrStdout(), summary)
				}
				rows := make([][]interface{}, 0, len(summary))
				for _, row := range mapRows(summary) {
					st := row[1].(circuit.Status)
					last := "-"
					if st.LastFailure != nil {
						last = formatTime(*st.LastFailure)
					}
					children := "-"
					if len(st.Children) > 0 {
						children = strings.Join(st.Children, ",")
					}
					rows = append(rows, []interface{}{row[0], st.State, st.FailureCount, last, st.TripCount, children})
				}
				return table(cmd.OutOrStdout(), "NAME\tSTATE\tFAILURES\tLAST FAILURE\tTRIPS\tDEPENDENTS", rows)
			})
		},
	}
}

func newCircuitsTripCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "trip <name>",
		Short: "Force a circuit open",
		Example: `  # Open the database circuit and everything that depends on it
  resctl circuits trip database --reason "failover drill"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStack(ctx, func(s *bootstrap.Stack) error {
				if err := requireCircuit(ctx, s, args[0]); err != nil {
					return err
				}
				if !s.Circuits.Trip(args[0], reason) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already open\n", args[0])
					return nil
				}
				s.Circuits.Wait()
				fmt.Fprintf(cmd.OutOrStdout(), "%s tripped\n", args[0])
				for _, child := range s.Circuits.Dependencies(args[0]) {
					if b, ok := s.Circuits.Circuit(child); ok {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s is now %s\n", child, b.State())
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded with the trip")

	return cmd
}

func newCircuitsResetCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset [name]",
		Short: "Force a circuit closed",
		Args: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give either one circuit name or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStack(ctx, func(s *bootstrap.Stack) error {
				if all {
					if _, err := loadCircuits(ctx, s); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset %d circuits\n", s.Circuits.ResetAll())
					return nil
				}
				if err := requireCircuit(ctx, s, args[0]); err != nil {
					return err
				}
				if !s.Circuits.Reset(args[0]) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already closed\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reset\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "reset every circuit")

	return cmd
}

func newCircuitsDependCommand() *cobra.Command {
	var create bool

	cmd := &cobra.Command{
		Use:   "depend <child> <parent>",
		Short: "Make one circuit trip when another opens",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			child, parent := args[0], args[1]
			return withStack(ctx, func(s *bootstrap.Stack) error {
				if _, err := loadCircuits(ctx, s); err != nil {
					return err
				}
				if create {
					s.Circuits.GetOrCreate(ctx, child, "", nil)
					s.Circuits.GetOrCreate(ctx, parent, "", nil)
				}
				if err := s.Circuits.RegisterDependency(ctx, child, parent); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now depends on %s\n", child, parent)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&create, "create", false, "create missing circuits")

	return cmd
}
