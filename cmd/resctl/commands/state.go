package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/resilience/pkg/bootstrap"
	"github.com/openfroyo/resilience/pkg/state"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and change resource state",
		Long: `Read and write versioned resource state in the configured backend.

Every write is validated against the transition rules of its state kind
and appended to the resource history. Snapshots are taken periodically
and before FAILED transitions, and can be replayed with "state recover".`,
	}

	cmd.AddCommand(newStateGetCommand())
	cmd.AddCommand(newStateHistoryCommand())
	cmd.AddCommand(newStateSnapshotsCommand())
	cmd.AddCommand(newStateSetCommand())
	cmd.AddCommand(newStateRecoverCommand())
	cmd.AddCommand(newStateCleanupCommand())
	cmd.AddCommand(newStateCompactCommand())
	cmd.AddCommand(newStateListCommand())

	return cmd
}

func newStateGetCommand() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "get <resource-id>",
		Short: "Show the current state of a resource",
		Example: `  # Current state
  resctl state get agent:7

  # First history entry with a given version
  resctl state get agent:7 --version 1 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(s *bootstrap.Stack) error {
				var opts []state.GetOption
				if version > 0 {
					opts = append(opts, state.AtVersion(version))
				}
				entry, err := s.State.GetState(cmd.Context(), args[0], opts...)
				if err != nil {
					return err
				}
				if entry == nil {
					return fmt.Errorf("no state for %s", args[0])
				}
				if output != "table" {
					return render(cmd.OutOrStdout(), entry)
				}
				return printEntries(cmd, []*state.Entry{entry})
			})
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "read the history entry with this version")

	return cmd
}

func newStateHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <resource-id>",
		Short: "Show the transition history of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(s *bootstrap.Stack) error {
				history, err := s.State.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if output != "table" {
					return render(cmd.OutOrStdout(), history)
				}
				return printEntries(cmd, history)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest n entries")

	return cmd
}

func printEntries(cmd *cobra.Command, entries []*state.Entry) error {
	rows := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []interface{}{
			formatTime(e.Timestamp), e.State, e.ResourceType, deref(e.PreviousState), deref(e.TransitionReason),
		})
	}
	return table(cmd.OutOrStdout(), "TIME\tSTATE\tTYPE\tPREVIOUS\tREASON", rows)
}

func newStateSnapshotsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "snapshots <resource-id>",
		Short: "List the snapshots of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(s *bootstrap.Stack) error {
				snaps, err := s.State.Snapshots(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if output != "table" {
					return render(cmd.OutOrStdout(), snaps)
				}
				rows := make([][]interface{}, 0, len(snaps))
				for i, snap := range snaps {
					reason := "-"
					if r, ok := snap.Metadata["snapshot_reason"].(string); ok {
						reason = r
					}
					rows = append(rows, []interface{}{i, formatTime(snap.Timestamp), snap.State, snap.ResourceType, reason})
				}
				return table(cmd.OutOrStdout(), "INDEX\tTIME\tSTATE\tTYPE\tREASON", rows)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest n snapshots")

	return cmd
}

func newStateSetCommand() *cobra.Command {
	var (
		resourceType string
		reason       string
		metadata     []string
	)

	cmd := &cobra.Command{
		Use:   "set <resource-id> <state>",
		Short: "Transition a resource to a new state",
		Long: `Transition a resource to a new state.

The state is a name such as ACTIVE or InterfaceState.ERROR, or a JSON
object for a custom state.`,
		Example: `  # Mark an agent as paused
  resctl state set agent:7 PAUSED --type AGENT --reason maintenance

  # Store a custom state with metadata
  resctl state set cache:eu '{"warm": true}' --type CACHE --meta region=eu`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStateArg(args[1])
			if err != nil {
				return err
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}

			return withStack(cmd.Context(), func(s *bootstrap.Stack) error {
				opts := []state.SetOption{state.WithMetadata(meta)}
				if reason != "" {
					opts = append(opts, state.WithReason(reason))
				}
				entry, err := s.State.SetState(cmd.Context(), args[0], st, state.ResourceType(strings.ToUpper(resourceType)), opts...)
				if err != nil {
					return err
				}
				if output != "table" {
					return render(cmd.OutOrStdout(), entry)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", args[0], deref(entry.PreviousState), entry.State)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&resourceType, "type", "t", string(state.TypeState), "resource type")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "transition reason")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "metadata as key=value (repeatable)")

	return cmd
}

func parseStateArg(arg string) (state.State, error) {
	if strings.HasPrefix(strings.TrimSpace(arg), "{") {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(arg), &m); err != nil {
			return state.State{}, fmt.Errorf("invalid custom state: %w", err)
		}
		return state.Custom(m), nil
	}
	return state.Parse(arg)
}

func parseMetadata(pairs []string) (map[string]interface{}, error) {
	meta := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}

func newStateRecoverCommand() *cobra.Command {
	var index int

	cmd := &cobra.Command{
		Use:   "recover <resource-id>",
		Short: "Restore a resource from one of its snapshots",
		Example: `  # Restore the latest snapshot
  resctl state recover agent:7

  # Restore the oldest snapshot
  resctl state recover agent:7 --index 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(s *bootstrap.Stack) error {
				entry, err := s.State.RecoverFromSnapshot(cmd.Context(), args[0], index)
				if err != nil {
					return err
				}
				if output != "table" {
					return render(cmd.OutOrStdout(), entry)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s recovered to %s\n", args[0], entry.State)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&index, "index", -1, "snapshot index, negative counts from the newest")

	return cmd
}

func newStateCleanupCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired terminated resources and trim history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(s *bootstrap.Stack) error {
				removed, err := s.State.Cleanup(cmd.Context(), force)
				if err != nil {
					return err
				}
				if output != "table" {
					return render(cmd.OutOrStdout(), map[string]interface{}{"removed": removed, "forced": force})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d records\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "halve the retention period")

	return cmd
}

func newStateCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Reclaim space in the storage backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(s *bootstrap.Stack) error {
				result := s.State.CompactStorage(cmd.Context())
				if output != "table" {
					return render(cmd.OutOrStdout(), result)
				}
				if len(result) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "backend does not support compaction")
					return nil
				}
				return table(cmd.OutOrStdout(), "KEY\tVALUE", mapRows(result))
			})
		},
	}
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Count resources by current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(s *bootstrap.Stack) error {
				counts, err := s.State.CountResourcesByState(cmd.Context())
				if err != nil {
					return err
				}
				if output != "table" {
					return render(cmd.OutOrStdout(), counts)
				}
				return table(cmd.OutOrStdout(), "STATE\tCOUNT", mapRows(counts))
			})
		},
	}
}
