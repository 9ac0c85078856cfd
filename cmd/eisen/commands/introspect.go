package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eisen-labs/eisen-core/internal/introspect"
	"github.com/eisen-labs/eisen-core/pkg/tracker"
)

// NewIntrospectCommand builds `eisen introspect`: runs the read-only MCP
// server (get_snapshot, list_zone_rules, get_usage) over stdio, per
// SPEC_FULL.md §4.8. It owns its own tracker/policy instance rather than
// attaching to a separately running observe process — there is no wire
// contract in spec.md for exporting a live tracker across processes, so
// this command is the introspection-only analogue of `snapshot`: useful on
// its own for validating a zone config's rule list, and suited to being
// run as the same process as an embedding agent that wants its own
// tracker introspectable.
func NewIntrospectCommand() *cobra.Command {
	var agentID, zoneConfig string
	var zonePatterns []string

	cmd := &cobra.Command{
		Use:   "introspect",
		Short: "Serve a read-only MCP introspection server over stdio",
		Long: `introspect exposes get_snapshot, list_zone_rules, and
get_usage as MCP tools over stdio. Never multiplexed onto the TCP wire
socket — keeps the Eisen wire protocol and MCP cleanly separate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			if agentID == "" {
				agentID = "introspect"
			}

			pol, cfg, err := resolvePolicy(zoneConfig, agentID, zonePatterns)
			if err != nil {
				return Exit(ExitZoneConfigErr, err)
			}

			tr := tracker.New(agentID, agentID, trackerOptions(cfg), nil)

			srv := introspect.New(agentID, tr, pol, nil)
			if err := introspect.Run(cobraCmd.Context(), srv); err != nil {
				return Exit(1, fmt.Errorf("introspect: %w", err))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent identity to report in get_snapshot (default: \"introspect\")")
	cmd.Flags().StringVar(&zoneConfig, "zone-config", "", "YAML zone config file")
	cmd.Flags().StringArrayVar(&zonePatterns, "zone-patterns", nil, "allowed glob pattern (repeatable)")

	return cmd
}
