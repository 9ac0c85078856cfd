package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eisen-labs/eisen-core/pkg/tracker"
	"github.com/eisen-labs/eisen-core/pkg/wire"
)

// NewSnapshotCommand builds `eisen snapshot`: compiles the zone policy for
// the given path (never actually scanning it — spec.md §6 only promises a
// single JSON snapshot line), so the command doubles as a zone-config
// smoke test, and prints the fresh, empty tracker snapshot it produces.
func NewSnapshotCommand() *cobra.Command {
	var path, zoneConfig string
	var zonePatterns []string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Compile a zone policy and print an empty tracker snapshot",
		Long: `snapshot writes one JSON snapshot line to stdout and exits 0.

It compiles the zone policy for --path (via --zone-config or
--zone-patterns) and reports the resulting tracker state — empty, since
snapshot never spawns an agent or scans the filesystem. It exists to let
an operator validate a zone config file before wiring it into observe.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			if path == "" {
				return Exit(ExitArgumentError, fmt.Errorf("--path is required"))
			}

			pol, cfg, err := resolvePolicy(zoneConfig, path, zonePatterns)
			if err != nil {
				return Exit(ExitZoneConfigErr, err)
			}
			_ = pol // compiled solely to validate the config; snapshot never decides

			tr := tracker.New(path, path, trackerOptions(cfg), nil)
			snap := tr.Snapshot()
			if err := wire.Encode(cobraCmd.OutOrStdout(), snap); err != nil {
				return Exit(1, fmt.Errorf("encode snapshot: %w", err))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "workspace directory this snapshot describes")
	cmd.Flags().StringVar(&zoneConfig, "zone-config", "", "YAML zone config file")
	cmd.Flags().StringArrayVar(&zonePatterns, "zone-patterns", nil, "allowed glob pattern (repeatable)")

	return cmd
}
