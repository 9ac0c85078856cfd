package commands

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the `eisen` cobra command tree: snapshot, observe,
// orchestrate, introspect, per SPEC_FULL.md §4.6.
func NewRootCommand() *cobra.Command {
	var noColor bool

	root := &cobra.Command{
		Use:   "eisen",
		Short: "Eisen observes AI coding agents and reports their file activity",
		Long: `Eisen wraps one or more AI coding agent processes, classifies
their file reads/writes/searches, enforces per-agent workspace zones, and
streams a live activity graph to local subscribers.

Commands:
  snapshot     Compile a zone policy and print an empty tracker snapshot
  observe      Proxy and observe a single agent child process
  orchestrate  Fan in one or more observe streams into a merged view
  introspect   Serve a read-only MCP introspection server over stdio`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if noColor {
				color.NoColor = true //nolint:reassign // intentional override of library global
			}
		},
	}

	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored status output")

	root.AddCommand(NewSnapshotCommand())
	root.AddCommand(NewObserveCommand())
	root.AddCommand(NewOrchestrateCommand())
	root.AddCommand(NewIntrospectCommand())

	return root
}
