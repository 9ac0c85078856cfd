package commands

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/eisen-labs/eisen-core/internal/metrics"
	"github.com/eisen-labs/eisen-core/pkg/orchestrator"
	"github.com/eisen-labs/eisen-core/pkg/wire"
)

// NewOrchestrateCommand builds `eisen orchestrate`: dials one or more
// already-running `eisen observe` TCP listeners and fans their streams into
// a single merged view, printing every MergedSnapshot/MergedDelta as a JSON
// line on stdout, per spec.md §4.5 and SPEC_FULL.md §4.6's supplemented
// fan-in entry point. The session registry is persisted to
// ~/.eisen/sessions.json on every roster change (spec.md §6).
func NewOrchestrateCommand() *cobra.Command {
	var agentSpecs []string
	var metricsAddr, registryPath string

	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Fan in one or more observe streams into a merged view",
		Long: `orchestrate connects to one or more "eisen observe" TCP
listeners (each named with --agent <type>=<port>) and prints a unified
merged snapshot/delta stream on stdout, per the CRDT-style merge rule in
spec.md §4.5 (heat=max, in_context=any, last_action from the
highest-timestamp replica).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			if len(agentSpecs) == 0 {
				return Exit(ExitArgumentError, fmt.Errorf("at least one --agent <type>=<port> is required"))
			}

			type spec struct {
				agentType string
				port      int
			}
			specs := make([]spec, 0, len(agentSpecs))
			for _, raw := range agentSpecs {
				agentType, portStr, ok := strings.Cut(raw, "=")
				if !ok || agentType == "" || portStr == "" {
					return Exit(ExitArgumentError, fmt.Errorf("--agent %q must be of the form <type>=<port>", raw))
				}
				port, err := strconv.Atoi(portStr)
				if err != nil {
					return Exit(ExitArgumentError, fmt.Errorf("--agent %q: invalid port: %w", raw, err))
				}
				specs = append(specs, spec{agentType: agentType, port: port})
			}

			// aggMetrics stays a nil interface when metrics are disabled; a
			// nil *metrics.Recorder stored in it would not compare equal to nil.
			var aggMetrics orchestrator.Metrics
			if metricsAddr != "" {
				rec := metrics.New()
				aggMetrics = rec
				go serveMetrics(metricsAddr, rec)
			}

			out := cobraCmd.OutOrStdout()
			onSnapshot := func(s orchestrator.MergedSnapshot) { _ = wire.Encode(out, s) }
			onDelta := func(d orchestrator.MergedDelta) { _ = wire.Encode(out, d) }
			onUsage := func(_ string, u wire.Usage) { _ = wire.Encode(out, u) }

			agg := orchestrator.New(
				orchestrator.Options{RegistryPath: registryPath, Persist: true},
				onSnapshot, onDelta, onUsage,
				aggMetrics, slog.Default(), wallClock{},
			)

			errOut := cobraCmd.ErrOrStderr()
			for _, s := range specs {
				instanceID := uuid.NewString()
				if err := agg.AddAgent(instanceID, s.port, s.agentType); err != nil {
					return Exit(1, fmt.Errorf("connect to %s on port %d: %w", s.agentType, s.port, err))
				}
				infof(errOut, "connected to %s on port %d (instance %s)\n", s.agentType, s.port, instanceID)
			}

			<-cobraCmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&agentSpecs, "agent", nil, "agent to fan in, as <type>=<port> (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")
	cmd.Flags().StringVar(&registryPath, "registry-path", orchestrator.DefaultRegistryPath(), "session registry JSON file")

	return cmd
}
