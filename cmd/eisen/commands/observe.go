package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/eisen-labs/eisen-core/internal/config"
	"github.com/eisen-labs/eisen-core/internal/metrics"
	"github.com/eisen-labs/eisen-core/pkg/proxy"
	"github.com/eisen-labs/eisen-core/pkg/server"
	"github.com/eisen-labs/eisen-core/pkg/tracker"
	"github.com/eisen-labs/eisen-core/pkg/zone"
)

const metricsReadHeaderTimeout = 5 * time.Second

// NewObserveCommand builds `eisen observe`: wraps a single agent child
// process, classifying and zone-checking its stdio traffic, and serves the
// tracker's snapshot/delta/usage stream to TCP subscribers, per spec.md
// §4.3/§4.4 and SPEC_FULL.md §4.6.
func NewObserveCommand() *cobra.Command {
	var port int
	var agentID, zoneConfig, metricsAddr string
	var zonePatterns []string

	cmd := &cobra.Command{
		Use:   "observe -- <agent-cmd> [args...]",
		Short: "Proxy and observe a single agent child process",
		Long: `observe spawns <agent-cmd>, taps its stdio to classify file
activity and enforce zone policy, and serves the resulting tracker state
on 127.0.0.1:<port> (or an ephemeral port if --port is 0). The chosen
port is printed to stderr as "listening on <port>" before the agent
produces any output.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			dash := cobraCmd.ArgsLenAtDash()
			if dash < 0 || dash >= len(args) {
				return Exit(ExitArgumentError, fmt.Errorf("observe requires -- <agent-cmd> [args...]"))
			}
			agentCmd := args[dash]
			agentArgs := args[dash+1:]

			if agentID == "" {
				agentID = filepath.Base(agentCmd)
			}

			pol, cfg, err := resolvePolicy(zoneConfig, agentID, zonePatterns)
			if err != nil {
				return Exit(ExitZoneConfigErr, err)
			}
			holder := zone.NewPolicyHolder(pol)

			if zoneConfig != "" {
				stop, err := config.WatchFile(zoneConfig, slog.Default(), func(cfg *config.Config) {
					if reloaded, err := cfg.PolicyFor(agentID); err == nil {
						holder.Set(reloaded)
					}
				})
				if err != nil {
					return Exit(ExitZoneConfigErr, fmt.Errorf("watch zone config: %w", err))
				}
				defer stop()
			}

			// srvMetrics stays a nil interface when metrics are disabled; a
			// nil *metrics.Recorder stored in it would not compare equal to nil.
			var srvMetrics server.Metrics
			if metricsAddr != "" {
				rec := metrics.New()
				srvMetrics = rec
				go serveMetrics(metricsAddr, rec)
			}

			tr := tracker.New(agentID, agentID, trackerOptions(cfg), wallClock{})

			ln, err := server.Listen(port)
			if err != nil {
				return Exit(1, fmt.Errorf("listen: %w", err))
			}
			chosenPort := 0
			if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
				chosenPort = tcpAddr.Port
			}
			okf(cobraCmd.ErrOrStderr(), "listening on %d\n", chosenPort)

			srv := server.New(agentID, tr, nil, srvMetrics, slog.Default(), serverOptions(cfg))

			px := proxy.New(agentCmd, agentArgs, tr, holder, wallClock{}, srv, slog.Default(), proxyOptions(cfg))

			ctx, cancel := context.WithCancel(cobraCmd.Context())
			defer cancel()
			go func() {
				if err := srv.Serve(ctx, ln); err != nil {
					slog.Error("tcp server stopped", "error", err)
				}
			}()
			go runFlushLoop(ctx, tr, srv)

			code, err := px.Run(ctx, os.Stdin, os.Stdout)
			if err != nil {
				return Exit(ExitChildSpawnErr, err)
			}
			if code != 0 {
				return Exit(code, fmt.Errorf("agent exited with code %d", code))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "TCP port to serve on (0 = ephemeral)")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent identity for zone lookup and wire messages (default: agent-cmd basename)")
	cmd.Flags().StringVar(&zoneConfig, "zone-config", "", "YAML zone config file")
	cmd.Flags().StringArrayVar(&zonePatterns, "zone-patterns", nil, "allowed glob pattern (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")

	return cmd
}

// flushInterval is how often runFlushLoop ticks the tracker and flushes any
// pending file-access changes into a delta broadcast to subscribers. 200ms
// mirrors the 100-200ms coalescing intervals the teacher's own fswatch/TUI
// tickers use for comparable "batch up recent changes, then emit" loops.
const flushInterval = 200 * time.Millisecond

// runFlushLoop is the missing half of the tracker's production wiring:
// pkg/proxy.Proxy.tap only calls Tracker.FileAccess, which accumulates
// pending updates/removals but never flushes them on its own. Without this
// loop a connected subscriber would receive its initial snapshot and then
// nothing else for the life of the process. It ticks the tracker on
// flushInterval and forwards any produced delta to srv, stopping when ctx is
// cancelled (the same shutdown signal that stops the proxy and TCP server).
func runFlushLoop(ctx context.Context, tr *tracker.Tracker, srv *server.Server) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			tr.TickNow(now)
			if d, ok := tr.Delta(); ok {
				srv.BroadcastDelta(d)
			}
		}
	}
}

func serveMetrics(addr string, rec *metrics.Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server stopped", "error", err)
	}
}
