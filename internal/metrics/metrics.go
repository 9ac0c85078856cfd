// Package metrics registers the Prometheus gauges/counters described in
// SPEC_FULL.md §4.9 and serves them on an HTTP /metrics endpoint when
// enabled. When --metrics-addr is not passed, the commands build no
// Recorder and hand the server/orchestrator a nil Metrics instead, so the
// hot path never pays for a disabled collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eisen-labs/eisen-core/pkg/orchestrator"
	"github.com/eisen-labs/eisen-core/pkg/server"
)

// Recorder implements every per-agent Metrics interface this repo defines
// (pkg/server.Metrics, pkg/orchestrator.Metrics) plus one extra eviction
// counter, NodesEvicted, for the tracker, which has no Metrics seam of its
// own: a caller feeds it the count that tracker.Tick/TickNow return.
type Recorder struct {
	registry *prometheus.Registry

	subscribersConnected *prometheus.GaugeVec
	deltasEmitted        *prometheus.CounterVec
	nodesEvicted         *prometheus.CounterVec
	subscriberDrops      *prometheus.CounterVec
	mergedFiles          prometheus.Gauge
}

var (
	_ server.Metrics       = (*Recorder)(nil)
	_ orchestrator.Metrics = (*Recorder)(nil)
)

// New constructs a Recorder with its own registry, so multiple Recorders
// (e.g. in tests) never collide on Prometheus's default global registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		subscribersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eisen_subscribers_connected",
			Help: "Current number of connected TCP subscribers, per agent.",
		}, []string{"agent_id"}),
		deltasEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eisen_deltas_emitted_total",
			Help: "Total deltas broadcast to subscribers, per agent.",
		}, []string{"agent_id"}),
		nodesEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eisen_nodes_evicted_total",
			Help: "Total tracker nodes garbage collected, per agent.",
		}, []string{"agent_id"}),
		subscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eisen_subscriber_drops_total",
			Help: "Total subscribers dropped, per agent and reason.",
		}, []string{"agent_id", "reason"}),
		mergedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eisen_merged_files",
			Help: "Current number of paths in the orchestrator's merged view.",
		}),
	}

	reg.MustRegister(r.subscribersConnected, r.deltasEmitted, r.nodesEvicted, r.subscriberDrops, r.mergedFiles)
	return r
}

// Handler returns the promhttp handler serving this Recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) SubscriberConnected(agentID string) {
	r.subscribersConnected.WithLabelValues(agentID).Inc()
}

func (r *Recorder) SubscriberDisconnected(agentID string) {
	r.subscribersConnected.WithLabelValues(agentID).Dec()
}

func (r *Recorder) DeltaEmitted(agentID string) {
	r.deltasEmitted.WithLabelValues(agentID).Inc()
}

func (r *Recorder) SubscriberDropped(agentID, reason string) {
	r.subscriberDrops.WithLabelValues(agentID, reason).Inc()
}

// NodesEvicted records n nodes evicted for agentID in one tracker Tick.
func (r *Recorder) NodesEvicted(agentID string, n int) {
	if n <= 0 {
		return
	}
	r.nodesEvicted.WithLabelValues(agentID).Add(float64(n))
}

func (r *Recorder) MergedFiles(n int) {
	r.mergedFiles.Set(float64(n))
}
