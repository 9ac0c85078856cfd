// Package orchestrator implements the fan-in Aggregator: it multiplexes an
// arbitrary number of agent TCP streams into one merged per-path view, per
// spec.md §4.5.
package orchestrator

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/eisen-labs/eisen-core/pkg/wire"
	"github.com/eisen-labs/eisen-core/pkg/zone"
)

// Clock abstracts wall-clock milliseconds, so registry timestamps are
// deterministic in tests, mirroring pkg/tracker.Clock's same small seam.
type Clock interface {
	NowMs() int64
}

// AgentProcessor normalizes one agent type's wire.FileNode before it enters
// the merged view (e.g. collapsing user_provided/user_referenced into
// read), per spec.md §4.5's per-connection state.
type AgentProcessor interface {
	Normalize(wire.FileNode) wire.FileNode
}

// DefaultProcessor is the processor used when AddAgent is not given a more
// specific one: it collapses the two "file entered context without an
// explicit tool call" actions into a plain read, since a merged view only
// cares whether the file is in context, not how it got there.
type DefaultProcessor struct{}

func (DefaultProcessor) Normalize(n wire.FileNode) wire.FileNode {
	switch n.LastAction {
	case wire.ActionUserProvided, wire.ActionUserReferenced:
		n.LastAction = wire.ActionRead
	}
	return n
}

// Metrics receives orchestrator-wide gauges, per SPEC_FULL.md §4.9. A nil
// Metrics is a safe no-op.
type Metrics interface {
	MergedFiles(n int)
}

// AgentInfo is the roster entry for one connected agent.
type AgentInfo struct {
	InstanceID  string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	Port        int    `json:"port"`
}

// MergedNode is the derived, per-path view across every agent replica.
type MergedNode struct {
	Path                  string      `json:"path"`
	Heat                  float64     `json:"heat"`
	InContext             bool        `json:"in_context"`
	LastAction            wire.Action `json:"last_action"`
	LastActionAgentID     string      `json:"last_action_agent_id"`
	LastActionTimestampMs int64       `json:"last_action_timestamp_ms"`
}

// MergedSnapshot is a full merged view, emitted whenever an agent's own
// snapshot is applied.
type MergedSnapshot struct {
	Type   string                `json:"type"`
	Nodes  map[string]MergedNode `json:"nodes"`
	Agents []AgentInfo           `json:"agents"`
}

// MergedDelta carries only the paths that changed or were removed by the
// triggering agent event, plus the current roster.
type MergedDelta struct {
	Type    string       `json:"type"`
	Updates []MergedNode `json:"updates"`
	Removed []string     `json:"removed"`
	Agents  []AgentInfo  `json:"agents"`
}

// colorPalette is the fixed 8-color round-robin set assigned to agents in
// connection order, per spec.md §4.5.
var colorPalette = []string{
	"red", "green", "yellow", "blue", "magenta", "cyan", "white", "orange",
}

type agentConn struct {
	info      AgentInfo
	processor AgentProcessor
	conn      net.Conn
	lastSeq   uint64
	connected bool
	createdMs int64
}

// Options configures session registry persistence.
type Options struct {
	// RegistryPath is where the session roster is persisted. Empty uses
	// the default ~/.eisen/sessions.json.
	RegistryPath string
	// Persist disables registry writes entirely when false, per
	// spec.md §6's "MAY persist". The orchestrate command always sets it.
	Persist bool
}

// Aggregator is the fan-in merge engine. All exported Apply*/AddAgent/
// RemoveAgent methods are safe for concurrent use; each agent's readLoop
// calls them from its own goroutine, per spec.md §5's "one task per
// connected agent... one task owns the merged map."
type Aggregator struct {
	mu sync.Mutex

	replicas map[string]map[string]wire.FileNode // path -> instanceID -> node
	merged   map[string]MergedNode
	agents   map[string]*agentConn

	typeCounters map[string]int
	nextColorIdx int

	onSnapshot func(MergedSnapshot)
	onDelta    func(MergedDelta)
	onUsage    func(instanceID string, u wire.Usage)

	metrics Metrics
	logger  *slog.Logger
	clock   Clock
	opts    Options
}

// New constructs an Aggregator. Any of onSnapshot/onDelta/onUsage/metrics
// may be nil.
func New(opts Options, onSnapshot func(MergedSnapshot), onDelta func(MergedDelta), onUsage func(instanceID string, u wire.Usage), metrics Metrics, logger *slog.Logger, clock Clock) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RegistryPath == "" {
		opts.RegistryPath = DefaultRegistryPath()
	}
	return &Aggregator{
		replicas:     make(map[string]map[string]wire.FileNode),
		merged:       make(map[string]MergedNode),
		agents:       make(map[string]*agentConn),
		typeCounters: make(map[string]int),
		onSnapshot:   onSnapshot,
		onDelta:      onDelta,
		onUsage:      onUsage,
		metrics:      metrics,
		logger:       logger,
		clock:        clock,
		opts:         opts,
	}
}

// AddAgent dials the agent's TCP server at 127.0.0.1:port, registers its
// roster entry, persists the registry, and starts a background goroutine
// reading and applying its stream, per spec.md §4.5's add_agent.
func (a *Aggregator) AddAgent(instanceID string, port int, agentType string) error {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("orchestrator: dial agent %s on port %d: %w", instanceID, port, err)
	}
	a.registerAgent(instanceID, port, agentType, conn)
	go a.readLoop(instanceID, conn)
	return nil
}

// registerAgent performs the metadata bookkeeping shared by AddAgent and
// tests that want to drive ApplySnapshot/ApplyDelta without a real socket.
func (a *Aggregator) registerAgent(instanceID string, port int, agentType string, conn net.Conn) AgentInfo {
	a.mu.Lock()
	shortType := shortenType(agentType)
	a.typeCounters[shortType]++
	n := a.typeCounters[shortType]
	color := colorPalette[a.nextColorIdx%len(colorPalette)]
	a.nextColorIdx++

	info := AgentInfo{
		InstanceID:  instanceID,
		Type:        agentType,
		DisplayName: fmt.Sprintf("%s_%d", shortType, n),
		Color:       color,
		Port:        port,
	}
	var createdMs int64
	if a.clock != nil {
		createdMs = a.clock.NowMs()
	}
	a.agents[instanceID] = &agentConn{
		info:      info,
		processor: DefaultProcessor{},
		conn:      conn,
		connected: true,
		createdMs: createdMs,
	}
	a.mu.Unlock()

	a.logger.Info("agent added", "component", "orchestrator", "instance_id", instanceID, "display_name", info.DisplayName)
	a.persistRegistry()
	return info
}

func (a *Aggregator) readLoop(instanceID string, conn net.Conn) {
	defer conn.Close()
	scanner := wire.NewLineScanner(conn)
	for scanner.Scan() {
		msg, err := wire.Decode(scanner.Bytes())
		if err != nil {
			a.logger.Warn("orchestrator: failed to decode agent message", "instance_id", instanceID, "error", err)
			continue
		}
		switch m := msg.(type) {
		case wire.Snapshot:
			a.ApplySnapshot(instanceID, m)
		case wire.Delta:
			a.ApplyDelta(instanceID, m)
		case wire.Usage:
			a.ApplyUsage(instanceID, m)
		}
	}
	a.RemoveAgent(instanceID)
}

// RemoveAgent closes instanceID's connection (if any), strips its replicas
// from every merged node, emits removals for emptied nodes and updates for
// surviving ones, then persists the new roster, per spec.md §4.5's
// remove_agent.
func (a *Aggregator) RemoveAgent(instanceID string) {
	a.mu.Lock()
	ac, ok := a.agents[instanceID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.agents, instanceID)
	if ac.connected {
		ac.connected = false
		if ac.conn != nil {
			_ = ac.conn.Close()
		}
	}

	var removedPaths []string
	var updated []MergedNode
	for path, reps := range a.replicas {
		if _, has := reps[instanceID]; !has {
			continue
		}
		delete(reps, instanceID)
		if len(reps) == 0 {
			delete(a.replicas, path)
			delete(a.merged, path)
			removedPaths = append(removedPaths, path)
		} else {
			mn, _ := mergeNode(path, reps)
			a.merged[path] = mn
			updated = append(updated, mn)
		}
	}
	roster := a.rosterLocked()
	mergedCount := len(a.merged)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.MergedFiles(mergedCount)
	}
	a.logger.Info("agent removed", "component", "orchestrator", "instance_id", instanceID)
	a.persistRegistry()

	if a.onDelta != nil && (len(removedPaths) > 0 || len(updated) > 0) {
		a.onDelta(MergedDelta{Type: "merged_delta", Updates: updated, Removed: removedPaths, Agents: roster})
	}
}

// ApplySnapshot applies a full snapshot from instanceID, per spec.md §4.5's
// snapshot handling: every replica currently owned by instanceID is
// dropped first, then every node in snap is applied, and a full merged
// snapshot is emitted.
func (a *Aggregator) ApplySnapshot(instanceID string, snap wire.Snapshot) {
	a.mu.Lock()
	ac, ok := a.agents[instanceID]
	if !ok {
		a.mu.Unlock()
		return
	}

	for path, reps := range a.replicas {
		if _, has := reps[instanceID]; !has {
			continue
		}
		delete(reps, instanceID)
		if len(reps) == 0 {
			delete(a.replicas, path)
			delete(a.merged, path)
		} else if mn, ok := mergeNode(path, reps); ok {
			a.merged[path] = mn
		}
	}

	for rawPath, node := range snap.Nodes {
		path := normalizeAndFilter(rawPath)
		if path == "" {
			continue
		}
		node = ac.processor.Normalize(node)
		node.Path = path
		reps := a.replicas[path]
		if reps == nil {
			reps = make(map[string]wire.FileNode)
			a.replicas[path] = reps
		}
		reps[instanceID] = node
		if mn, ok := mergeNode(path, reps); ok {
			a.merged[path] = mn
		}
	}
	ac.lastSeq = snap.Seq

	full := make(map[string]MergedNode, len(a.merged))
	for k, v := range a.merged {
		full[k] = v
	}
	roster := a.rosterLocked()
	mergedCount := len(a.merged)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.MergedFiles(mergedCount)
	}
	if a.onSnapshot != nil {
		a.onSnapshot(MergedSnapshot{Type: "merged_snapshot", Nodes: full, Agents: roster})
	}
}

// ApplyDelta applies an incremental delta from instanceID, discarding it as
// stale if its seq does not advance instanceID's last seen seq, per
// spec.md §4.5's delta handling.
func (a *Aggregator) ApplyDelta(instanceID string, delta wire.Delta) {
	a.mu.Lock()
	ac, ok := a.agents[instanceID]
	if !ok {
		a.mu.Unlock()
		return
	}
	if delta.Seq <= ac.lastSeq {
		a.mu.Unlock()
		return
	}
	ac.lastSeq = delta.Seq

	var updated []MergedNode
	var removedPaths []string

	for _, rawNode := range delta.Updates {
		path := normalizeAndFilter(rawNode.Path)
		if path == "" {
			continue
		}
		node := ac.processor.Normalize(rawNode)
		node.Path = path
		reps := a.replicas[path]
		if reps == nil {
			reps = make(map[string]wire.FileNode)
			a.replicas[path] = reps
		}
		reps[instanceID] = node
		if mn, ok := mergeNode(path, reps); ok {
			a.merged[path] = mn
			updated = append(updated, mn)
		}
	}

	for _, rawPath := range delta.Removed {
		path := normalizeAndFilter(rawPath)
		if path == "" {
			continue
		}
		reps, has := a.replicas[path]
		if !has {
			continue
		}
		delete(reps, instanceID)
		if len(reps) == 0 {
			delete(a.replicas, path)
			delete(a.merged, path)
			removedPaths = append(removedPaths, path)
		} else if mn, ok := mergeNode(path, reps); ok {
			a.merged[path] = mn
			updated = append(updated, mn)
		}
	}

	roster := a.rosterLocked()
	mergedCount := len(a.merged)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.MergedFiles(mergedCount)
	}
	if a.onDelta != nil && (len(updated) > 0 || len(removedPaths) > 0) {
		a.onDelta(MergedDelta{Type: "merged_delta", Updates: updated, Removed: removedPaths, Agents: roster})
	}
}

// ApplyUsage forwards a usage event tagged with its originating agent. The
// aggregator has no notion of merged usage accounting (spec.md §4.5
// defines no usage merge rule); each agent's usage stream passes through
// independently.
func (a *Aggregator) ApplyUsage(instanceID string, u wire.Usage) {
	if a.onUsage != nil {
		a.onUsage(instanceID, u)
	}
}

// Roster returns the current agent roster.
func (a *Aggregator) Roster() []AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rosterLocked()
}

func (a *Aggregator) rosterLocked() []AgentInfo {
	out := make([]AgentInfo, 0, len(a.agents))
	for _, ac := range a.agents {
		out = append(out, ac.info)
	}
	return out
}

// MergedFiles returns the current merged-node count (test/introspection
// helper; also the value reported on eisen_merged_files).
func (a *Aggregator) MergedFiles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.merged)
}

// mergeNode computes spec.md §4.5's merge rule over one path's replicas:
// heat is the max across replicas, in_context is true if any replica has
// it set, and last_action/_agent_id/_timestamp_ms come from the replica
// with the highest timestamp_ms (ties broken by the lexicographically
// greater instance id). Returns (zero, false) if reps is empty.
func mergeNode(path string, reps map[string]wire.FileNode) (MergedNode, bool) {
	if len(reps) == 0 {
		return MergedNode{}, false
	}
	var maxHeat float64
	first := true
	inContext := false
	var winnerID string
	var winner wire.FileNode

	for id, n := range reps {
		if first || n.Heat > maxHeat {
			maxHeat = n.Heat
		}
		if n.InContext {
			inContext = true
		}
		if winnerID == "" || n.TimestampMs > winner.TimestampMs ||
			(n.TimestampMs == winner.TimestampMs && id > winnerID) {
			winner = n
			winnerID = id
		}
		first = false
	}

	return MergedNode{
		Path:                  path,
		Heat:                  maxHeat,
		InContext:             inContext,
		LastAction:            winner.LastAction,
		LastActionAgentID:     winnerID,
		LastActionTimestampMs: winner.TimestampMs,
	}, true
}

// ignoredSegments is the fixed set from spec.md §4.5's path normalization
// rule.
var ignoredSegments = map[string]struct{}{
	"node_modules": {}, "dist": {}, "build": {}, "target": {}, ".git": {},
	".venv": {}, "__pycache__": {}, ".next": {}, ".nuxt": {}, "coverage": {},
	".turbo": {}, ".cache": {}, ".output": {}, "out": {},
}

// normalizeAndFilter cleans rawPath to a workspace-relative POSIX path via
// zone.NormalizePath, then returns "" if any segment is in the fixed
// ignore set or is dot-prefixed (other than "." or ".."), per spec.md
// §4.5.
func normalizeAndFilter(rawPath string) string {
	p := zone.NormalizePath(rawPath)
	if p == "" {
		return ""
	}
	for _, seg := range strings.Split(p, "/") {
		if _, ignored := ignoredSegments[seg]; ignored {
			return ""
		}
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return ""
		}
	}
	return p
}

// shortenType derives the "<short_type>" half of a display name from an
// agent type string: lowercase, non-alphanumeric runs collapsed to a
// single underscore, trimmed, capped at 16 characters.
func shortenType(agentType string) string {
	var b strings.Builder
	lastWasSep := false
	for _, r := range strings.ToLower(agentType) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastWasSep = false
		} else if !lastWasSep && b.Len() > 0 {
			b.WriteByte('_')
			lastWasSep = true
		}
	}
	s := strings.TrimRight(b.String(), "_")
	if s == "" {
		s = "agent"
	}
	if len(s) > 16 {
		s = s[:16]
	}
	return s
}
